package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/swapflow/executor/pkg/metrics"
	"github.com/swapflow/executor/pkg/util"
)

// Handler executes one delivery of a job. Returning nil completes the job;
// any other error schedules a redelivery while attempts remain.
type Handler func(ctx context.Context, job Job) error

// FailedHook observes every failed delivery. exhausted is true when the job
// will not be delivered again.
type FailedHook func(ctx context.Context, job Job, err error, exhausted bool)

// Archive keeps exhausted jobs somewhere durable for inspection.
type Archive interface {
	ArchiveFailed(ctx context.Context, job Job) error
}

type Options struct {
	Concurrency int // max handlers running at once
	Attempts    int // total deliveries per job
	Capacity    int // pending buffer size

	// At most RateMax dispatches in any RateWindow: one token every
	// RateWindow/RateMax with a bucket of one, so tokens never pile up.
	RateMax    int
	RateWindow time.Duration

	// Delay after the first failed delivery, doubled for each later one.
	Backoff    time.Duration
	MaxBackoff time.Duration

	Clock   util.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	Archive Archive
}

func DefaultOptions() Options {
	return Options{
		Concurrency: 10,
		RateMax:     100,
		RateWindow:  time.Minute,
		Attempts:    3,
		Backoff:     time.Second,
		MaxBackoff:  time.Minute,
		Capacity:    10000,
	}
}

func (o *Options) init() {
	def := DefaultOptions()
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.RateMax <= 0 {
		o.RateMax = def.RateMax
	}
	if o.RateWindow <= 0 {
		o.RateWindow = def.RateWindow
	}
	if o.Attempts <= 0 {
		o.Attempts = def.Attempts
	}
	if o.Backoff <= 0 {
		o.Backoff = def.Backoff
	}
	if o.Capacity <= 0 {
		o.Capacity = def.Capacity
	}
	if o.Clock == nil {
		o.Clock = util.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

// Queue dispatches jobs to a bounded pool of workers with rate limiting and
// exponential-backoff redelivery. Delivery is at-least-once.
type Queue struct {
	name    string
	opt     Options
	handler Handler
	log     *zap.SugaredLogger

	pending chan Job
	limiter *rate.Limiter

	mu          sync.Mutex
	failed      []Job
	onFailed    []FailedHook
	onCompleted []func(Job)

	running atomic.Bool
	closed  atomic.Bool
	stop    chan struct{}
	workers sync.WaitGroup
	delayed sync.WaitGroup
}

func New(name string, handler Handler, opt Options) *Queue {
	opt.init()
	every := rate.Every(opt.RateWindow / time.Duration(opt.RateMax))
	return &Queue{
		name:    name,
		opt:     opt,
		handler: handler,
		log:     opt.Logger.With("queue", name),
		pending: make(chan Job, opt.Capacity),
		limiter: rate.NewLimiter(every, 1),
		stop:    make(chan struct{}),
	}
}

func (q *Queue) Name() string     { return q.name }
func (q *Queue) Options() Options { return q.opt }

// OnFailed registers a hook run after every failed delivery.
func (q *Queue) OnFailed(h FailedHook) {
	q.mu.Lock()
	q.onFailed = append(q.onFailed, h)
	q.mu.Unlock()
}

// OnCompleted registers a hook run after every successful delivery.
func (q *Queue) OnCompleted(h func(Job)) {
	q.mu.Lock()
	q.onCompleted = append(q.onCompleted, h)
	q.mu.Unlock()
}

// Enqueue adds a new job for the order without blocking.
func (q *Queue) Enqueue(orderID string) (Job, error) {
	if q.closed.Load() {
		return Job{}, ErrQueueClosed
	}
	job := Job{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Attempt:     1,
		MaxAttempts: q.opt.Attempts,
		EnqueuedAt:  q.opt.Clock.Now(),
	}
	select {
	case q.pending <- job:
		q.opt.Metrics.JobEvent("enqueued")
		q.log.Debugw("job_enqueued", "job_id", job.ID, "order_id", orderID)
		return job, nil
	default:
		return Job{}, ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is done or Close is called.
// In-flight handlers see the cancelled context; Run returns once they have
// returned. Jobs still pending or waiting out a backoff are dropped and
// must be recovered from the order store on the next start.
func (q *Queue) Run(ctx context.Context) error {
	if q.running.Swap(true) {
		return fmt.Errorf("queue %s already running", q.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-q.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	q.log.Infow("queue_started",
		"concurrency", q.opt.Concurrency,
		"rate_max", q.opt.RateMax,
		"rate_window", q.opt.RateWindow.String(),
		"attempts", q.opt.Attempts)

	for i := 0; i < q.opt.Concurrency; i++ {
		q.workers.Add(1)
		go q.work(ctx)
	}

	<-ctx.Done()
	q.workers.Wait()
	q.delayed.Wait()
	q.log.Infow("queue_stopped", "dropped", len(q.pending))
	return nil
}

// Close stops accepting jobs and signals Run to shut down.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.stop)
	}
}

// Failed returns the jobs that exhausted their attempts, oldest first.
func (q *Queue) Failed() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Job(nil), q.failed...)
}

// Pending is the number of jobs waiting for a worker.
func (q *Queue) Pending() int { return len(q.pending) }

func (q *Queue) work(ctx context.Context) {
	defer q.workers.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.pending:
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
			q.deliver(ctx, job)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, job Job) {
	log := q.log.With("job_id", job.ID, "order_id", job.OrderID, "attempt", job.Attempt)

	done := q.opt.Metrics.HandlerStarted()
	err := q.invoke(ctx, job)
	done()

	if err == nil {
		q.opt.Metrics.JobEvent("completed")
		log.Debugw("job_completed")
		for _, h := range q.completedHooks() {
			h(job)
		}
		return
	}

	job.LastError = err.Error()
	exhausted := job.Final() || IsPermanent(err)
	if exhausted {
		job.FailedAt = q.opt.Clock.Now()
		q.retain(ctx, job)
		q.opt.Metrics.JobEvent("failed")
		log.Warnw("job_failed", "err", err, "permanent", IsPermanent(err))
	}

	// hooks observe this delivery before the next one can start
	for _, h := range q.failedHooks() {
		h(ctx, job, err, exhausted)
	}

	if !exhausted {
		delay := Backoff(q.opt.Backoff, q.opt.MaxBackoff, job.Attempt)
		q.opt.Metrics.JobEvent("retried")
		log.Infow("job_retry_scheduled", "err", err, "delay", delay.String())
		q.redeliver(ctx, job, delay)
	}
}

// invoke runs the handler, turning a panic into an ordinary failure so one
// bad job cannot take a worker down.
func (q *Queue) invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, job)
}

// redeliver waits out the backoff without holding a worker slot.
func (q *Queue) redeliver(ctx context.Context, job Job, delay time.Duration) {
	next := job
	next.Attempt++
	q.delayed.Add(1)
	go func() {
		defer q.delayed.Done()
		if err := util.Sleep(ctx, q.opt.Clock, delay); err != nil {
			return
		}
		select {
		case q.pending <- next:
		case <-ctx.Done():
		}
	}()
}

func (q *Queue) retain(ctx context.Context, job Job) {
	q.mu.Lock()
	q.failed = append(q.failed, job)
	q.mu.Unlock()

	if q.opt.Archive == nil {
		return
	}
	if err := q.opt.Archive.ArchiveFailed(ctx, job); err != nil {
		q.log.Errorw("job_archive_failed", "job_id", job.ID, "err", err)
	}
}

func (q *Queue) failedHooks() []FailedHook {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FailedHook(nil), q.onFailed...)
}

func (q *Queue) completedHooks() []func(Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]func(Job){}, q.onCompleted...)
}
