package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/swapflow/executor/pkg/broadcast"
	"github.com/swapflow/executor/pkg/metrics"
	"github.com/swapflow/executor/pkg/order"
	"github.com/swapflow/executor/pkg/queue"
	"github.com/swapflow/executor/pkg/router"
	"github.com/swapflow/executor/pkg/util"
)

const (
	msgWrap      = "Wrapping native %s to w%s for routing"
	msgRouting   = "Finding best route..."
	msgQuote     = "Quote received: %s @ %s (fee: %sbps)"
	msgSubmitted = "Transaction submitted to network"
	msgUnwrap    = "Unwrapping w%s to %s for settlement"
	msgConfirmed = "Swap confirmed. Final Price: %s"
	msgSlippage  = "Slippage error: %s"
	msgRetrying  = "Network/System error: %s. Retrying..."
	msgTransient = "Network/System error: %s"
	msgExhausted = "Final failure after %d %s: %s"
	msgResumed   = "Interrupted by restart. Retrying..."
)

// Router is the part of the quote router the processor drives.
type Router interface {
	GetQuote(ctx context.Context, inputToken, outputToken string, amount decimal.Decimal) (router.Quote, error)
	ExecuteSwap(ctx context.Context, quote router.Quote) (router.SwapResult, error)
}

type Options struct {
	NativeToken string        // wrapped before routing, unwrapped after settlement
	BuildDelay  time.Duration // simulated transaction build time

	Clock   util.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

func DefaultOptions() Options {
	return Options{
		NativeToken: "SOL",
		BuildDelay:  500 * time.Millisecond,
	}
}

func (o *Options) init() {
	if o.NativeToken == "" {
		o.NativeToken = DefaultOptions().NativeToken
	}
	if o.Clock == nil {
		o.Clock = util.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

// Processor drives an order through
// PENDING → ROUTING → BUILDING → SUBMITTED → {CONFIRMED | FAILED}.
//
// Every status change is one atomic store update followed by one broadcast
// of the appended entry.
type Processor struct {
	store  order.Store
	router Router
	pub    broadcast.Publisher
	opt    Options
	log    *zap.SugaredLogger
}

func New(store order.Store, r Router, pub broadcast.Publisher, opt Options) *Processor {
	opt.init()
	return &Processor{
		store:  store,
		router: r,
		pub:    pub,
		opt:    opt,
		log:    opt.Logger,
	}
}

// Enqueuer accepts order ids for delivery. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(orderID string) (queue.Job, error)
}

// Attach installs OnJobFailed on q.
func (p *Processor) Attach(q *queue.Queue) {
	q.OnFailed(p.OnJobFailed)
}

// Handle executes one delivery of a job. It is a queue.Handler.
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	log := p.log.With("order_id", job.OrderID, "job_id", job.ID, "attempt", job.Attempt)

	o, err := p.store.FindByID(ctx, job.OrderID)
	if errors.Is(err, order.ErrNotFound) {
		log.Warnw("order_not_found")
		return queue.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	if o.Status.IsTerminal() {
		log.Infow("order_already_processed", "status", o.Status)
		return nil
	}

	err = p.execute(ctx, o)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, order.ErrTerminal):
		// finished elsewhere while this delivery ran
		log.Infow("order_terminalized_concurrently")
		return nil
	case errors.Is(err, order.ErrInvalidTransition):
		// another delivery owns the order; leave it to that one
		log.Infow("order_delivery_superseded", "err", err)
		return nil
	}

	var slip *router.SlippageError
	if errors.As(err, &slip) {
		log.Infow("order_slippage", "slippage", slip.Slippage.String())
		if _, err := p.transition(ctx, job.OrderID, order.StatusFailed, fmt.Sprintf(msgSlippage, slip.Error()), ""); err != nil && !errors.Is(err, order.ErrTerminal) {
			return fmt.Errorf("record slippage: %w", err)
		}
		return nil
	}

	log.Warnw("order_attempt_failed", "err", err, "final", job.Final())
	return p.markRetry(ctx, job, err)
}

func (p *Processor) execute(ctx context.Context, o *order.Order) error {
	native := p.opt.NativeToken

	if err := p.route(ctx, o.ID, strings.EqualFold(o.InputToken, native)); err != nil {
		return err
	}
	quote, err := p.router.GetQuote(ctx, o.InputToken, o.OutputToken, o.Amount)
	if err != nil {
		return fmt.Errorf("get quote: %w", err)
	}

	fee := quote.FeeRate.Mul(decimal.NewFromInt(100)).StringFixed(2)
	msg := fmt.Sprintf(msgQuote, quote.Provider, quote.Price.StringFixed(4), fee)
	if _, err := p.transition(ctx, o.ID, order.StatusBuilding, msg, ""); err != nil {
		return err
	}
	if err := util.Sleep(ctx, p.opt.Clock, p.opt.BuildDelay); err != nil {
		return fmt.Errorf("build transaction: %w", err)
	}

	if _, err := p.transition(ctx, o.ID, order.StatusSubmitted, msgSubmitted, ""); err != nil {
		return err
	}
	res, err := p.router.ExecuteSwap(ctx, quote)
	if err != nil {
		return err
	}

	if strings.EqualFold(o.OutputToken, native) {
		if err := p.note(ctx, o.ID, fmt.Sprintf(msgUnwrap, native, native)); err != nil {
			return err
		}
	}
	_, err = p.transition(ctx, o.ID, order.StatusConfirmed, fmt.Sprintf(msgConfirmed, res.Price.StringFixed(4)), res.TxHash)
	if err == nil {
		p.log.Infow("order_confirmed", "order_id", o.ID, "tx_hash", res.TxHash, "provider", quote.Provider)
	}
	return err
}

// route claims the order for this delivery by moving it to ROUTING. The wrap
// note and the transition land in one update so a delivery that loses the
// claim leaves no trace in the log.
func (p *Processor) route(ctx context.Context, id string, wrap bool) error {
	now := p.opt.Clock.Now()
	native := p.opt.NativeToken
	_, err := p.record(ctx, id, true, func(o *order.Order) (order.LogEntry, int, error) {
		if wrap && o.CanTransition(order.StatusRouting) {
			if _, _, err := o.Note(fmt.Sprintf(msgWrap, native, native), now); err != nil {
				return order.LogEntry{}, 0, err
			}
		}
		return o.Transition(order.StatusRouting, msgRouting, now)
	})
	return err
}

// Resume re-enqueues every order that is not terminal. Queued and backing-off
// jobs do not survive a restart, so it runs once before the queue starts.
// Orders stopped mid-pipeline are marked retry-pending first so the next
// delivery may route them again.
func (p *Processor) Resume(ctx context.Context, q Enqueuer) (int, error) {
	orders, err := p.store.List(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list orders: %w", err)
	}

	resumed := 0
	// oldest first
	for i := len(orders) - 1; i >= 0; i-- {
		o := orders[i]
		if o.Status.IsTerminal() {
			continue
		}
		if o.Status != order.StatusPending && !o.RetryPending {
			_, err := p.record(ctx, o.ID, true, func(o *order.Order) (order.LogEntry, int, error) {
				return o.MarkRetryPending(msgResumed, p.opt.Clock.Now())
			})
			if errors.Is(err, order.ErrTerminal) {
				continue
			}
			if err != nil {
				return resumed, fmt.Errorf("mark %s for retry: %w", o.ID, err)
			}
		}
		if _, err := q.Enqueue(o.ID); err != nil {
			return resumed, fmt.Errorf("enqueue %s: %w", o.ID, err)
		}
		resumed++
	}

	if resumed > 0 {
		p.log.Infow("orders_resumed", "count", resumed)
	}
	return resumed, nil
}

// OnJobFailed is the queue-boundary safety net. Once a job will not be
// delivered again its order is marked FAILED, unless already terminal. A
// failure that bypassed the handler's own retry bookkeeping (a panic) still
// leaves the order eligible for re-routing.
func (p *Processor) OnJobFailed(ctx context.Context, job queue.Job, cause error, exhausted bool) {
	ctx = context.WithoutCancel(ctx)
	log := p.log.With("order_id", job.OrderID, "job_id", job.ID, "attempt", job.Attempt)

	if !exhausted {
		_, err := p.record(ctx, job.OrderID, true, func(o *order.Order) (order.LogEntry, int, error) {
			if o.RetryPending {
				return order.LogEntry{}, 0, errUnchanged
			}
			return o.MarkRetryPending(fmt.Sprintf(msgRetrying, cause), p.opt.Clock.Now())
		})
		if err != nil && !errors.Is(err, errUnchanged) && !errors.Is(err, order.ErrTerminal) && !errors.Is(err, order.ErrNotFound) {
			log.Errorw("order_retry_mark_failed", "err", err)
		}
		return
	}

	unit := "attempts"
	if job.Attempt == 1 {
		unit = "attempt"
	}
	msg := fmt.Sprintf(msgExhausted, job.Attempt, unit, cause)
	_, err := p.transition(ctx, job.OrderID, order.StatusFailed, msg, "")
	switch {
	case err == nil:
		log.Warnw("order_failed", "err", cause)
	case errors.Is(err, order.ErrTerminal), errors.Is(err, order.ErrNotFound):
	default:
		log.Errorw("order_fail_mark_failed", "err", err)
	}
}

var errUnchanged = errors.New("order unchanged")

// markRetry records a transient failure and hands the cause back to the
// queue. The status stays where it was.
func (p *Processor) markRetry(ctx context.Context, job queue.Job, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := p.opt.Clock.Now()
	_, err := p.record(ctx, job.OrderID, true, func(o *order.Order) (order.LogEntry, int, error) {
		if job.Final() {
			return o.Note(fmt.Sprintf(msgTransient, cause), now)
		}
		return o.MarkRetryPending(fmt.Sprintf(msgRetrying, cause), now)
	})
	if err != nil && !errors.Is(err, order.ErrTerminal) {
		p.log.Errorw("order_retry_mark_failed", "order_id", job.OrderID, "err", err)
	}
	return cause
}

func (p *Processor) transition(ctx context.Context, id string, to order.Status, msg, txHash string) (*order.Order, error) {
	now := p.opt.Clock.Now()
	o, err := p.record(ctx, id, true, func(o *order.Order) (order.LogEntry, int, error) {
		entry, seq, err := o.Transition(to, msg, now)
		if err == nil && txHash != "" {
			o.TxHash = txHash
		}
		return entry, seq, err
	})
	if err == nil && to.IsTerminal() {
		p.opt.Metrics.OrderTerminal(string(to))
	}
	return o, err
}

// note appends an informational entry. It is not broadcast.
func (p *Processor) note(ctx context.Context, id, msg string) error {
	now := p.opt.Clock.Now()
	_, err := p.record(ctx, id, false, func(o *order.Order) (order.LogEntry, int, error) {
		return o.Note(msg, now)
	})
	return err
}

func (p *Processor) record(ctx context.Context, id string, announce bool, fn func(o *order.Order) (order.LogEntry, int, error)) (*order.Order, error) {
	var (
		entry order.LogEntry
		seq   int
	)
	o, err := p.store.Update(ctx, id, func(o *order.Order) error {
		var err error
		entry, seq, err = fn(o)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.log.Debugw("order_log_appended", "order_id", id, "status", entry.Status, "seq", seq, "message", entry.Message)
	if !announce {
		return o, nil
	}

	ev := broadcast.EventFromEntry(id, entry, seq)
	ev.TxHash = o.TxHash
	if err := p.pub.Publish(ctx, ev); err != nil {
		// the entry is durable; subscribers recover it from the next snapshot
		p.log.Warnw("order_publish_failed", "order_id", id, "seq", seq, "err", err)
	}
	return o, nil
}
