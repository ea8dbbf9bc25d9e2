package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swapflow/executor/params"
	"github.com/swapflow/executor/pkg/api"
	"github.com/swapflow/executor/pkg/broadcast"
	"github.com/swapflow/executor/pkg/metrics"
	"github.com/swapflow/executor/pkg/order"
	"github.com/swapflow/executor/pkg/p2p"
	"github.com/swapflow/executor/pkg/processor"
	"github.com/swapflow/executor/pkg/queue"
	"github.com/swapflow/executor/pkg/router"
	"github.com/swapflow/executor/pkg/storage"
	"github.com/swapflow/executor/pkg/subscription"
	"github.com/swapflow/executor/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", cfg.Log.Level, "log_file", cfg.Log.File)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("executor_failed", "err", err)
	}
	sugar.Info("shutdown complete")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---- Storage ----
	store, archive, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore.Close()
	sugar.Infow("store_ready", "driver", cfg.Store.Driver)

	// ---- Events ----
	hub := broadcast.NewHub(broadcast.DefaultBufferSize, sugar.With("component", "broadcast"), m)
	defer hub.Close()

	var events broadcast.Broadcaster = hub
	if cfg.Broadcast.Mode == "p2p" {
		gossip, err := p2p.New(ctx, p2p.Config{
			ListenAddr: cfg.Broadcast.Listen,
			Bootstrap:  cfg.Broadcast.Bootstrap,
			Logger:     sugar.With("component", "p2p"),
		}, hub)
		if err != nil {
			return fmt.Errorf("libp2p: %w", err)
		}
		defer gossip.Close()
		sugar.Infow("p2p_addrs", "addrs", gossip.Addrs())
		events = gossip
	}

	// ---- Pipeline ----
	proc := processor.New(store, router.New(), events, processor.Options{
		NativeToken: cfg.Execution.NativeToken,
		BuildDelay:  cfg.Execution.BuildDelay,
		Logger:      sugar.With("component", "processor"),
		Metrics:     m,
	})

	qopt := queue.DefaultOptions()
	qopt.Concurrency = cfg.Queue.Concurrency
	qopt.RateMax = cfg.Queue.RateMax
	qopt.RateWindow = cfg.Queue.RateWindow
	qopt.Attempts = cfg.Queue.Attempts
	qopt.Backoff = cfg.Queue.Backoff
	qopt.Capacity = cfg.Queue.Capacity
	qopt.Logger = sugar.With("component", "queue")
	qopt.Metrics = m
	qopt.Archive = archive
	jobs := queue.New("order-execution", proc.Handle, qopt)
	proc.Attach(jobs)

	// jobs queued or backing off at the last shutdown were not persisted
	if _, err := proc.Resume(ctx, jobs); err != nil {
		return fmt.Errorf("resume orders: %w", err)
	}

	subs := subscription.New(store, events, sugar.With("component", "subscription"), m)
	defer subs.Close()

	srv := api.NewServer(api.Config{
		Store:         store,
		Events:        events,
		Jobs:          jobs,
		Subscriptions: subs,
		Archive:       archive,
		Gatherer:      reg,
		Origins:       cfg.API.Origins,
		Logger:        sugar,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return jobs.Run(gctx) })
	g.Go(func() error { return srv.Start(gctx, cfg.API.Addr) })
	return g.Wait()
}

// durableStore is implemented by stores that also keep exhausted jobs.
type durableStore interface {
	order.Store
	queue.Archive
	api.FailedArchive
	io.Closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func openStore(cfg params.Store) (order.Store, durableStore, io.Closer, error) {
	var (
		s   durableStore
		err error
	)
	switch cfg.Driver {
	case "memory", "":
		return storage.NewMemoryStore(), nil, nopCloser{}, nil
	case "pebble":
		s, err = storage.NewPebbleStore(cfg.PebblePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, nil, fmt.Errorf("POSTGRES_DSN is required for the postgres store")
		}
		s, err = storage.OpenPostgres(cfg.PostgresDSN)
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	return s, s, s, nil
}
