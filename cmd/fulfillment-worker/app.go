package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/BearBump/LicenseFlow/config"
	"github.com/BearBump/LicenseFlow/internal/broker/chanbus"
	"github.com/BearBump/LicenseFlow/internal/broker/kafka"
	"github.com/BearBump/LicenseFlow/internal/cache/rediscache"
	"github.com/BearBump/LicenseFlow/internal/integrations/courier"
	"github.com/BearBump/LicenseFlow/internal/integrations/courier/fake"
	"github.com/BearBump/LicenseFlow/internal/integrations/courier/trackhttp"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/metrics"
	"github.com/BearBump/LicenseFlow/internal/outbox"
	"github.com/BearBump/LicenseFlow/internal/services/dispatch"
	"github.com/BearBump/LicenseFlow/internal/services/lifecycle"
	"github.com/BearBump/LicenseFlow/internal/services/poller"
	"github.com/BearBump/LicenseFlow/internal/services/printqueue"
	"github.com/BearBump/LicenseFlow/internal/services/shipping"
	"github.com/BearBump/LicenseFlow/internal/storage"
	"github.com/BearBump/LicenseFlow/internal/storage/pgstore"
)

const (
	loopSweeper = "print_sweeper"
	loopRelay   = "outbox_relay"
	loopChecker = "delivery_checker"
)

// workerStore is everything the worker loops need from storage.
type workerStore interface {
	storage.Store
	storage.OutboxRelayStore
	storage.ShipmentCheckStore
}

type workerFactories struct {
	newStore         func(cfg *config.Config) (st workerStore, closeFn func(), err error)
	newPublisher     func(cfg *config.Config) (outbox.Publisher, func() error)
	newRateLimiter   func(cfg *config.Config) (shipping.RateLimiter, func() error)
	newCourierClient func(cfg *config.Config) courier.Client
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStore: func(cfg *config.Config) (workerStore, func(), error) {
			st, err := pgstore.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newPublisher: func(cfg *config.Config) (outbox.Publisher, func() error) {
			p := kafka.NewProducer(cfg.Kafka.Brokers())
			return p, p.Close
		},
		newRateLimiter: func(cfg *config.Config) (shipping.RateLimiter, func() error) {
			if !cfg.Redis.Enabled() {
				return nil, nil
			}
			rl := rediscache.NewCarrierLimiter(cfg.Redis.Addr())
			return rl, rl.Close
		},
		newCourierClient: func(cfg *config.Config) courier.Client {
			if cfg.Courier.Mode == "trackhttp" && cfg.Courier.BaseURL != "" {
				return trackhttp.New(cfg.Courier.BaseURL, cfg.Courier.APIKey, cfg.Courier.Domain,
					time.Duration(cfg.Courier.TimeoutSeconds)*time.Second)
			}
			return fake.New()
		},
	}
}

type workerRunOpts struct {
	swaggerPath string
	log         *logger.Logger
	registry    *prometheus.Registry
	onListen    func(httpAddr string)
}

// RunFulfillmentWorker runs the print sweeper, the outbox relay and the
// delivery checker with the ops HTTP server. With the memory broker the
// relayed events are dispatched in process.
func RunFulfillmentWorker(ctx context.Context, cfg *config.Config, f workerFactories, opts workerRunOpts) (err error) {
	log := opts.log
	if log == nil {
		log = logger.Nop()
	}
	reg := opts.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	st, closeStore, err := f.newStore(cfg)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	var closers []func() error
	if closeStore != nil {
		closers = append(closers, func() error { closeStore(); return nil })
	}
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
	}()

	events := outbox.NewEmitter(cfg.Kafka.Topic, log)
	ship := shipping.New(st, events, log)
	lc := lifecycle.New(st, events, ship, lifecycle.Config{
		RequireCaptureHardware: cfg.Lifecycle.RequireCaptureHardware,
		LicenseNumberPrefix:    cfg.Lifecycle.LicenseNumberPrefix,
		ComplianceVersion:      cfg.Lifecycle.ComplianceVersion,
		WorkflowTTL:            cfg.Redis.WorkflowTTL(),
	}, log)
	queue := printqueue.New(st, events, printqueue.Config{
		HubLocationCode:   cfg.Printing.CentralHubLocationCode,
		MaxRetries:        cfg.Printing.MaxRetries,
		AssignmentTimeout: cfg.Printing.AssignmentTimeout(),
		DefaultPriority:   cfg.Printing.DefaultPriority,
	}, log)

	g, gctx := errgroup.WithContext(ctx)

	var pub outbox.Publisher
	if cfg.Broker.Driver == config.BrokerMemory {
		bus := chanbus.New()
		closers = append(closers, bus.Close)
		pub = bus

		d := dispatch.New(lc, queue, ship, dispatch.Config{AutoEnqueue: cfg.Printing.AutoEnqueue}, log)
		if cfg.Redis.Enabled() {
			rc := rediscache.New(cfg.Redis.Addr())
			closers = append(closers, rc.Close)
			lc.WithCache(rc)
			guard, err := rediscache.NewGuard(rc, cfg.Redis.ProcessedEventTTL())
			if err != nil {
				return err
			}
			d.WithGuard(guard)
		}
		g.Go(func() error {
			return consumeBus(gctx, bus, d.Handle, log)
		})
	} else {
		p, closePub := f.newPublisher(cfg)
		if closePub != nil {
			closers = append(closers, closePub)
		}
		pub = p
	}

	rl, closeRL := f.newRateLimiter(cfg)
	if closeRL != nil {
		closers = append(closers, closeRL)
	}

	w := cfg.Worker
	lm := metrics.NewLoopMetrics(reg)
	planner := poller.NewPlanner(poller.PlannerConfig{
		InTransitMin: seconds(w.NextCheckInTransitMinSeconds),
		InTransitMax: seconds(w.NextCheckInTransitMaxSeconds),
		Unknown:      seconds(w.NextCheckUnknownSeconds),
		Backoff: []time.Duration{
			seconds(w.Backoff1Seconds),
			seconds(w.Backoff2Seconds),
			seconds(w.Backoff3Seconds),
			seconds(w.Backoff4Seconds),
		},
	}, nil)

	sweeper := printqueue.NewSweeper(queue, w.SweepBatchSize)
	relay := outbox.NewRelay(st, pub, outbox.RelayConfig{
		BatchSize: w.RelayBatchSize,
		Lease:     seconds(w.RelayLeaseSeconds),
	}, log)
	checker := shipping.NewDeliveryChecker(st, ship, f.newCourierClient(cfg), planner, rl, shipping.CheckerConfig{
		BatchSize:          w.CheckBatchSize,
		Concurrency:        w.CheckConcurrency,
		Lease:              seconds(w.CheckLeaseSeconds),
		RateLimitPerMinute: int64(w.CheckRateLimitPerMinute),
		CarrierLimits:      w.CheckCarrierRateLimits,
	}, log)

	loops := []*poller.Poller{
		poller.New(loopSweeper, sweeper.RunOnce).WithInterval(seconds(w.SweepIntervalSeconds)),
		poller.New(loopRelay, relay.RunOnce).WithInterval(seconds(w.RelayIntervalSeconds)),
		poller.New(loopChecker, checker.RunOnce).WithInterval(seconds(w.CheckIntervalSeconds)),
	}
	for _, p := range loops {
		p := p.WithLogger(log).WithMetrics(lm)
		g.Go(func() error {
			log.Info(log.WithFields(gctx, map[string]any{"loop": p.Name(), "interval": p.Interval().String()}), "loop started")
			return ignoreCanceled(p.Run(gctx))
		})
	}

	g.Go(func() error {
		return runWorkerHTTPServer(gctx, workerHTTPOpts{
			httpAddr:    w.HTTPAddr,
			swaggerPath: opts.swaggerPath,
			onListen:    opts.onListen,
			loops:       loops,
			cfg:         cfg,
			gatherer:    reg,
			ready:       readiness(st),
		})
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// consumeBus feeds in-process events to the dispatcher and restarts after a
// handler failure.
func consumeBus(ctx context.Context, bus *chanbus.Bus, h chanbus.Handler, log *logger.Logger) error {
	for {
		err := bus.Consume(ctx, h)
		if ctx.Err() != nil || errors.Is(err, chanbus.ErrClosed) {
			return nil
		}
		log.Error(ctx, "in-process dispatch failed, retrying", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func readiness(st workerStore) func(ctx context.Context) error {
	if p, ok := st.(interface{ Ping(ctx context.Context) error }); ok {
		return p.Ping
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
