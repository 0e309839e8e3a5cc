package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/BearBump/LicenseFlow/config"
	"github.com/BearBump/LicenseFlow/internal/broker/kafka"
	"github.com/BearBump/LicenseFlow/internal/cache/rediscache"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/outbox"
	"github.com/BearBump/LicenseFlow/internal/services/dispatch"
	"github.com/BearBump/LicenseFlow/internal/services/lifecycle"
	"github.com/BearBump/LicenseFlow/internal/services/printqueue"
	"github.com/BearBump/LicenseFlow/internal/services/shipping"
	"github.com/BearBump/LicenseFlow/internal/storage/pgstore"
)

type apiApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger
	opts   apiOpts
	svc    apiServices

	consumer *kafka.Consumer
	closers  []func() error
}

func mustBootstrapAPI() *apiApp {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(logger.Options{
		ServiceName: "fulfillment-api",
		Level:       logger.ParseLevel(cfg.Log.Level),
		Format:      cfg.Log.Format,
	})

	st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)
	app := &apiApp{log: log}
	app.closers = append(app.closers, func() error { st.Close(); return nil })

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
	d := dispatch.New(lc, queue, ship, dispatch.Config{AutoEnqueue: cfg.Printing.AutoEnqueue}, log)

	if cfg.Redis.Enabled() {
		rc := rediscache.New(cfg.Redis.Addr())
		app.closers = append(app.closers, rc.Close)
		lc.WithCache(rc)
		guard, err := rediscache.NewGuard(rc, cfg.Redis.ProcessedEventTTL())
		if err != nil {
			panic(err)
		}
		d.WithGuard(guard)
	}

	if cfg.Broker.Driver == config.BrokerKafka {
		app.consumer = kafka.NewConsumer(cfg.Kafka.Brokers(), cfg.Kafka.Topic, cfg.Kafka.ConsumerGroup)
		app.closers = append(app.closers, app.consumer.Close)
	} else {
		log.Warn(context.Background(), "memory broker selected: events are dispatched by fulfillment-worker")
	}

	app.ctx, app.cancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app.opts = apiOpts{
		grpcAddr:       cfg.API.GRPCAddr,
		httpAddr:       cfg.API.HTTPAddr,
		grpcDialAddr:   cfg.API.GRPCAddr,
		swaggerPath:    os.Getenv("swaggerPath"),
		topic:          cfg.Kafka.Topic,
		consumerGroup:  cfg.Kafka.ConsumerGroup,
		restartBackoff: 5 * time.Second,
	}
	app.svc = apiServices{
		lifecycle:  lc,
		queue:      queue,
		shipping:   ship,
		dispatcher: d,
		log:        log,
	}
	return app
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pgstore.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgstore.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *apiApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	if err != nil {
		a.log.Error(context.Background(), "close resources", err)
	}
}

func (a *apiApp) Run() error {
	var consumer eventConsumer
	if a.consumer != nil {
		consumer = a.consumer
	}
	return runFulfillmentAPI(a.ctx, a.opts, a.svc, consumer)
}
