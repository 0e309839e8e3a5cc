package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/BearBump/LicenseFlow/internal/broker/kafka"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/services/dispatch"
	"github.com/BearBump/LicenseFlow/internal/services/lifecycle"
	"github.com/BearBump/LicenseFlow/internal/services/printqueue"
	"github.com/BearBump/LicenseFlow/internal/services/shipping"
)

type apiOpts struct {
	grpcAddr     string
	httpAddr     string
	grpcDialAddr string
	// swaggerPath is optional; /docs is served only when it is set.
	swaggerPath string

	topic          string
	consumerGroup  string
	restartBackoff time.Duration

	onListen func(grpcAddr, httpAddr string)
}

type apiServices struct {
	lifecycle  *lifecycle.Manager
	queue      *printqueue.Manager
	shipping   *shipping.Tracker
	dispatcher *dispatch.Dispatcher
	log        *logger.Logger
}

type eventConsumer interface {
	Consume(ctx context.Context, handler kafka.Handler) error
}

// runFulfillmentAPI serves gRPC health and the HTTP gateway and feeds broker
// events to the dispatcher until ctx ends or a server fails.
func runFulfillmentAPI(ctx context.Context, opts apiOpts, svc apiServices, consumer eventConsumer) error {
	if svc.log == nil {
		svc.log = logger.Nop()
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
		}
	}

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}
	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	dialAddr := opts.grpcDialAddr
	if dialAddr == "" || strings.HasSuffix(dialAddr, ":0") {
		dialAddr = grpcLis.Addr().String()
	}

	hs := health.NewServer()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runGRPCServer(gctx, grpcLis, hs, svc.log)
	})
	g.Go(func() error {
		return runGatewayServer(gctx, httpLis, dialAddr, opts.swaggerPath, svc)
	})
	if consumer != nil {
		g.Go(func() error {
			svc.log.Info(svc.log.WithFields(gctx, map[string]any{
				"topic": opts.topic,
				"group": opts.consumerGroup,
			}), "event consumer started")
			return consumeLoop(gctx, consumer, svc.dispatcher.Handle, opts.restartBackoff, svc.log)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// consumeLoop restarts the consumer after a message keeps failing. The
// failed message is uncommitted, so the restart picks it up again.
func consumeLoop(ctx context.Context, consumer eventConsumer, handler kafka.Handler, backoff time.Duration, log *logger.Logger) error {
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for {
		err := consumer.Consume(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		log.Error(ctx, "event consumer stopped, restarting", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func runGRPCServer(ctx context.Context, lis net.Listener, hs *health.Server, log *logger.Logger) error {
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	log.Info(log.WithField(ctx, "addr", lis.Addr().String()), "gRPC server listening")
	return s.Serve(lis)
}

func runGatewayServer(ctx context.Context, lis net.Listener, grpcAddr, swaggerPath string, svc apiServices) error {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		_ = lis.Close()
		return errors.Wrap(err, "dial grpc")
	}
	defer func() { _ = conn.Close() }()

	mux, err := newGatewayMux(svc, healthpb.NewHealthClient(conn))
	if err != nil {
		_ = lis.Close()
		return err
	}

	r := chi.NewRouter()
	if swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, swaggerPath)
		})
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/swagger.json")))
	}
	r.Mount("/", mux)

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	svc.log.Info(svc.log.WithField(ctx, "addr", lis.Addr().String()), "HTTP gateway listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
