package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/BearBump/LicenseFlow/config"
	"github.com/BearBump/LicenseFlow/internal/services/poller"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	loops    []*poller.Poller
	cfg      *config.Config
	gatherer prometheus.Gatherer
	ready    func(ctx context.Context) error
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
			return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
		}
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newWorkerRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newWorkerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.ready != nil {
			if err := opts.ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]poller.Stats, len(opts.loops))
		for _, p := range opts.loops {
			out[p.Name()] = p.Stats()
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "config not wired"})
			return
		}
		writeJSON(w, http.StatusOK, operationalSettings(opts.cfg))
	})

	// POST /trigger runs every loop now; ?loop=<name> picks one.
	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("loop")
		var triggered []string
		for _, p := range opts.loops {
			if name == "" || name == p.Name() {
				p.Trigger()
				triggered = append(triggered, p.Name())
			}
		}
		if len(triggered) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown loop %q", name)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"triggered": triggered})
	})

	if opts.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.gatherer, promhttp.HandlerOpts{}))
	}

	if opts.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, opts.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(opts.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}
	return r
}

// operationalSettings leaves out credentials.
func operationalSettings(cfg *config.Config) map[string]any {
	w := cfg.Worker
	return map[string]any{
		"broker":                       cfg.Broker.Driver,
		"courierMode":                  cfg.Courier.Mode,
		"sweepIntervalSeconds":         w.SweepIntervalSeconds,
		"sweepBatchSize":               w.SweepBatchSize,
		"relayIntervalSeconds":         w.RelayIntervalSeconds,
		"relayBatchSize":               w.RelayBatchSize,
		"relayLeaseSeconds":            w.RelayLeaseSeconds,
		"checkIntervalSeconds":         w.CheckIntervalSeconds,
		"checkBatchSize":               w.CheckBatchSize,
		"checkConcurrency":             w.CheckConcurrency,
		"checkLeaseSeconds":            w.CheckLeaseSeconds,
		"checkRateLimitPerMinute":      w.CheckRateLimitPerMinute,
		"checkCarrierRateLimits":       w.CheckCarrierRateLimits,
		"nextCheckInTransitMinSeconds": w.NextCheckInTransitMinSeconds,
		"nextCheckInTransitMaxSeconds": w.NextCheckInTransitMaxSeconds,
		"nextCheckUnknownSeconds":      w.NextCheckUnknownSeconds,
		"maxRetries":                   cfg.Printing.MaxRetries,
		"assignmentTimeoutSeconds":     cfg.Printing.AssignmentTimeoutSeconds,
		"centralHubLocationCode":       cfg.Printing.CentralHubLocationCode,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
