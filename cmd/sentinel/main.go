// Command sentinel is the agent process: it wires the Runtime Adapter,
// Container Registry, Event Bus, Monitor Loop, Update Engine and Control
// Surface together, then blocks until signalled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hanaponodata/sentinel-core/internal/audit"
	"github.com/hanaponodata/sentinel-core/internal/clock"
	"github.com/hanaponodata/sentinel-core/internal/config"
	"github.com/hanaponodata/sentinel-core/internal/control"
	"github.com/hanaponodata/sentinel-core/internal/events"
	"github.com/hanaponodata/sentinel-core/internal/logging"
	"github.com/hanaponodata/sentinel-core/internal/monitor"
	"github.com/hanaponodata/sentinel-core/internal/registry"
	"github.com/hanaponodata/sentinel-core/internal/runtime"
	"github.com/hanaponodata/sentinel-core/internal/update"
)

// version and commit are set at build time via ldflags.
var version = "dev"
var commit = "unknown"

// Exit codes returned by run().
const (
	exitOK           = 0
	exitConfigError  = 1
	exitInitFailure  = 2
	exitPanic        = 3
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "panic: %v\n", r)
			code = exitPanic
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfigError
	}

	log := logging.New(cfg.LogJSON, logging.ParseLevel(cfg.LogLevel))
	log.Info("sentinel-core starting", "version", version, "commit", commit)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	rt, err := runtime.NewDockerClient(cfg.RuntimeEndpoint)
	if err != nil {
		log.Error("failed to create runtime adapter", "error", err)
		return exitInitFailure
	}
	defer rt.Close()

	clk := clock.Real{}
	bus := events.New(cfg.EventBufferSize(), nil)
	reg := registry.New()

	// The first event of the agent's lifetime always announces the start.
	bus.Emit(events.KindAgentStarted, "", map[string]any{"version": version, "commit": commit})

	mon := monitor.New(rt, reg, bus, cfg, log, clk)
	eng := update.New(rt, reg, bus, cfg, log, clk)

	var wg sync.WaitGroup
	runTask := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error(name+" exited with error", "error", err)
			}
		}()
	}
	runTask("monitor loop", mon.Run)
	runTask("update engine", eng.Run)

	for _, f := range buildAuditForwarders(cfg, bus, log) {
		wg.Add(1)
		go func(f *audit.Forwarder) {
			defer wg.Done()
			f.Run(ctx)
		}(f)
	}

	srv := control.NewServer(control.Dependencies{
		Registry:  reg,
		Bus:       bus,
		Engine:    eng,
		Runtime:   rt,
		Config:    cfg,
		Monitor:   mon,
		Log:       log,
		StartedAt: clk.Now(),
	})

	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("metrics server error", "error", err)
		}
	}()

	serveErrCh := make(chan error, 1)
	go func() {
		// devPrincipalMiddleware is a stub standing in for the boundary's
		// authentication layer; the core itself never implements auth. It
		// is intentionally degenerate, present only so a local/dev run has
		// some principal to exercise mutating routes with.
		serveErrCh <- srv.Serve(":"+cfg.Port, devPrincipalMiddleware)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("control surface error", "error", err)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), config.DefaultShutdownDrain)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	_ = metricsSrv.Shutdown(shutCtx)

	cancel()
	wg.Wait()

	bus.Emit(events.KindAgentStopped, "", nil)
	log.Info("sentinel-core shutdown complete")
	return exitOK
}

// buildAuditForwarders wires the optional audit Event Bus subscribers
// from configuration; both are inert when their target isn't configured.
func buildAuditForwarders(cfg *config.Config, bus *events.Bus, log *logging.Logger) []*audit.Forwarder {
	var forwarders []*audit.Forwarder

	if cfg.AuditMQTTBroker != "" {
		sink, err := audit.NewMQTTSink(cfg.AuditMQTTBroker, cfg.AuditMQTTTopic, "", "", "", 0)
		if err != nil {
			log.Warn("audit mqtt sink disabled: connect failed", "error", err)
		} else {
			log.Info("audit mqtt sink enabled", "broker", cfg.AuditMQTTBroker, "topic", cfg.AuditMQTTTopic)
			forwarders = append(forwarders, audit.NewForwarder(bus, sink, log))
		}
	}

	if cfg.AuditWebhookURL != "" {
		sink := audit.NewWebhookSink(cfg.AuditWebhookURL, nil)
		log.Info("audit webhook sink enabled", "url", cfg.AuditWebhookURL)
		forwarders = append(forwarders, audit.NewForwarder(bus, sink, log))
	}

	return forwarders
}

// devPrincipalMiddleware attaches a fixed Principal to every request when
// SENTINEL_DEV_PRINCIPAL is set, so mutating routes are reachable during
// local development without standing up the real boundary. It is not a
// substitute for the boundary's authentication.
func devPrincipalMiddleware(next http.Handler) http.Handler {
	id := os.Getenv("SENTINEL_DEV_PRINCIPAL")
	if id == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := control.WithPrincipal(r.Context(), control.Principal{ID: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
