package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/burrowhq/burrow/internal/config"
	"github.com/burrowhq/burrow/internal/journal"
	"github.com/burrowhq/burrow/internal/ratelimit"
	"github.com/burrowhq/burrow/internal/relay"
	"github.com/burrowhq/burrow/internal/resolve"
	"github.com/burrowhq/burrow/internal/routing"
	"github.com/burrowhq/burrow/internal/server"
	"github.com/burrowhq/burrow/internal/stats"
	"github.com/burrowhq/burrow/internal/telemetry"
	"github.com/burrowhq/burrow/internal/worker"
)

func run() error {
	cfg, err := config.LoadEnv()
	if err != nil {
		return err
	}

	statsReg := stats.NewRegistry()
	slog.Info("starting burrowd",
		"version", version,
		"run_id", statsReg.RunID(),
		"http", net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort)),
		"ctrl", net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.CtrlPort)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Optional tracing.
	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint, 1.0)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(sctx)
		}()
	}

	// Metrics.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(promReg)

	// Alias resolution. The DNS cache is shared with nothing else here but
	// keeps control-plane lookups off the hot path.
	dnsResolver := &dnscache.Resolver{}
	cp := resolve.NewControlPlane(cfg.ControlPlaneURL, cfg.InternalSecret, dnsResolver)
	resolver, err := resolve.New(resolve.Options{
		ControlPlane: cp,
		PositiveTTL:  cfg.AliasCacheTTL,
		NegativeTTL:  cfg.AliasCacheNeg,
		CacheSize:    cfg.AliasCacheSize,
		Reserved:     cfg.ReservedAliases,
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}

	// Control channel.
	table := routing.NewTable[*relay.Registration]()
	ctrl := relay.NewServer(relay.Config{
		MaxFrameBytes:    cfg.MaxFrameSize,
		WriteQueue:       cfg.WriteQueue,
		WriteTimeout:     cfg.WriteTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		DrainWindow:      cfg.DrainWindow,
	}, table, metrics)

	ctrlLn, err := net.Listen("tcp", net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.CtrlPort)))
	if err != nil {
		return err
	}

	// Optional traffic journal.
	var (
		trafficJournal server.TrafficJournal
		workers        []worker.Worker
		readyCheck     server.ReadyChecker
	)
	if cfg.JournalDSN != "" {
		store, err := journal.Open(cfg.JournalDSN)
		if err != nil {
			return err
		}
		defer store.Close()
		recorder := journal.NewRecorder(store, metrics)
		trafficJournal = recorder
		workers = append(workers, recorder)
		readyCheck = store.Ping
	}

	limiter := ratelimit.NewRegistry(cfg.RateLimitPerMin)
	workers = append(workers, worker.NewLimiterGC(limiter, 5*time.Minute, 30*time.Minute))

	handler := server.New(server.Deps{
		Resolver:       resolver,
		Table:          table,
		Stats:          statsReg,
		RateLimiter:    limiter,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Journal:        trafficJournal,
		ReadyCheck:     readyCheck,
		InternalSecret: cfg.InternalSecret,
		RequestTimeout: cfg.RequestTimeout,
		MaxRequestSize: cfg.MaxRequestSize,
	})

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort)),
		Handler:      handler,
		ReadTimeout:  cfg.RequestTimeout + 30*time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := ctrl.Serve(ctx, ctrlLn); err != nil {
			errCh <- err
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.NewRunner(workers...).Run(ctx); err != nil {
			slog.Error("worker runner failed", "error", err)
		}
	}()

	slog.Info("burrowd ready")

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return err
	}

	// Ingress first so no new requests park, then the control channels so
	// parked callers fail fast, then the workers drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ingress shutdown", "error", err)
	}
	ctrl.Shutdown()
	<-workerDone

	slog.Info("burrowd stopped")
	return nil
}
