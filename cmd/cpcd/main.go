// Command cpcd runs the CPC system endpoint daemon: it opens the
// configured transport to a co-processor SECONDARY, drives endpoint 0
// through internal/sysep (periodic NOOP liveness probes, unsolicited
// notifications, and, with --reset, a forced system endpoint reset), and
// exposes /healthz and /metrics over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siliconlabs/cpcd/internal/audit"
	"github.com/siliconlabs/cpcd/internal/config"
	"github.com/siliconlabs/cpcd/internal/evloop"
	"github.com/siliconlabs/cpcd/internal/link"
	"github.com/siliconlabs/cpcd/internal/serverif"
	"github.com/siliconlabs/cpcd/internal/sysep"
	"github.com/siliconlabs/cpcd/internal/wire"
)

func main() {
	configPath := flag.String("config", "/etc/cpcd/config.yaml", "path to the cpcd YAML configuration file")
	reset := flag.Bool("reset", false, "connect, force a system endpoint reset, then exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cpcd: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("transport", cfg.Link.Transport),
		slog.String("log_level", cfg.LogLevel),
	)

	loop, err := evloop.New(logger)
	if err != nil {
		logger.Error("failed to create event loop", slog.Any("error", err))
		os.Exit(1)
	}
	defer loop.Close()

	lnk, err := buildLink(cfg, loop, logger)
	if err != nil {
		logger.Error("failed to build link transport", slog.Any("error", err))
		os.Exit(1)
	}

	var opts []sysep.Option

	reg := prometheus.NewRegistry()
	opts = append(opts, sysep.WithMetrics(sysep.NewMetrics(reg)))

	opts = append(opts, sysep.WithListenerRegistry(serverif.NewRegistry()))

	if cfg.TraceLogPath != "" {
		traceLog, err := audit.Open(cfg.TraceLogPath)
		if err != nil {
			logger.Error("failed to open trace log", slog.String("path", cfg.TraceLogPath), slog.Any("error", err))
			os.Exit(1)
		}
		defer traceLog.Close()
		opts = append(opts, sysep.WithTrace(traceLog))
	}

	engine, err := sysep.NewEngine(loop, lnk, logger, opts...)
	if err != nil {
		logger.Error("failed to construct system endpoint engine", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *reset {
		runReset(ctx, engine, lnk, loop, logger)
		return
	}

	go func() {
		if err := lnk.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("link transport exited", slog.Any("error", err))
		}
	}()

	go runLivenessProbes(ctx, engine, loop, cfg, logger)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux, ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()
	go func() {
		logger.Info("metrics server listening", slog.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	go func() {
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("event loop exited", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", slog.Any("error", err))
	}

	logger.Info("cpcd exited cleanly")
}

// buildLink constructs the link.Link implementation named by
// cfg.Link.Transport. loop is passed to the transport as its Dispatcher, so
// any callback the transport's own I/O goroutine receives (a final, a
// uframe, a poll-ack) is handed back to the loop goroutine rather than
// invoked inline (spec §5).
func buildLink(cfg *config.Config, loop *evloop.Loop, logger *slog.Logger) (link.Link, error) {
	switch cfg.Link.Transport {
	case "socket":
		return link.NewSocketLink(link.SocketConfig{
			Network:           "tcp",
			Address:           cfg.Link.Socket.Address,
			DialTimeout:       cfg.Link.Socket.DialTimeout,
			ReconnectDelay:    100 * time.Millisecond,
			ReconnectMaxDelay: cfg.Link.Socket.MaxBackoff,
		}, loop, logger), nil
	case "uart":
		return nil, fmt.Errorf("link transport %q has no Link implementation in this build", cfg.Link.Transport)
	default:
		return nil, fmt.Errorf("unknown link transport %q", cfg.Link.Transport)
	}
}

// runLivenessProbes issues a NOOP at a fixed cadence derived from the
// configured retry period, logging whenever one completes with any status
// other than OK (a timeout, or a final that arrived after a retry). It runs on
// its own goroutine, so the Engine call itself is handed to loop.Post:
// Engine is not safe for concurrent use, and the loop goroutine is the only
// place that is ever allowed to touch it (spec §5).
func runLivenessProbes(ctx context.Context, engine *sysep.Engine, loop *evloop.Loop, cfg *config.Config, logger *slog.Logger) {
	interval := cfg.Retry.Period() * time.Duration(cfg.Retry.NoopMax+1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			loop.Post(func() {
				engine.Noop(func(_ *sysep.CommandHandle, status wire.Status) {
					if status != wire.StatusOK {
						logger.Warn("liveness probe did not complete cleanly", slog.String("status", status.String()))
					}
				}, cfg.Retry.NoopMax, cfg.Retry.Period())
			})
		}
	}
}

// runReset connects just long enough to force a system endpoint reset,
// then exits. Useful for operators bouncing a wedged link without
// restarting the whole daemon.
func runReset(ctx context.Context, engine *sysep.Engine, lnk link.Link, loop *evloop.Loop, logger *slog.Logger) {
	linkCtx, cancelLink := context.WithTimeout(ctx, 5*time.Second)
	defer cancelLink()

	go func() {
		if err := lnk.Run(linkCtx); err != nil && linkCtx.Err() == nil {
			logger.Warn("link transport exited during reset", slog.Any("error", err))
		}
	}()
	go func() {
		if err := loop.Run(linkCtx); err != nil && linkCtx.Err() == nil {
			logger.Warn("event loop exited during reset", slog.Any("error", err))
		}
	}()

	time.Sleep(500 * time.Millisecond) // let the link transport connect
	loop.Post(engine.ResetSystemEndpoint)
	time.Sleep(200 * time.Millisecond) // let the reset frame flush
	logger.Info("system endpoint reset requested")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
