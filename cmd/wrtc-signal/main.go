package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/yazux/wrtc-signal/internal/cluster"
	"github.com/yazux/wrtc-signal/internal/config"
	"github.com/yazux/wrtc-signal/internal/httpserver"
	"github.com/yazux/wrtc-signal/internal/metrics"
	"github.com/yazux/wrtc-signal/internal/signaling"
	"github.com/yazux/wrtc-signal/internal/token"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting wrtc-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"clustered", cfg.NATSURL != "",
		"token_lifetime", cfg.TokenLifetime,
		"app_endpoint_enabled", cfg.AppPass != "",
	)
	if cfg.AppPass == "" {
		logger.Warn("APP_PASS is not set; POST /app will reject every request")
	}

	bus, natsBus, err := newBus(cfg, logger)
	if err != nil {
		logger.Error("failed to set up cluster bus", "err", err)
		os.Exit(2)
	}
	defer bus.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if natsBus != nil {
		srv.AddReadyCheck(natsBus.Healthy)
	}

	m := metrics.New()
	codec := token.NewCodec(token.StaticSecret(cfg.AppSecret))

	sig := signaling.NewServer(signaling.Config{
		Bus:     bus,
		Codec:   codec,
		Logger:  logger,
		Metrics: m,

		TokenLifetime:        cfg.TokenLifetime,
		ClusterQueryTimeout:  cfg.ClusterQueryTimeout,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	srv.Mux().HandleFunc("GET /signal", srv.WithOriginPolicy(sig.HandleSignal))

	httpserver.NewAPI(cfg, logger).RegisterRoutes(srv)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newBus picks the cluster backend: NATS when configured, else a standalone
// in-process bus. The second return is non-nil only in clustered mode.
func newBus(cfg config.Config, logger *slog.Logger) (cluster.Bus, *cluster.NATSBus, error) {
	if cfg.NATSURL == "" {
		return cluster.NewHub().Instance(), nil, nil
	}
	b, err := cluster.DialNATS(cfg.NATSURL, cluster.NATSConfig{
		GatherTimeout: cfg.ClusterQueryTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return b, b, nil
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
