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
	"time"

	"github.com/varta-chat/varta-server/internal/audit"
	"github.com/varta-chat/varta-server/internal/config"
	"github.com/varta-chat/varta-server/internal/geoip"
	"github.com/varta-chat/varta-server/internal/httpserver"
	"github.com/varta-chat/varta-server/internal/matchmaking"
	"github.com/varta-chat/varta-server/internal/metrics"
	"github.com/varta-chat/varta-server/internal/origin"
	"github.com/varta-chat/varta-server/internal/ratelimit"
	"github.com/varta-chat/varta-server/internal/signaling"
	"github.com/varta-chat/varta-server/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// Burst allowance for the per-IP connection limiter; page reloads open a
// couple of sockets back to back.
const admissionBurst = 5

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

	var turnREST *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turnREST, err = turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            time.Duration(cfg.TURNREST.TTLSeconds) * time.Second,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
	}

	logger.Info("starting varta-server",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"allowed_origins", cfg.AllowedOrigins,
		"requeue_grace_delay", cfg.RequeueGraceDelay,
		"max_connections_per_ip_per_minute", cfg.MaxConnectionsPerIPPerMinute,
		"audit_backend", audit.Backend(cfg.Audit.DSN),
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", turnREST != nil,
	)

	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	recorder, err := openAuditRecorder(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to configure audit store", "err", err)
		os.Exit(2)
	}
	defer recorder.Close()

	geo := geoip.NewResolver(geoip.Config{
		FreeURL:       cfg.GeoIP.FreeURL,
		PaidURL:       cfg.GeoIP.PaidURL,
		Token:         cfg.GeoIP.Token,
		Timeout:       cfg.GeoIP.Timeout,
		FreePerMinute: cfg.GeoIP.FreePerMinute,
		CacheSize:     cfg.GeoIP.CacheSize,
		CacheTTL:      cfg.GeoIP.CacheTTL,
		Logger:        logger.With("component", "geoip"),
		Metrics:       m,
	})

	hub := matchmaking.NewHub(matchmaking.HubConfig{
		GraceDelay:   cfg.RequeueGraceDelay,
		Geo:          geo,
		Audit:        recorder,
		AuditTimeout: cfg.Audit.Timeout,
		Logger:       logger.With("component", "matchmaking"),
		Metrics:      m,
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	admissions := ratelimit.NewKeyedLimiter(ratelimit.RealClock{}, cfg.MaxConnectionsPerIPPerMinute, admissionBurst)
	go admissions.Run(ctx, time.Minute)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, httpserver.Options{
		Clients:  hub,
		Metrics:  m,
		TURNREST: turnREST,
	})
	sig := signaling.NewServer(signaling.Config{
		Hub:               hub,
		Origins:           origin.NewPolicy(cfg.AllowedOrigins),
		Admissions:        admissions,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueLength:   cfg.SendQueueLength,
		TrustProxyHeaders: cfg.TrustProxyHeaders,
		Logger:            logger.With("component", "signaling"),
		Metrics:           m,
	})
	sig.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		sig.Close()
		stopHub()
		<-hubDone
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
	sig.Close()
	stopHub()
	<-hubDone

	if err := hub.WaitAudits(shutdownCtx); err != nil {
		logger.Warn("pending audit writes abandoned", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// openAuditRecorder returns an error only for a DSN that can never work. An
// unreachable store degrades to a no-op recorder.
func openAuditRecorder(ctx context.Context, cfg config.Config, logger *slog.Logger) (audit.Recorder, error) {
	openCtx, cancel := context.WithTimeout(ctx, cfg.Audit.Timeout)
	defer cancel()

	rec, err := audit.Open(openCtx, cfg.Audit.DSN, logger.With("component", "audit"))
	switch {
	case err == nil:
		return rec, nil
	case errors.Is(err, audit.ErrUnsupportedDSN):
		return nil, err
	default:
		logger.Warn("audit store unavailable; connection audit disabled",
			"warning_code", "audit_store_unavailable",
			"audit_backend", audit.Backend(cfg.Audit.DSN),
			"err", err,
		)
		return audit.NopRecorder{}, nil
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
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
