// Command varta-server-go runs the matchmaking hub and signaling socket on an
// ephemeral port for browser end-to-end tests. It prints "READY <port>" once
// listening.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/varta-chat/varta-server/internal/config"
	"github.com/varta-chat/varta-server/internal/geoip"
	"github.com/varta-chat/varta-server/internal/httpserver"
	"github.com/varta-chat/varta-server/internal/matchmaking"
	"github.com/varta-chat/varta-server/internal/origin"
	"github.com/varta-chat/varta-server/internal/signaling"
)

// staticCountry answers every lookup with one country so tests can assert on
// lobby and send-offer payloads without network access.
type staticCountry string

func (c staticCountry) Lookup(context.Context, string) (geoip.Result, error) {
	return geoip.Result{Country: string(c), Provider: "static"}, nil
}

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	grace := time.Duration(envIntOrDefault("REQUEUE_GRACE_MS", 200)) * time.Millisecond

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("E2E_VERBOSE") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := matchmaking.NewHub(matchmaking.HubConfig{
		GraceDelay: grace,
		Geo:        staticCountry(envOrDefault("E2E_COUNTRY", "IN")),
		Logger:     logger,
	})
	go hub.Run(ctx)

	// Any origin: the browser harness serves pages from its own port.
	cfg := config.Config{ListenAddr: ln.Addr().String(), AllowedOrigins: []string{origin.Wildcard}}
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: "e2e"}, httpserver.Options{Clients: hub})
	sig := signaling.NewServer(signaling.Config{
		Hub:               hub,
		Origins:           origin.NewPolicy(cfg.AllowedOrigins),
		IdleTimeout:       time.Minute,
		PingInterval:      20 * time.Second,
		MaxMessageBytes:   64 * 1024,
		MessagesPerSecond: 100,
		Logger:            logger,
	})
	sig.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		_ = srv.Shutdown(context.Background())
		sig.Close()
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}
