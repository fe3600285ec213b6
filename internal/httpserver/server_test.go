package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/varta-chat/varta-server/internal/config"
	"github.com/varta-chat/varta-server/internal/metrics"
	"github.com/varta-chat/varta-server/internal/turnrest"
)

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

func startTestServer(t *testing.T, cfg config.Config) (baseURL string) {
	t.Helper()
	return startTestServerWithOptions(t, cfg, Options{})
}

func startTestServerWithOptions(t *testing.T, cfg config.Config, opts Options) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, opts)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func TestHealthzReadyzVersion(t *testing.T) {
	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}

	baseURL := startTestServer(t, cfg)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})
}

func TestICEEndpointSchema(t *testing.T) {
	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478?transport=udp"}, Username: "user", Credential: "pass"},
		},
	}

	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var payload struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("expected 2 iceServers, got %d", len(payload.ICEServers))
	}
	if _, ok := payload.ICEServers[0]["urls"]; !ok {
		t.Fatalf("expected urls field on first server: %#v", payload.ICEServers[0])
	}
}

func TestICEEndpoint_RejectsCrossOrigin(t *testing.T) {
	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
		ICEServers:      []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	}

	baseURL := startTestServer(t, cfg)

	req, err := http.NewRequest(http.MethodGet, baseURL+"/webrtc/ice", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestReadyzFailsOnInvalidICEConfig(t *testing.T) {
	t.Setenv("VARTA_ICE_SERVERS_JSON", "[")

	cfg, err := config.Load([]string{"--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("config.Load returned fatal error: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error to be captured for readiness")
	}

	baseURL := startTestServer(t, cfg)

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestUserCount(t *testing.T) {
	cfg := config.Config{ListenAddr: "127.0.0.1:0", Mode: config.ModeDev}
	baseURL := startTestServerWithOptions(t, cfg, Options{Clients: fixedCount(3)})

	resp, err := http.Get(baseURL + "/user-count")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["userCount"] != float64(3) {
		t.Fatalf("body=%v, want userCount=3", body)
	}
}

func TestUserCount_CORSForAllowedOrigin(t *testing.T) {
	cfg := config.Config{
		ListenAddr:     "127.0.0.1:0",
		Mode:           config.ModeDev,
		AllowedOrigins: []string{"https://varta.example"},
	}
	baseURL := startTestServerWithOptions(t, cfg, Options{Clients: fixedCount(0)})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/user-count", nil)
	req.Header.Set("Origin", "https://varta.example:443")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://varta.example" {
		t.Fatalf("Access-Control-Allow-Origin=%q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}

	req.Header.Set("Origin", "https://other.example")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", resp2.StatusCode)
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	baseURL := startTestServer(t, config.Config{ListenAddr: "127.0.0.1:0"})

	req, _ := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-123" {
		t.Fatalf("X-Request-ID=%q, want req-123", got)
	}
}

func TestStatusPage(t *testing.T) {
	baseURL := startTestServerWithOptions(t, config.Config{ListenAddr: "127.0.0.1:0"}, Options{Clients: fixedCount(7)})

	resp, err := http.Get(baseURL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type=%q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `<span id="user-count">7</span>`) {
		t.Fatalf("status page missing user count: %s", body)
	}

	notFound, err := http.Get(baseURL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	notFound.Body.Close()
	if notFound.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", notFound.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Inc(metrics.RoomsCreated)
	baseURL := startTestServerWithOptions(t, config.Config{ListenAddr: "127.0.0.1:0"}, Options{Clients: fixedCount(2), Metrics: m})

	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	if !strings.Contains(text, `varta_events_total{event="`+metrics.RoomsCreated+`"} 1`) {
		t.Fatalf("missing rooms counter:\n%s", text)
	}
	if !strings.Contains(text, "varta_connected_clients 2") {
		t.Fatalf("missing connected gauge:\n%s", text)
	}
}

func TestICEEndpoint_TURNRESTCredentials(t *testing.T) {
	cfg := config.Config{
		ListenAddr: "127.0.0.1:0",
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}},
		},
	}
	gen, err := turnrest.NewGenerator(turnrest.Config{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "varta",
		Now:            func() time.Time { return time.Unix(1_700_000_000, 0) },
		NewLabel:       func() string { return "abc" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	baseURL := startTestServerWithOptions(t, cfg, Options{TURNREST: gen})

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.ICEServers) != 2 {
		t.Fatalf("servers=%d, want 2", len(payload.ICEServers))
	}
	if payload.ICEServers[0].Username != "" {
		t.Fatalf("stun server got credentials: %+v", payload.ICEServers[0])
	}
	turn := payload.ICEServers[1]
	wantUser := "1700003600:varta:abc"
	if turn.Username != wantUser {
		t.Fatalf("username=%q, want %q", turn.Username, wantUser)
	}
	if turn.Credential != turnrest.Sign([]byte("secret"), wantUser) {
		t.Fatalf("credential=%v does not match signature", turn.Credential)
	}
}

func TestICEEndpoint_EmptyListEncodesArray(t *testing.T) {
	baseURL := startTestServer(t, config.Config{ListenAddr: "127.0.0.1:0"})

	resp, err := http.Get(baseURL + "/webrtc/ice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != `{"iceServers":[]}` {
		t.Fatalf("body=%s", body)
	}
}
