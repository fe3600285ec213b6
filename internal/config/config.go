package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/varta-chat/varta-server/internal/origin"
)

const (
	envVarListenAddr      = "VARTA_LISTEN_ADDR"
	envVarPort            = "PORT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarFrontendURL     = "FRONTEND_URL"
	envVarLogFormat       = "VARTA_LOG_FORMAT"
	envVarLogLevel        = "VARTA_LOG_LEVEL"
	envVarShutdownTimeout = "VARTA_SHUTDOWN_TIMEOUT"
	envVarMode            = "VARTA_MODE"

	// Matchmaking.
	envVarRequeueGraceDelay = "REQUEUE_GRACE_DELAY"

	// Signaling WebSocket hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueLength               = "SEND_QUEUE_LENGTH"
	envVarMaxConnectionsPerIPPerMinute  = "MAX_CONNECTIONS_PER_IP_PER_MINUTE"
	envVarTrustProxyHeaders             = "TRUST_PROXY_HEADERS"

	// Geolocation.
	envVarGeoIPFreeURL       = "GEOIP_FREE_URL"
	envVarGeoIPPaidURL       = "GEOIP_PAID_URL"
	envVarGeoIPToken         = "IP_TOKEN"
	envVarGeoIPTimeout       = "GEOIP_TIMEOUT"
	envVarGeoIPFreePerMinute = "GEOIP_FREE_REQUESTS_PER_MINUTE"
	envVarGeoIPCacheSize     = "GEOIP_CACHE_SIZE"
	envVarGeoIPCacheTTL      = "GEOIP_CACHE_TTL"

	// Audit store.
	envVarAuditDSN     = "AUDIT_DSN"
	envVarAuditTimeout = "AUDIT_TIMEOUT"
	// envVarMongoURI is accepted only so that old deployments get a warning
	// instead of silently losing their audit trail.
	envVarMongoURI = "MONGO_URI"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"

	DefaultListenAddr      = "127.0.0.1:5000"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultRequeueGraceDelay = 2 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSendQueueLength               = 256

	DefaultGeoIPFreeURL       = "https://ipapi.co"
	DefaultGeoIPPaidURL       = "https://ipinfo.io"
	DefaultGeoIPTimeout       = 3 * time.Second
	DefaultGeoIPFreePerMinute = 30
	DefaultGeoIPCacheSize     = 4096
	DefaultGeoIPCacheTTL      = time.Hour

	DefaultAuditTimeout = 5 * time.Second

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "varta"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type GeoIPConfig struct {
	FreeURL       string
	PaidURL       string
	Token         string
	Timeout       time.Duration
	FreePerMinute int
	CacheSize     int
	CacheTTL      time.Duration
}

type AuditConfig struct {
	DSN     string
	Timeout time.Duration
	// LegacyMongoURISet is true when MONGO_URI is present in the environment.
	// It has no effect besides a startup warning.
	LegacyMongoURISet bool
}

func (c AuditConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// RequeueGraceDelay is how long a client whose room was dissolved waits
	// before re-entering the waiting pool.
	RequeueGraceDelay time.Duration

	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueLength               int

	// MaxConnectionsPerIPPerMinute caps new signaling sockets per client IP.
	// A value <= 0 disables the limit.
	MaxConnectionsPerIPPerMinute int
	TrustProxyHeaders            bool

	GeoIP GeoIPConfig
	Audit AuditConfig

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. The server
// still starts without ICE servers; /webrtc/ice and /readyz then answer 503.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := DefaultListenAddr
	if port := strings.TrimSpace(envOrDefault(lookup, envVarPort, "")); port != "" {
		listenAddr = ":" + port
	}
	listenAddr = envOrDefault(lookup, envVarListenAddr, listenAddr)

	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, envOrDefault(lookup, envVarFrontendURL, ""))

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	requeueGraceDelay, err := envDurationOrDefault(lookup, envVarRequeueGraceDelay, DefaultRequeueGraceDelay)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueLength, err := envIntOrDefault(lookup, envVarSendQueueLength, DefaultSendQueueLength)
	if err != nil {
		return Config{}, err
	}
	maxConnectionsPerIPPerMinute, err := envIntOrDefault(lookup, envVarMaxConnectionsPerIPPerMinute, 0)
	if err != nil {
		return Config{}, err
	}
	trustProxyHeaders, err := envBoolOrDefault(lookup, envVarTrustProxyHeaders, false)
	if err != nil {
		return Config{}, err
	}

	geoIPFreeURL := envOrDefault(lookup, envVarGeoIPFreeURL, DefaultGeoIPFreeURL)
	geoIPPaidURL := envOrDefault(lookup, envVarGeoIPPaidURL, DefaultGeoIPPaidURL)
	geoIPToken := envOrDefault(lookup, envVarGeoIPToken, "")
	geoIPTimeout, err := envDurationOrDefault(lookup, envVarGeoIPTimeout, DefaultGeoIPTimeout)
	if err != nil {
		return Config{}, err
	}
	geoIPFreePerMinute, err := envIntOrDefault(lookup, envVarGeoIPFreePerMinute, DefaultGeoIPFreePerMinute)
	if err != nil {
		return Config{}, err
	}
	geoIPCacheSize, err := envIntOrDefault(lookup, envVarGeoIPCacheSize, DefaultGeoIPCacheSize)
	if err != nil {
		return Config{}, err
	}
	geoIPCacheTTL, err := envDurationOrDefault(lookup, envVarGeoIPCacheTTL, DefaultGeoIPCacheTTL)
	if err != nil {
		return Config{}, err
	}

	auditDSN := envOrDefault(lookup, envVarAuditDSN, "")
	auditTimeout, err := envDurationOrDefault(lookup, envVarAuditTimeout, DefaultAuditTimeout)
	if err != nil {
		return Config{}, err
	}
	_, legacyMongoURISet := lookup(envVarMongoURI)

	fs := flag.NewFlagSet("varta-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+" or "+envVarPort+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&requeueGraceDelay, "requeue-grace", requeueGraceDelay, "Delay before a client whose room ended re-enters the waiting pool (env "+envVarRequeueGraceDelay+")")

	fs.DurationVar(&signalingWSIdleTimeout, "ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (0 = unlimited; env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendQueueLength, "send-queue-length", sendQueueLength, "Outbound event queue length per connection (env "+envVarSendQueueLength+")")
	fs.IntVar(&maxConnectionsPerIPPerMinute, "max-connections-per-ip-per-minute", maxConnectionsPerIPPerMinute, "New signaling connections per client IP per minute (0 = unlimited; env "+envVarMaxConnectionsPerIPPerMinute+")")
	fs.BoolVar(&trustProxyHeaders, "trust-proxy-headers", trustProxyHeaders, "Use X-Forwarded-For / X-Real-IP for the client IP (env "+envVarTrustProxyHeaders+")")

	fs.StringVar(&geoIPFreeURL, "geoip-free-url", geoIPFreeURL, "Base URL of the free geolocation provider (env "+envVarGeoIPFreeURL+")")
	fs.StringVar(&geoIPPaidURL, "geoip-paid-url", geoIPPaidURL, "Base URL of the token-authenticated geolocation provider (env "+envVarGeoIPPaidURL+")")
	fs.StringVar(&geoIPToken, "geoip-token", geoIPToken, "Token for the paid geolocation provider (env "+envVarGeoIPToken+")")
	fs.DurationVar(&geoIPTimeout, "geoip-timeout", geoIPTimeout, "Per-request geolocation timeout (env "+envVarGeoIPTimeout+")")
	fs.IntVar(&geoIPFreePerMinute, "geoip-free-per-minute", geoIPFreePerMinute, "Requests per minute sent to the free provider before falling through (0 = unlimited; env "+envVarGeoIPFreePerMinute+")")
	fs.IntVar(&geoIPCacheSize, "geoip-cache-size", geoIPCacheSize, "Geolocation cache entries (0 = disabled; env "+envVarGeoIPCacheSize+")")
	fs.DurationVar(&geoIPCacheTTL, "geoip-cache-ttl", geoIPCacheTTL, "Geolocation cache TTL (env "+envVarGeoIPCacheTTL+")")

	fs.StringVar(&auditDSN, "audit-dsn", auditDSN, "Connection audit store: sqlite:<path>, postgres://..., redis://... (empty = disabled; env "+envVarAuditDSN+")")
	fs.DurationVar(&auditTimeout, "audit-timeout", auditTimeout, "Per-record audit write timeout (env "+envVarAuditTimeout+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// When only the mode changed on the command line, log defaults follow it.
	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, errors.New("listen address must not be empty")
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarAllowedOrigins, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if requeueGraceDelay < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarRequeueGraceDelay)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s (%s) must be < %s (%s)", envVarSignalingWSPingInterval, signalingWSPingInterval, envVarSignalingWSIdleTimeout, signalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarMaxSignalingMessagesPerSecond)
	}
	if sendQueueLength <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSendQueueLength)
	}
	if maxConnectionsPerIPPerMinute < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarMaxConnectionsPerIPPerMinute)
	}

	if err := validateBaseURL(geoIPFreeURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarGeoIPFreeURL, geoIPFreeURL, err)
	}
	if err := validateBaseURL(geoIPPaidURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", envVarGeoIPPaidURL, geoIPPaidURL, err)
	}
	if geoIPTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarGeoIPTimeout)
	}
	if geoIPFreePerMinute < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarGeoIPFreePerMinute)
	}
	if geoIPCacheSize < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", envVarGeoIPCacheSize)
	}
	if geoIPCacheTTL <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarGeoIPCacheTTL)
	}
	if auditTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarAuditTimeout)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		RequeueGraceDelay: requeueGraceDelay,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SendQueueLength:               sendQueueLength,
		MaxConnectionsPerIPPerMinute:  maxConnectionsPerIPPerMinute,
		TrustProxyHeaders:             trustProxyHeaders,

		GeoIP: GeoIPConfig{
			FreeURL:       strings.TrimRight(geoIPFreeURL, "/"),
			PaidURL:       strings.TrimRight(geoIPPaidURL, "/"),
			Token:         geoIPToken,
			Timeout:       geoIPTimeout,
			FreePerMinute: geoIPFreePerMinute,
			CacheSize:     geoIPCacheSize,
			CacheTTL:      geoIPCacheTTL,
		},
		Audit: AuditConfig{
			DSN:               strings.TrimSpace(auditDSN),
			Timeout:           auditTimeout,
			LegacyMongoURISet: legacyMongoURISet,
		},
		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}

	if cfg.TURNREST.Enabled() {
		if cfg.TURNREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
		}
		if cfg.TURNREST.UsernamePrefix == "" || strings.Contains(cfg.TURNREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must be non-empty and must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == origin.Wildcard {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("expected http or https URL")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}
