package main

import (
	"log/slog"
	"slices"

	"github.com/varta-chat/varta-server/internal/audit"
	"github.com/varta-chat/varta-server/internal/config"
	"github.com/varta-chat/varta-server/internal/origin"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.TrustProxyHeaders {
		logger.Warn("startup security warning: TRUST_PROXY_HEADERS=true takes client IPs from X-Forwarded-For (spoofable unless a proxy overwrites it)",
			"warning_code", "trust_proxy_headers",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnectionsPerIPPerMinute <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS_PER_IP_PER_MINUTE is unset/0 (unlimited) while --mode=prod",
			"warning_code", "connection_rate_unlimited_in_prod",
			"max_connections_per_ip_per_minute", cfg.MaxConnectionsPerIPPerMinute,
			"mode", cfg.Mode,
		)
	}

	if !cfg.Audit.Enabled() {
		logger.Warn("startup warning: AUDIT_DSN is unset; connection audit records are not persisted",
			"warning_code", "audit_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Audit.LegacyMongoURISet {
		logger.Warn("startup warning: MONGO_URI is ignored; set AUDIT_DSN (sqlite:, postgres://, redis://)",
			"warning_code", "legacy_mongo_uri",
			"audit_backend", audit.Backend(cfg.Audit.DSN),
			"mode", cfg.Mode,
		)
	}

	if cfg.GeoIP.Token == "" && cfg.GeoIP.PaidURL != "" {
		logger.Warn("startup warning: IP_TOKEN is unset; the paid geolocation fallback will be rate limited or rejected",
			"warning_code", "geoip_token_missing",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /webrtc/ice and /readyz will fail",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	}
}
