// Package geoip resolves a client IP to an ISO country code.
//
// Lookups go to a free provider first and fall through to a token-authenticated
// provider when the free one fails or is throttled locally. Results are cached
// per IP. Total failure yields UnknownCountry together with the joined
// provider errors; callers treat the country as best-effort.
package geoip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/varta-chat/varta-server/internal/metrics"
)

// UnknownCountry is reported whenever no provider produced a usable answer.
const UnknownCountry = "Unknown"

const (
	ProviderIPAPI  = "ipapi"
	ProviderIPInfo = "ipinfo"
	providerLocal  = "local"

	maxResponseBytes = 64 << 10
)

var (
	ErrInvalidIP       = errors.New("geoip: invalid ip")
	ErrThrottled       = errors.New("geoip: provider throttled locally")
	ErrNoCountry       = errors.New("geoip: provider response has no country")
	ErrProviderFailure = errors.New("geoip: provider returned an error")
)

// Result is a resolved location. Raw keeps the provider payload verbatim for
// the audit record.
type Result struct {
	Country  string
	Provider string
	Raw      json.RawMessage
}

// Provider is one upstream lookup service.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, ip string) (Result, error)
}

type Config struct {
	FreeURL string
	PaidURL string
	Token   string
	Timeout time.Duration
	// FreePerMinute bounds requests to the free provider. 0 means unlimited.
	FreePerMinute int
	// CacheSize of 0 disables caching.
	CacheSize int
	CacheTTL  time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

type Resolver struct {
	providers []Provider
	throttle  map[string]*rate.Limiter
	timeout   time.Duration
	cache     *expirable.LRU[string, Result]

	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewResolver(cfg Config) *Resolver {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	var providers []Provider
	throttle := make(map[string]*rate.Limiter)
	if cfg.FreeURL != "" {
		providers = append(providers, NewIPAPIProvider(cfg.FreeURL, client))
		if cfg.FreePerMinute > 0 {
			throttle[ProviderIPAPI] = rate.NewLimiter(rate.Limit(float64(cfg.FreePerMinute)/60.0), cfg.FreePerMinute)
		}
	}
	if cfg.PaidURL != "" {
		providers = append(providers, NewIPInfoProvider(cfg.PaidURL, cfg.Token, client))
	}

	r := newResolver(providers, cfg.Timeout, cfg.CacheSize, cfg.CacheTTL, cfg.Logger, cfg.Metrics)
	r.throttle = throttle
	return r
}

func newResolver(providers []Provider, timeout time.Duration, cacheSize int, cacheTTL time.Duration, log *slog.Logger, m *metrics.Metrics) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		providers: providers,
		throttle:  map[string]*rate.Limiter{},
		timeout:   timeout,
		log:       log,
		metrics:   m,
	}
	if cacheSize > 0 {
		r.cache = expirable.NewLRU[string, Result](cacheSize, nil, cacheTTL)
	}
	return r
}

// Lookup never returns an empty Country. A non-nil error means every provider
// failed and Country is UnknownCountry.
func (r *Resolver) Lookup(ctx context.Context, ip string) (Result, error) {
	addr := net.ParseIP(strings.TrimSpace(ip))
	if addr == nil {
		r.metrics.Inc(metrics.GeoIPUnknown)
		return Result{Country: UnknownCountry, Provider: providerLocal}, fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	if !isPublic(addr) {
		return Result{Country: UnknownCountry, Provider: providerLocal}, nil
	}
	key := addr.String()

	if r.cache != nil {
		if res, ok := r.cache.Get(key); ok {
			r.metrics.Inc(metrics.GeoIPCacheHit)
			return res, nil
		}
	}

	var errs []error
	for _, p := range r.providers {
		if lim, ok := r.throttle[p.Name()]; ok && !lim.Allow() {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), ErrThrottled))
			continue
		}

		res, err := r.lookupOne(ctx, p, key)
		if err != nil {
			r.metrics.Inc(metrics.GeoIPProviderFailure)
			r.log.Warn("geoip provider failed", "provider", p.Name(), "ip", key, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if r.cache != nil {
			r.cache.Add(key, res)
		}
		return res, nil
	}

	r.metrics.Inc(metrics.GeoIPUnknown)
	if len(errs) == 0 {
		return Result{Country: UnknownCountry, Provider: providerLocal}, nil
	}
	return Result{Country: UnknownCountry}, errors.Join(errs...)
}

func (r *Resolver) lookupOne(ctx context.Context, p Provider, ip string) (Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	res, err := p.Lookup(ctx, ip)
	if err != nil {
		return Result{}, err
	}
	country, ok := normalizeCountry(res.Country)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrNoCountry, res.Country)
	}
	res.Country = country
	return res, nil
}

func normalizeCountry(raw string) (string, bool) {
	c := strings.ToUpper(strings.TrimSpace(raw))
	if len(c) != 2 {
		return "", false
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return "", false
		}
	}
	return c, true
}

func isPublic(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast())
}

type httpProvider struct {
	name    string
	client  *http.Client
	urlFor  func(ip string) string
	country func(body []byte) (string, error)
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) Lookup(ctx context.Context, ip string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.urlFor(ip), nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrProviderFailure, resp.StatusCode)
	}
	if !json.Valid(body) {
		return Result{}, fmt.Errorf("%w: response is not JSON", ErrProviderFailure)
	}

	country, err := p.country(body)
	if err != nil {
		return Result{}, err
	}
	return Result{Country: country, Provider: p.name, Raw: json.RawMessage(body)}, nil
}

// NewIPAPIProvider queries <baseURL>/<ip>/json/. ipapi.co reports failures
// (including its own rate limit) as HTTP 200 with "error": true.
func NewIPAPIProvider(baseURL string, client *http.Client) Provider {
	base := strings.TrimRight(baseURL, "/")
	return &httpProvider{
		name:   ProviderIPAPI,
		client: client,
		urlFor: func(ip string) string {
			return base + "/" + url.PathEscape(ip) + "/json/"
		},
		country: func(body []byte) (string, error) {
			var payload struct {
				Error       bool   `json:"error"`
				Reason      string `json:"reason"`
				CountryCode string `json:"country_code"`
				Country     string `json:"country"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return "", err
			}
			if payload.Error {
				return "", fmt.Errorf("%w: %s", ErrProviderFailure, payload.Reason)
			}
			if payload.CountryCode != "" {
				return payload.CountryCode, nil
			}
			return payload.Country, nil
		},
	}
}

// NewIPInfoProvider queries <baseURL>/<ip>?token=<token>.
func NewIPInfoProvider(baseURL, token string, client *http.Client) Provider {
	base := strings.TrimRight(baseURL, "/")
	return &httpProvider{
		name:   ProviderIPInfo,
		client: client,
		urlFor: func(ip string) string {
			u := base + "/" + url.PathEscape(ip)
			if token != "" {
				u += "?token=" + url.QueryEscape(token)
			}
			return u
		},
		country: func(body []byte) (string, error) {
			var payload struct {
				Country string `json:"country"`
				Bogon   bool   `json:"bogon"`
			}
			if err := json.Unmarshal(body, &payload); err != nil {
				return "", err
			}
			if payload.Bogon {
				return "", fmt.Errorf("%w: bogon address", ErrProviderFailure)
			}
			return payload.Country, nil
		},
	}
}
