package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/varta-chat/varta-server/internal/audit"
	"github.com/varta-chat/varta-server/internal/geoip"
	"github.com/varta-chat/varta-server/internal/metrics"
)

var ErrHubStopped = errors.New("matchmaking: hub stopped")

// GeoLocator resolves an IP to a country. A non-nil error is informational;
// the returned Result is still used.
type GeoLocator interface {
	Lookup(ctx context.Context, ip string) (geoip.Result, error)
}

type AuditRecorder interface {
	Record(ctx context.Context, rec audit.Record) error
}

type HubConfig struct {
	GraceDelay   time.Duration
	Geo          GeoLocator
	Audit        AuditRecorder
	AuditTimeout time.Duration
	// EventBuffer sizes the loop's inbox.
	EventBuffer int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

// Hub serializes every registry mutation onto the goroutine running Run.
type Hub struct {
	events  chan func()
	done    chan struct{}
	stopped atomic.Bool
	count   atomic.Int64

	matcher      *Matcher
	geo          GeoLocator
	audit        AuditRecorder
	auditTimeout time.Duration
	audits       sync.WaitGroup

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if cfg.AuditTimeout <= 0 {
		cfg.AuditTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	h := &Hub{
		events:       make(chan func(), cfg.EventBuffer),
		done:         make(chan struct{}),
		geo:          cfg.Geo,
		audit:        cfg.Audit,
		auditTimeout: cfg.AuditTimeout,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}
	h.matcher = NewMatcher(MatcherConfig{
		GraceDelay: cfg.GraceDelay,
		Scheduler:  loopScheduler{h: h},
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})
	return h
}

// Run processes events until ctx is done. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.stopped.Store(true)
		close(h.done)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-h.events:
			h.exec(fn)
		}
	}
}

func (h *Hub) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.metrics.Inc(metrics.HubPanicsRecovered)
			h.log.Error("panic in matchmaking loop", "panic", r, "stack", string(debug.Stack()))
		}
		h.count.Store(int64(h.matcher.Count()))
	}()
	fn()
}

// post enqueues fn without waiting for it to run.
func (h *Hub) post(ctx context.Context, fn func()) error {
	if h.stopped.Load() {
		return ErrHubStopped
	}
	select {
	case h.events <- fn:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the loop and waits for it.
func (h *Hub) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := h.post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loopScheduler struct{ h *Hub }

func (s loopScheduler) AfterFunc(d time.Duration, f func()) {
	time.AfterFunc(d, func() {
		if err := s.h.post(context.Background(), f); err != nil {
			s.h.log.Debug("scheduled task dropped", "err", err)
		}
	})
}

type AdmitRequest struct {
	ID        ConnID
	Name      string
	IP        string
	Languages []string
	Conn      Sender
}

// Admit resolves the client's country, registers it and triggers pairing.
// Geolocation and audit failures never fail admission.
func (h *Hub) Admit(ctx context.Context, req AdmitRequest) (ClientInfo, error) {
	if req.ID == "" || req.Conn == nil {
		return ClientInfo{}, ErrInvalidClient
	}

	geo := geoip.Result{Country: geoip.UnknownCountry}
	if h.geo != nil {
		res, err := h.geo.Lookup(ctx, req.IP)
		if err != nil {
			h.log.Warn("country lookup failed", "conn_id", req.ID, "err", err)
		}
		if res.Country != "" {
			geo = res
		}
	}

	c := NewClient(req.ID, req.Name, geo.Country, req.Languages, req.Conn)
	var admitErr error
	if err := h.do(ctx, func() { admitErr = h.matcher.Admit(c) }); err != nil {
		return ClientInfo{}, err
	}
	if admitErr != nil {
		return ClientInfo{}, admitErr
	}

	h.recordAudit(audit.Record{
		ConnectionID: string(req.ID),
		IP:           req.IP,
		Country:      c.Country,
		Details:      json.RawMessage(geo.Raw),
		CreatedAt:    h.now(),
	})
	return c.info(), nil
}

func (h *Hub) recordAudit(rec audit.Record) {
	if h.audit == nil {
		return
	}
	h.audits.Add(1)
	go func() {
		defer h.audits.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.auditTimeout)
		defer cancel()
		if err := h.audit.Record(ctx, rec); err != nil {
			h.metrics.Inc(metrics.AuditWriteFailure)
			h.log.Warn("audit write failed", "conn_id", rec.ConnectionID, "err", err)
		}
	}()
}

// Relay forwards a handshake message. Messages from one connection keep their
// order.
func (h *Hub) Relay(ctx context.Context, req RelayRequest) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("matchmaking: unknown relay kind %q", req.Kind)
	}
	return h.post(ctx, func() { h.matcher.Relay(req) })
}

func (h *Hub) Depart(ctx context.Context, id ConnID, reason DepartReason) error {
	return h.post(ctx, func() { h.matcher.Depart(id, reason) })
}

// Count is the number of connected clients as of the last processed event.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// WaitAudits blocks until in-flight audit writes finish or ctx is done.
func (h *Hub) WaitAudits(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		h.audits.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
