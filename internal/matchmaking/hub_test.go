package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/varta-chat/varta-server/internal/audit"
	"github.com/varta-chat/varta-server/internal/geoip"
	"github.com/varta-chat/varta-server/internal/metrics"
)

type staticGeo map[string]geoip.Result

func (g staticGeo) Lookup(_ context.Context, ip string) (geoip.Result, error) {
	if res, ok := g[ip]; ok {
		return res, nil
	}
	return geoip.Result{Country: geoip.UnknownCountry}, geoip.ErrProviderFailure
}

type memAudit struct {
	mu      sync.Mutex
	records []audit.Record
	err     error
}

func (a *memAudit) Record(_ context.Context, rec audit.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *memAudit) all() []audit.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Record(nil), a.records...)
}

func startHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	h := NewHub(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func waitEvent(t *testing.T, s *recordingSender, typ string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.notify:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q; got %v", typ, s.all())
			return Event{}
		}
	}
}

func waitCount(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Count()=%d, want %d", h.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_AdmitResolvesCountryAndPairs(t *testing.T) {
	rec := &memAudit{}
	h := startHub(t, HubConfig{
		GraceDelay: 10 * time.Millisecond,
		Geo: staticGeo{
			"203.0.113.7":  {Country: "IN", Provider: geoip.ProviderIPAPI, Raw: json.RawMessage(`{"country_code":"IN"}`)},
			"198.51.100.9": {Country: "GB", Provider: geoip.ProviderIPInfo},
		},
		Audit: rec,
	})
	ctx := context.Background()

	a, b := newRecordingSender(), newRecordingSender()
	infoA, err := h.Admit(ctx, AdmitRequest{ID: "a", Name: "Asha", IP: "203.0.113.7", Conn: a})
	if err != nil {
		t.Fatalf("Admit(a): %v", err)
	}
	if infoA.Country != "IN" || infoA.Name != "Asha" {
		t.Fatalf("infoA=%+v", infoA)
	}
	if _, err := h.Admit(ctx, AdmitRequest{ID: "b", IP: "198.51.100.9", Conn: b}); err != nil {
		t.Fatalf("Admit(b): %v", err)
	}

	pa := sendOfferPayload(t, waitEvent(t, a, EventSendOffer))
	pb := sendOfferPayload(t, waitEvent(t, b, EventSendOffer))
	if pa.RemoteCountry != "GB" || pa.RemoteName != DefaultName || pb.RemoteCountry != "IN" {
		t.Fatalf("payloads a=%+v b=%+v", pa, pb)
	}
	waitCount(t, h, 2)

	if err := h.WaitAudits(ctx); err != nil {
		t.Fatalf("WaitAudits: %v", err)
	}
	records := rec.all()
	if len(records) != 2 {
		t.Fatalf("audit records=%d, want 2", len(records))
	}
	for _, r := range records {
		if r.ConnectionID != "a" {
			continue
		}
		if r.Country != "IN" || r.IP != "203.0.113.7" || string(r.Details) != `{"country_code":"IN"}` {
			t.Fatalf("record=%+v", r)
		}
		return
	}
	t.Fatalf("no audit record for a in %+v", records)
}

func TestHub_GeoFailureAdmitsAsUnknown(t *testing.T) {
	h := startHub(t, HubConfig{Geo: staticGeo{}})

	conn := newRecordingSender()
	info, err := h.Admit(context.Background(), AdmitRequest{ID: "a", IP: "192.0.2.1", Conn: conn})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if info.Country != geoip.UnknownCountry {
		t.Fatalf("country=%q, want %q", info.Country, geoip.UnknownCountry)
	}
	lobby := waitEvent(t, conn, EventLobby).Payload.(LobbyPayload)
	if lobby.Country != geoip.UnknownCountry {
		t.Fatalf("lobby country=%q", lobby.Country)
	}
}

func TestHub_AuditFailureDoesNotBlockAdmission(t *testing.T) {
	m := metrics.New()
	h := startHub(t, HubConfig{Audit: &memAudit{err: errors.New("disk full")}, Metrics: m})

	if _, err := h.Admit(context.Background(), AdmitRequest{ID: "a", Conn: newRecordingSender()}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if err := h.WaitAudits(context.Background()); err != nil {
		t.Fatalf("WaitAudits: %v", err)
	}
	if m.Get(metrics.AuditWriteFailure) != 1 {
		t.Fatalf("audit failures=%d, want 1", m.Get(metrics.AuditWriteFailure))
	}
	waitCount(t, h, 1)
}

func TestHub_DuplicateAndInvalidAdmission(t *testing.T) {
	h := startHub(t, HubConfig{})
	ctx := context.Background()

	if _, err := h.Admit(ctx, AdmitRequest{ID: "a", Conn: newRecordingSender()}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := h.Admit(ctx, AdmitRequest{ID: "a", Conn: newRecordingSender()}); !errors.Is(err, ErrDuplicateClient) {
		t.Fatalf("err=%v, want ErrDuplicateClient", err)
	}
	if _, err := h.Admit(ctx, AdmitRequest{ID: "b"}); !errors.Is(err, ErrInvalidClient) {
		t.Fatalf("err=%v, want ErrInvalidClient", err)
	}
}

func TestHub_RelayAndAbruptDepartRequeuesPartner(t *testing.T) {
	h := startHub(t, HubConfig{GraceDelay: 20 * time.Millisecond})
	ctx := context.Background()

	a, b, c := newRecordingSender(), newRecordingSender(), newRecordingSender()
	h.Admit(ctx, AdmitRequest{ID: "a", Conn: a})
	h.Admit(ctx, AdmitRequest{ID: "b", Conn: b})
	room := sendOfferPayload(t, waitEvent(t, a, EventSendOffer)).RoomID

	payload := json.RawMessage(`{"sdp":{"type":"answer","sdp":"v=0"},"roomId":"` + room.String() + `"}`)
	if err := h.Relay(ctx, RelayRequest{Kind: RelayAnswer, RoomID: room, From: "b", Payload: payload}); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if got := rawPayload(t, waitEvent(t, a, EventAnswer)); got != string(payload) {
		t.Fatalf("answer payload=%s", got)
	}

	if err := h.Relay(ctx, RelayRequest{Kind: "bogus", RoomID: room, From: "b"}); err == nil {
		t.Fatalf("expected error for unknown relay kind")
	}

	if err := h.Depart(ctx, "a", DepartAbrupt); err != nil {
		t.Fatalf("Depart: %v", err)
	}
	waitEvent(t, b, EventRoomRemoved)
	waitCount(t, h, 1)

	// After the grace delay b is back in the pool and pairs with c.
	h.Admit(ctx, AdmitRequest{ID: "c", Conn: c})
	pc := sendOfferPayload(t, waitEvent(t, c, EventSendOffer))
	pb := sendOfferPayload(t, waitEvent(t, b, EventSendOffer))
	if pc.RoomID != pb.RoomID || pc.RoomID == room {
		t.Fatalf("rooms b=%v c=%v old=%v", pb.RoomID, pc.RoomID, room)
	}
}

func TestHub_StoppedHubRejectsWork(t *testing.T) {
	h := NewHub(HubConfig{Logger: discardLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := h.Admit(context.Background(), AdmitRequest{ID: "a", Conn: newRecordingSender()}); !errors.Is(err, ErrHubStopped) {
		t.Fatalf("err=%v, want ErrHubStopped", err)
	}
	if err := h.Depart(context.Background(), "a", DepartExplicit); !errors.Is(err, ErrHubStopped) {
		t.Fatalf("err=%v, want ErrHubStopped", err)
	}
}

func TestHub_RelayPreservesPerSenderOrder(t *testing.T) {
	h := startHub(t, HubConfig{})
	ctx := context.Background()

	a, b := newRecordingSender(), newRecordingSender()
	h.Admit(ctx, AdmitRequest{ID: "a", Conn: a})
	h.Admit(ctx, AdmitRequest{ID: "b", Conn: b})
	room := sendOfferPayload(t, waitEvent(t, a, EventSendOffer)).RoomID

	const n = 200
	want := make([]string, 0, n)
	for i := range n {
		p := fmt.Sprintf(`{"candidate":{"candidate":"c%d"},"type":"receiver","roomId":"%s"}`, i, room)
		want = append(want, p)
		if err := h.Relay(ctx, RelayRequest{Kind: RelayICECandidate, RoomID: room, From: "b", Payload: json.RawMessage(p)}); err != nil {
			t.Fatalf("Relay(%d): %v", i, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(a.ofType(EventAddICECandidate)) < n {
		if time.Now().After(deadline) {
			t.Fatalf("received %d candidates, want %d", len(a.ofType(EventAddICECandidate)), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	for i, ev := range a.ofType(EventAddICECandidate) {
		if got := rawPayload(t, ev); got != want[i] {
			t.Fatalf("candidate %d = %s, want %s", i, got, want[i])
		}
	}
}

type panickingSender struct{}

func (panickingSender) Send(Event) { panic("send failed") }

func TestHub_RecoversAndCountsLoopPanics(t *testing.T) {
	m := metrics.New()
	h := startHub(t, HubConfig{Metrics: m})
	ctx := context.Background()

	if _, err := h.Admit(ctx, AdmitRequest{ID: "a", Conn: panickingSender{}}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Get(metrics.HubPanicsRecovered) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("recovered panics=%d, want 1", m.Get(metrics.HubPanicsRecovered))
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The loop keeps serving after a panic.
	if _, err := h.Admit(ctx, AdmitRequest{ID: "b", Conn: newRecordingSender()}); err != nil {
		t.Fatalf("Admit(b): %v", err)
	}
	waitCount(t, h, 2)
}
