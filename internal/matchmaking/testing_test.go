package matchmaking

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/varta-chat/varta-server/internal/metrics"
)

// recordingSender captures every event sent to one connection.
type recordingSender struct {
	mu     sync.Mutex
	events []Event
	notify chan Event
}

func newRecordingSender() *recordingSender {
	return &recordingSender{notify: make(chan Event, 64)}
}

func (s *recordingSender) Send(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	select {
	case s.notify <- ev:
	default:
	}
}

func (s *recordingSender) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func (s *recordingSender) ofType(typ string) []Event {
	var out []Event
	for _, ev := range s.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

// fakeScheduler collects deferred tasks; tests fire them explicitly.
type fakeScheduler struct {
	tasks  []func()
	delays []time.Duration
}

func (f *fakeScheduler) AfterFunc(d time.Duration, fn func()) {
	f.tasks = append(f.tasks, fn)
	f.delays = append(f.delays, d)
}

func (f *fakeScheduler) fireAll() {
	tasks := f.tasks
	f.tasks = nil
	f.delays = nil
	for _, fn := range tasks {
		fn()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	t       *testing.T
	m       *Matcher
	sched   *fakeScheduler
	metrics *metrics.Metrics
	conns   map[ConnID]*recordingSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sched := &fakeScheduler{}
	mt := metrics.New()
	return &harness{
		t:     t,
		sched: sched,
		m: NewMatcher(MatcherConfig{
			GraceDelay: DefaultGraceDelay,
			Scheduler:  sched,
			Logger:     discardLogger(),
			Metrics:    mt,
		}),
		metrics: mt,
		conns:   map[ConnID]*recordingSender{},
	}
}

func (h *harness) admit(id ConnID, name, country string) *recordingSender {
	h.t.Helper()
	conn := newRecordingSender()
	h.conns[id] = conn
	if err := h.m.Admit(NewClient(id, name, country, nil, conn)); err != nil {
		h.t.Fatalf("Admit(%s): %v", id, err)
	}
	return conn
}

func sendOfferPayload(t *testing.T, ev Event) SendOfferPayload {
	t.Helper()
	p, ok := ev.Payload.(SendOfferPayload)
	if !ok {
		t.Fatalf("payload=%T, want SendOfferPayload", ev.Payload)
	}
	return p
}

func rawPayload(t *testing.T, ev Event) string {
	t.Helper()
	raw, ok := ev.Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("payload=%T, want json.RawMessage", ev.Payload)
	}
	return string(raw)
}
