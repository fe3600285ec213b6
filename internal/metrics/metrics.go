package metrics

import "sync"

// Event names. Kept flat so they map directly onto the `event` label of the
// Prometheus counter.
const (
	ClientsAdmitted = "clients_admitted"
	ClientsDeparted = "clients_departed"
	ClientExits     = "client_exits"
	ClientDrops     = "client_disconnects"

	RoomsCreated   = "rooms_created"
	RoomsDissolved = "rooms_dissolved"
	Requeues       = "requeues"
	RequeueSkipped = "requeue_skipped"
	PairingAborted = "pairing_aborted"

	RelayForwarded          = "relay_forwarded"
	RelayDropMissingRoom    = "relay_drop_missing_room"
	RelayDropNotOccupant    = "relay_drop_not_occupant"
	RelayDropRoomDissolving = "relay_drop_room_dissolving"

	GeoIPCacheHit        = "geoip_cache_hit"
	GeoIPProviderFailure = "geoip_provider_failure"
	GeoIPUnknown         = "geoip_unknown"

	AuditWriteFailure = "audit_write_failure"

	HubPanicsRecovered = "hub_panics_recovered"

	DropReasonRateLimited    = "rate_limited"
	DropReasonAdmissionLimit = "admission_rate_limited"
	DropReasonBadMessage     = "bad_message"
	SendQueueOverflow        = "send_queue_overflow"
)

// Metrics is a small, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
