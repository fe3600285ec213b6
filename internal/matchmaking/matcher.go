package matchmaking

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/varta-chat/varta-server/internal/metrics"
)

// DefaultGraceDelay outlasts the client-side "partner left" transition.
const DefaultGraceDelay = 2 * time.Second

var (
	ErrDuplicateClient = errors.New("matchmaking: connection already admitted")
	ErrInvalidClient   = errors.New("matchmaking: client requires an id and a sender")
)

// DepartReason distinguishes a user-initiated exit from a transport closure.
type DepartReason int

const (
	DepartExplicit DepartReason = iota
	DepartAbrupt
)

func (r DepartReason) String() string {
	if r == DepartExplicit {
		return "explicit"
	}
	return "abrupt"
}

// Scheduler runs f after d. f must execute on the same goroutine that drives
// the Matcher.
type Scheduler interface {
	AfterFunc(d time.Duration, f func())
}

// RelayRequest is one inbound handshake message. Payload is forwarded to the
// other occupant unchanged.
type RelayRequest struct {
	Kind    RelayKind
	RoomID  RoomID
	From    ConnID
	Payload json.RawMessage
}

type MatcherConfig struct {
	GraceDelay time.Duration
	Scheduler  Scheduler
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Matcher owns the client set, the waiting pool and the room registry. It is
// driven by a single goroutine.
type Matcher struct {
	clients map[ConnID]*Client
	pool    *waitingPool
	rooms   *roomRegistry

	grace   time.Duration
	sched   Scheduler
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewMatcher(cfg MatcherConfig) *Matcher {
	if cfg.Scheduler == nil {
		panic("matchmaking: scheduler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GraceDelay < 0 {
		cfg.GraceDelay = 0
	}
	return &Matcher{
		clients: make(map[ConnID]*Client),
		pool:    newWaitingPool(),
		rooms:   newRoomRegistry(),
		grace:   cfg.GraceDelay,
		sched:   cfg.Scheduler,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

// Count is the number of live clients regardless of pairing state.
func (m *Matcher) Count() int { return len(m.clients) }

// Client returns the live client for id, or nil.
func (m *Matcher) Client(id ConnID) *Client { return m.clients[id] }

// Admit registers c, queues it, tells it its own country and attempts
// pairing.
func (m *Matcher) Admit(c *Client) error {
	if c == nil || c.ID == "" || c.conn == nil {
		return ErrInvalidClient
	}
	if _, exists := m.clients[c.ID]; exists {
		return ErrDuplicateClient
	}

	m.clients[c.ID] = c
	c.state = StateQueued
	m.pool.push(c.ID)
	m.metrics.Inc(metrics.ClientsAdmitted)
	m.log.Info("client admitted", "conn_id", c.ID, "name", c.Name, "country", c.Country, "clients", len(m.clients))

	c.send(Event{Type: EventLobby, Payload: LobbyPayload{Country: c.Country}})
	m.pair()
	return nil
}

// pair drains the pool two at a time from the tail.
func (m *Matcher) pair() {
	for m.pool.len() >= 2 {
		idA, _ := m.pool.popTail()
		idB, _ := m.pool.popTail()
		a, b := m.clients[idA], m.clients[idB]

		if a == nil || b == nil || idA == idB {
			m.metrics.Inc(metrics.PairingAborted)
			m.log.Warn("pairing aborted", "conn_a", idA, "conn_b", idB, "a_live", a != nil, "b_live", b != nil)
			// Keep any live survivor eligible for the next trigger.
			for _, c := range [2]*Client{b, a} {
				if c != nil && c.state == StateQueued {
					m.pool.push(c.ID)
				}
			}
			return
		}

		m.createRoom(a, b)
	}
}

func (m *Matcher) createRoom(a, b *Client) *Room {
	room := m.rooms.create(a, b)
	a.state = StatePaired
	b.state = StatePaired
	m.metrics.Inc(metrics.RoomsCreated)
	m.log.Info("room created", "room_id", room.ID, "conn_a", a.ID, "country_a", a.Country, "conn_b", b.ID, "country_b", b.Country)

	a.send(Event{Type: EventSendOffer, Payload: SendOfferPayload{RoomID: room.ID, RemoteCountry: b.Country, RemoteName: b.Name}})
	b.send(Event{Type: EventSendOffer, Payload: SendOfferPayload{RoomID: room.ID, RemoteCountry: a.Country, RemoteName: a.Name}})
	return room
}

// Relay forwards req to the other occupant of req.RoomID. Every failure mode
// is a silent drop from the sender's point of view.
func (m *Matcher) Relay(req RelayRequest) {
	room := m.rooms.get(req.RoomID)
	if room == nil {
		m.metrics.Inc(metrics.RelayDropMissingRoom)
		m.log.Debug("relay dropped: room not found", "kind", req.Kind, "room_id", req.RoomID, "conn_id", req.From)
		return
	}
	if room.state != roomActive {
		m.metrics.Inc(metrics.RelayDropRoomDissolving)
		m.log.Debug("relay dropped: room dissolving", "kind", req.Kind, "room_id", req.RoomID, "conn_id", req.From)
		return
	}
	target, ok := room.other(req.From)
	if !ok {
		m.metrics.Inc(metrics.RelayDropNotOccupant)
		m.log.Warn("relay dropped: sender not in room", "kind", req.Kind, "room_id", req.RoomID, "conn_id", req.From)
		return
	}

	target.send(Event{Type: string(req.Kind), Payload: req.Payload})
	m.metrics.Inc(metrics.RelayForwarded)
}

// Depart removes id from the live set and the pool, then tears down its room
// according to reason. Unknown ids are ignored.
func (m *Matcher) Depart(id ConnID, reason DepartReason) {
	c, ok := m.clients[id]
	if !ok {
		return
	}
	delete(m.clients, id)
	m.pool.remove(id)
	c.state = StateIdle

	m.metrics.Inc(metrics.ClientsDeparted)
	if reason == DepartExplicit {
		m.metrics.Inc(metrics.ClientExits)
	} else {
		m.metrics.Inc(metrics.ClientDrops)
	}
	m.log.Info("client departed", "conn_id", id, "reason", reason, "clients", len(m.clients))

	switch reason {
	case DepartExplicit:
		m.dissolveByConnection(id)
	case DepartAbrupt:
		m.findPartnerAndSchedule(id, func(partner *Client) {
			if partner != nil {
				m.requeue(partner.ID)
			}
		})
	}
}

func (m *Matcher) dissolveByConnection(id ConnID) {
	room := m.rooms.byConnection(id)
	if room == nil {
		m.log.Debug("no room to dissolve", "conn_id", id)
		return
	}
	m.dissolve(room)
}

// dissolve notifies both occupants, drops the room now and re-queues each
// occupant after the grace delay if it is still connected.
func (m *Matcher) dissolve(room *Room) {
	if room.state != roomActive {
		return
	}
	m.rooms.remove(room)
	m.metrics.Inc(metrics.RoomsDissolved)
	m.log.Info("room dissolved", "room_id", room.ID)

	occupants := [2]*Client{room.A, room.B}
	for _, c := range occupants {
		if c.state == StatePaired {
			c.state = StateIdle
		}
		c.send(Event{Type: EventRoomRemoved})
	}

	m.sched.AfterFunc(m.grace, func() {
		for _, c := range occupants {
			m.requeue(c.ID)
		}
	})
}

// findPartnerAndSchedule notifies the partner of id immediately, then after
// the grace delay removes the room and passes the partner to then if it is
// still connected, nil otherwise.
func (m *Matcher) findPartnerAndSchedule(id ConnID, then func(*Client)) {
	room := m.rooms.byConnection(id)
	if room == nil || room.state != roomActive {
		m.log.Debug("no partner to notify", "conn_id", id)
		return
	}
	partner, ok := room.other(id)
	if !ok {
		m.log.Warn("room missing partner", "room_id", room.ID, "conn_id", id)
		return
	}

	room.state = roomDissolving
	if partner.state == StatePaired {
		partner.state = StateIdle
	}
	m.metrics.Inc(metrics.RoomsDissolved)
	m.log.Info("room dissolving", "room_id", room.ID, "partner", partner.ID)
	partner.send(Event{Type: EventRoomRemoved})

	m.sched.AfterFunc(m.grace, func() {
		m.rooms.remove(room)
		if live := m.clients[partner.ID]; live == partner {
			then(partner)
			return
		}
		then(nil)
	})
}

// requeue puts a still-connected idle client back in the pool and pairs.
func (m *Matcher) requeue(id ConnID) {
	c, ok := m.clients[id]
	if !ok {
		m.metrics.Inc(metrics.RequeueSkipped)
		m.log.Debug("requeue skipped: client gone", "conn_id", id)
		return
	}
	if c.state != StateIdle || m.pool.contains(id) {
		m.metrics.Inc(metrics.RequeueSkipped)
		m.log.Debug("requeue skipped", "conn_id", id, "state", c.state)
		return
	}

	c.state = StateQueued
	m.pool.push(id)
	m.metrics.Inc(metrics.Requeues)
	m.log.Info("client requeued", "conn_id", id, "pool", m.pool.len())
	m.pair()
}
