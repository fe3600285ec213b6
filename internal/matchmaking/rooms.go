package matchmaking

type roomState int

const (
	roomActive roomState = iota
	roomDissolving
)

// Room holds exactly two distinct occupants.
type Room struct {
	ID    RoomID
	A     *Client
	B     *Client
	state roomState
}

// other returns the occupant that is not id. ok is false when id is not an
// occupant.
func (r *Room) other(id ConnID) (*Client, bool) {
	switch id {
	case r.A.ID:
		return r.B, true
	case r.B.ID:
		return r.A, true
	default:
		return nil, false
	}
}

type roomRegistry struct {
	nextID RoomID
	rooms  map[RoomID]*Room
	byConn map[ConnID]RoomID
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		rooms:  make(map[RoomID]*Room),
		byConn: make(map[ConnID]RoomID),
	}
}

// create panics if a and b are the same client; callers check first.
func (rr *roomRegistry) create(a, b *Client) *Room {
	if a == nil || b == nil || a.ID == b.ID {
		panic("matchmaking: room requires two distinct clients")
	}
	rr.nextID++
	room := &Room{ID: rr.nextID, A: a, B: b}
	rr.rooms[room.ID] = room
	rr.byConn[a.ID] = room.ID
	rr.byConn[b.ID] = room.ID
	return room
}

func (rr *roomRegistry) get(id RoomID) *Room {
	return rr.rooms[id]
}

func (rr *roomRegistry) byConnection(id ConnID) *Room {
	roomID, ok := rr.byConn[id]
	if !ok {
		return nil
	}
	return rr.rooms[roomID]
}

func (rr *roomRegistry) remove(room *Room) bool {
	if rr.rooms[room.ID] != room {
		return false
	}
	delete(rr.rooms, room.ID)
	for _, c := range [2]*Client{room.A, room.B} {
		if rr.byConn[c.ID] == room.ID {
			delete(rr.byConn, c.ID)
		}
	}
	return true
}

func (rr *roomRegistry) len() int { return len(rr.rooms) }
