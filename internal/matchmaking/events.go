package matchmaking

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Server → client event types.
const (
	EventLobby           = "lobby"
	EventSendOffer       = "send-offer"
	EventOffer           = "offer"
	EventAnswer          = "answer"
	EventAddICECandidate = "add-ice-candidate"
	EventRoomRemoved     = "room-removed"
)

// Event is one message pushed to a client.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type LobbyPayload struct {
	Country string `json:"country"`
}

type SendOfferPayload struct {
	RoomID        RoomID `json:"roomId"`
	RemoteCountry string `json:"remoteCountry"`
	RemoteName    string `json:"remoteName"`
}

// RelayKind identifies which handshake message is being relayed. Its string
// value doubles as the outbound event type.
type RelayKind string

const (
	RelayOffer        RelayKind = EventOffer
	RelayAnswer       RelayKind = EventAnswer
	RelayICECandidate RelayKind = EventAddICECandidate
)

func (k RelayKind) Valid() bool {
	switch k {
	case RelayOffer, RelayAnswer, RelayICECandidate:
		return true
	default:
		return false
	}
}

// RoomID is unique and increasing for the lifetime of a process. It travels
// as a decimal string; numeric JSON is accepted on input.
type RoomID uint64

var ErrInvalidRoomID = errors.New("matchmaking: invalid room id")

func (id RoomID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func (id RoomID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *RoomID) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		return ErrInvalidRoomID
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return ErrInvalidRoomID
	}
	*id = RoomID(n)
	return nil
}
