package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/varta-chat/varta-server/internal/matchmaking"
)

// Client → server message types.
const (
	messageTypeOffer     = matchmaking.EventOffer
	messageTypeAnswer    = matchmaking.EventAnswer
	messageTypeCandidate = matchmaking.EventAddICECandidate
	messageTypeUserExit  = "user-exit"
)

var (
	errUnsupportedType  = errors.New("signaling: unsupported message type")
	errMissingPayload   = errors.New("signaling: missing payload")
	errPayloadNotObject = errors.New("signaling: payload is not an object")
)

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// relayHeader is the only part of a relayed payload the server reads. The
// session description and candidate are opaque.
type relayHeader struct {
	RoomID *json.RawMessage `json:"roomId"`
}

type userExitPayload struct {
	Name string `json:"name,omitempty"`
}

// inbound is a validated client message. For relayed kinds, raw is the exact
// payload the client sent.
type inbound struct {
	kind   string
	roomID matchmaking.RoomID
	raw    json.RawMessage
}

func (m inbound) relayKind() (matchmaking.RelayKind, bool) {
	k := matchmaking.RelayKind(m.kind)
	return k, k.Valid()
}

func parseInbound(data []byte) (inbound, error) {
	var env envelope
	if err := decodeStrictJSON(data, &env); err != nil {
		return inbound{}, err
	}

	switch env.Type {
	case messageTypeOffer, messageTypeAnswer, messageTypeCandidate:
		roomID, err := decodeRoomID(env.Payload)
		if err != nil {
			return inbound{}, err
		}
		return inbound{kind: env.Type, roomID: roomID, raw: env.Payload}, nil

	case messageTypeUserExit:
		if len(env.Payload) > 0 && !bytes.Equal(env.Payload, []byte("null")) {
			var p userExitPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return inbound{}, err
			}
		}
		return inbound{kind: env.Type}, nil

	default:
		return inbound{}, fmt.Errorf("%w %q", errUnsupportedType, env.Type)
	}
}

// decodeRoomID requires a JSON object payload carrying a valid roomId.
func decodeRoomID(raw json.RawMessage) (matchmaking.RoomID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errMissingPayload
	}
	if raw[0] != '{' {
		return 0, errPayloadNotObject
	}
	var hdr relayHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return 0, err
	}
	if hdr.RoomID == nil {
		return 0, matchmaking.ErrInvalidRoomID
	}
	var id matchmaking.RoomID
	if err := id.UnmarshalJSON(*hdr.RoomID); err != nil {
		return 0, err
	}
	return id, nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("signaling: unexpected trailing data")
	}
	return nil
}
