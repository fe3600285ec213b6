package signaling

import (
	"encoding/json"
	"testing"
)

func FuzzParseInbound(f *testing.F) {
	f.Add([]byte(`{"type":"offer","payload":{"sdp":{"type":"offer","sdp":"v=0"},"roomId":"12"}}`))
	f.Add([]byte(`{"type":"answer","payload":{"sdp":"v=0","roomId":3}}`))
	f.Add([]byte(`{"type":"add-ice-candidate","payload":{"candidate":null,"type":"sender","roomId":"7"}}`))
	f.Add([]byte(`{"type":"user-exit","payload":{"name":"Asha"}}`))
	f.Add([]byte(`{"type":"user-exit"}`))

	f.Add([]byte(`{"type":"offer","payload":"v=0"}`))
	f.Add([]byte(`{"type":"offer","payload":{"roomId":"0"}}`))
	f.Add([]byte(`{"type":"join"}`))
	f.Add([]byte(`{"type":"user-exit"}{"type":"user-exit"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := parseInbound(data)
		msg2, err2 := parseInbound(data)
		if (err == nil) != (err2 == nil) {
			t.Fatalf("non-deterministic: err=%v err2=%v", err, err2)
		}
		if err != nil {
			return
		}
		if msg.kind != msg2.kind || msg.roomID != msg2.roomID || string(msg.raw) != string(msg2.raw) {
			t.Fatalf("non-deterministic output: %#v vs %#v", msg, msg2)
		}

		if _, relayed := msg.relayKind(); relayed {
			if msg.roomID == 0 {
				t.Fatalf("relayed %q with zero room id", msg.kind)
			}
			if !json.Valid(msg.raw) {
				t.Fatalf("raw payload is not valid JSON: %q", msg.raw)
			}
		} else if msg.kind != messageTypeUserExit || msg.raw != nil {
			t.Fatalf("unexpected non-relay message: %#v", msg)
		}

		// Re-encoding the envelope must parse to the same message.
		b, err := json.Marshal(envelope{Type: msg.kind, Payload: msg.raw})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		round, err := parseInbound(b)
		if err != nil {
			t.Fatalf("re-parse %s: %v", b, err)
		}
		if round.kind != msg.kind || round.roomID != msg.roomID {
			t.Fatalf("round trip: %#v -> %#v", msg, round)
		}
	})
}
