package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClientEvent(t *testing.T) {
	ev, err := DecodeClientEvent([]byte(`{"type":"selectSong","payload":{"song":{"id":"s1"}}}`))
	if err != nil {
		t.Fatalf("DecodeClientEvent: %v", err)
	}
	if ev.Type != EventSelectSong {
		t.Errorf("Type = %q, want selectSong", ev.Type)
	}

	var p SelectSongPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Song.ID != "s1" {
		t.Errorf("song id = %q, want s1", p.Song.ID)
	}
}

func TestDecodeClientEventWithoutPayload(t *testing.T) {
	for _, typ := range []string{EventQuitSong, EventCheckActiveSong, EventHeartbeat} {
		ev, err := DecodeClientEvent([]byte(`{"type":"` + typ + `"}`))
		if err != nil {
			t.Errorf("%s: %v", typ, err)
			continue
		}
		if ev.Type != typ {
			t.Errorf("Type = %q, want %q", ev.Type, typ)
		}
	}
}

func TestDecodeClientEventUnknownType(t *testing.T) {
	ev, err := DecodeClientEvent([]byte(`{"type":"danceParty"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("error = %v, want ErrUnknownEvent", err)
	}
	if ev == nil || ev.Type != "danceParty" {
		t.Error("the offending type should still be returned for the error event")
	}
}

func TestDecodeClientEventInvalid(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"payload":{}}`} {
		if _, err := DecodeClientEvent([]byte(raw)); !errors.Is(err, ErrInvalidFrame) {
			t.Errorf("%q: error = %v, want ErrInvalidFrame", raw, err)
		}
	}
}

func TestDecodeHandshake(t *testing.T) {
	h, err := DecodeHandshake([]byte(`{"userId":"u1"}`))
	if err != nil {
		t.Fatalf("DecodeHandshake: %v", err)
	}
	if h.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", h.UserID)
	}

	h, err = DecodeHandshake([]byte(`{}`))
	if err != nil {
		t.Fatalf("empty handshake should decode: %v", err)
	}
	if h.UserID != "" {
		t.Errorf("UserID = %q, want empty", h.UserID)
	}

	if _, err := DecodeHandshake([]byte(`nope`)); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("error = %v, want ErrInvalidFrame", err)
	}
}

func TestNewErrorEvent(t *testing.T) {
	ev := NewError(CodeNotReady, "handshake not complete")
	if ev.Type != EventError {
		t.Errorf("Type = %q, want error", ev.Type)
	}
	p, ok := ev.Payload.(ErrorPayload)
	if !ok {
		t.Fatalf("payload type = %T", ev.Payload)
	}
	if p.Code != CodeNotReady {
		t.Errorf("Code = %q, want not_ready", p.Code)
	}
}

func TestSnapshotPayloadNullSong(t *testing.T) {
	data, err := json.Marshal(SnapshotPayload{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"song":null}` {
		t.Errorf("empty snapshot = %s, want {\"song\":null}", data)
	}
}
