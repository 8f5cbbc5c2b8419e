// Package protocol defines the JSON wire format spoken over the live
// WebSocket: the connection handshake, client commands, and server
// events. Frames are single JSON text messages; a recipient either
// observes a whole event or none of it.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jamlink-dev/jamlink/pkg/song"
)

// Client command types.
const (
	EventSelectSong      = "selectSong"
	EventQuitSong        = "quitSong"
	EventCheckActiveSong = "checkActiveSong"
	EventHeartbeat       = "heartbeat"
)

// Server event types.
const (
	EventHandshake          = "handshake"
	EventSongSelected       = "songSelected"
	EventSongCleared        = "songCleared"
	EventActiveSongSnapshot = "activeSongSnapshot"
	EventMemberJoined       = "memberJoined"
	EventMemberLeft         = "memberLeft"
	EventError              = "error"
)

// Error codes carried in Error payloads and handshake refusals.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeUnknownUser      = "unknown_user"
	CodeNotReady         = "not_ready"
	CodeUnknownGroup     = "unknown_group"
	CodeBadPayload       = "bad_payload"
	CodeUnknownEvent     = "unknown_event"
)

// Decode errors.
var (
	// ErrInvalidFrame is returned when a message is not a valid envelope.
	ErrInvalidFrame = errors.New("protocol: invalid frame")

	// ErrUnknownEvent is returned for an unrecognized event type.
	ErrUnknownEvent = errors.New("protocol: unknown event type")
)

// ClientEvent is the envelope for client-to-server messages.
type ClientEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is the envelope for server-to-client messages.
type ServerEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Handshake is the first message a client sends after the transport
// upgrade. UserID is the out-of-band identity claim; it is independent
// of the cookie session used by the REST API.
type Handshake struct {
	UserID string `json:"userId"`
}

// HandshakeAck is the server's reply to a Handshake. On refusal, Error
// carries a code and the transport is closed immediately afterwards.
type HandshakeAck struct {
	OK      bool   `json:"ok"`
	ConnID  string `json:"connId,omitempty"`
	Resumed bool   `json:"resumed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SelectSongPayload carries the song a member wants the group to view.
type SelectSongPayload struct {
	Song song.Song `json:"song"`
}

// SongSelectedPayload is broadcast to the group after a selection.
type SongSelectedPayload struct {
	Song       song.Song `json:"song"`
	SelectedBy string    `json:"selectedBy"`
	At         time.Time `json:"at"`
}

// SnapshotPayload answers a checkActiveSong query. Song is null when no
// song is active.
type SnapshotPayload struct {
	Song       *song.Song `json:"song"`
	SelectedBy string     `json:"selectedBy,omitempty"`
	At         *time.Time `json:"at,omitempty"`
}

// MemberPayload identifies the subject of a presence event.
type MemberPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload is a command rejection sent to the offending connection
// only; the connection stays open.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// DecodeClientEvent parses a raw text frame into a ClientEvent and
// validates the event type.
func DecodeClientEvent(data []byte) (*ClientEvent, error) {
	var ev ClientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch ev.Type {
	case EventSelectSong, EventQuitSong, EventCheckActiveSong, EventHeartbeat:
		return &ev, nil
	case "":
		return nil, ErrInvalidFrame
	default:
		return &ev, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
}

// DecodeHandshake parses the first client message.
func DecodeHandshake(data []byte) (*Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return &h, nil
}

// NewError builds an error event for unicast delivery.
func NewError(code, message string) ServerEvent {
	return ServerEvent{
		Type:    EventError,
		Payload: ErrorPayload{Code: code, Message: message},
	}
}
