package live

import (
	"net/http"
	"time"
)

// Config holds the tunables for the live WebSocket layer. The transport
// timings are deliberately conservative: the heartbeat interval is half
// the idle timeout, so a connection survives one lost probe, and the
// recovery window matches the heartbeat interval so a refreshing client
// reconnects before its seat is given up.
type Config struct {
	// Address is the listen address for the HTTP server.
	Address string

	// HeartbeatInterval is how often the server pings an idle connection.
	// Default: 10 seconds.
	HeartbeatInterval time.Duration

	// IdleTimeout closes a connection that produced no traffic (including
	// pong frames) for this long. Default: 20 seconds.
	IdleTimeout time.Duration

	// HandshakeTimeout bounds the wait for the first client message after
	// the transport upgrade. Default: 10 seconds.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds every individual write to the transport.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// RecoveryWindow is how long a dropped connection may be resumed
	// before its member seat is released. Default: 10 seconds.
	RecoveryWindow time.Duration

	// ShutdownTimeout bounds graceful HTTP shutdown. Default: 10 seconds.
	ShutdownTimeout time.Duration

	// MaxMessageSize caps an inbound frame in bytes. Default: 512 KiB,
	// sized for a full song sheet in a selectSong payload.
	MaxMessageSize int64

	// ReadBufferSize and WriteBufferSize are passed to the upgrader.
	ReadBufferSize  int
	WriteBufferSize int

	// EchoToSender, when set, includes the issuing connection in song
	// broadcasts. Off by default: the issuer already applied the change
	// locally and only its group peers need the event.
	EchoToSender bool

	// CheckOrigin validates the Origin header during upgrade. The default
	// accepts all origins; identity is established by the handshake, not
	// the origin.
	CheckOrigin func(*http.Request) bool
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":4000",
		HeartbeatInterval: 10 * time.Second,
		IdleTimeout:       20 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		RecoveryWindow:    10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxMessageSize:    512 * 1024,
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       func(*http.Request) bool { return true },
	}
}

// withDefaults returns a copy with unset fields filled from
// DefaultConfig. The receiver is left untouched.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	d := DefaultConfig()
	if out.Address == "" {
		out.Address = d.Address
	}
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = d.HeartbeatInterval
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = d.IdleTimeout
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = d.HandshakeTimeout
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = d.WriteTimeout
	}
	if out.RecoveryWindow == 0 {
		out.RecoveryWindow = d.RecoveryWindow
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = d.ShutdownTimeout
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = d.MaxMessageSize
	}
	if out.ReadBufferSize == 0 {
		out.ReadBufferSize = d.ReadBufferSize
	}
	if out.WriteBufferSize == 0 {
		out.WriteBufferSize = d.WriteBufferSize
	}
	if out.CheckOrigin == nil {
		out.CheckOrigin = d.CheckOrigin
	}
	return &out
}
