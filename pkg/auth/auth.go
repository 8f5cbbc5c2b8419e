// Package auth implements the connection-time authentication handshake.
//
// A connecting socket presents a claimed user ID out of band from the
// REST cookie session. The authenticator admits the connection only when
// the claim resolves to a live user in the external directory; there is
// no anonymous admission in any mode.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jamlink-dev/jamlink/pkg/directory"
)

// Sentinel errors for handshake refusal.
var (
	// ErrNotAuthenticated is returned when no user ID claim is presented.
	ErrNotAuthenticated = errors.New("auth: not authenticated")

	// ErrUnknownUser is returned when a claim does not resolve to a live user.
	ErrUnknownUser = errors.New("auth: unknown user")
)

// Error wraps a refusal with the claim that caused it.
type Error struct {
	ClaimedID string
	Err       error
}

// Error returns the error message with the offending claim.
func (e *Error) Error() string {
	if e.ClaimedID == "" {
		return fmt.Sprintf("auth: connection refused: %v", e.Err)
	}
	return fmt.Sprintf("auth: connection refused for claim %q: %v", e.ClaimedID, e.Err)
}

// Unwrap returns the underlying sentinel for errors.Is.
func (e *Error) Unwrap() error { return e.Err }

// Config configures the Authenticator.
type Config struct {
	// AllowUnverified enables the relaxed non-production mode. The claim
	// is not cross-checked against the cookie session, but it must still
	// resolve to a real user; an absent claim is rejected identically in
	// both modes.
	AllowUnverified bool
}

// DefaultConfig returns the strict production configuration.
func DefaultConfig() *Config {
	return &Config{AllowUnverified: false}
}

// Authenticator validates a connection's identity claim against the
// external user directory before admission.
type Authenticator struct {
	dir    directory.Directory
	config *Config
	logger *slog.Logger
}

// New creates an Authenticator backed by the given directory.
func New(dir directory.Directory, config *Config, logger *slog.Logger) *Authenticator {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		dir:    dir,
		config: config,
		logger: logger.With("component", "authenticator"),
	}
}

// Authenticate resolves the claimed user ID. It returns the user on
// success, or an *Error wrapping ErrNotAuthenticated / ErrUnknownUser.
// Failure has no side effects anywhere else in the core.
func (a *Authenticator) Authenticate(ctx context.Context, claimedUserID string) (*directory.User, error) {
	if claimedUserID == "" {
		a.logger.Warn("connection refused: no identity claim")
		return nil, &Error{Err: ErrNotAuthenticated}
	}

	user, err := a.dir.GetUserByID(ctx, claimedUserID)
	if err != nil {
		a.logger.Warn("connection refused: directory lookup failed",
			"user_id", claimedUserID,
			"error", err)
		return nil, &Error{ClaimedID: claimedUserID, Err: ErrUnknownUser}
	}
	if user.Deleted {
		a.logger.Warn("connection refused: user deleted", "user_id", claimedUserID)
		return nil, &Error{ClaimedID: claimedUserID, Err: ErrUnknownUser}
	}

	if a.config.AllowUnverified {
		a.logger.Debug("relaxed mode: claim admitted without session verification",
			"user_id", claimedUserID)
	} else {
		a.logger.Info("user authenticated", "user_id", claimedUserID)
	}

	return user, nil
}
