// Package directory defines the external user directory collaborator.
//
// The live session core never owns user or group records; it only reads
// them at connection-authentication time through the Directory interface.
// Production deployments back this with the account service; tests and
// the dev server use MemoryDirectory.
package directory

import (
	"context"
	"errors"
	"sync"
)

// ErrUserNotFound is returned when no user exists for the given ID.
var ErrUserNotFound = errors.New("directory: user not found")

// User is the read-only view of an account as seen by the live core.
type User struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Instrument  string `json:"instrument,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Deleted     bool   `json:"-"`
}

// Directory resolves user IDs to users. Implementations must be safe for
// concurrent use and must not hold any lock the live core depends on.
type Directory interface {
	// GetUserByID returns the user for id, or ErrUserNotFound.
	GetUserByID(ctx context.Context, id string) (*User, error)
}

// MemoryDirectory is an in-memory Directory for tests and development.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]User)}
}

// Add inserts or replaces a user.
func (d *MemoryDirectory) Add(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// Remove deletes a user by ID.
func (d *MemoryDirectory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.users, id)
}

// GetUserByID implements Directory.
func (d *MemoryDirectory) GetUserByID(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	copy := u
	return &copy, nil
}
