// Package registry holds the in-memory source of truth for group
// sessions: which song is active for a group and which members are
// present. It is the only shared mutable structure in the live core.
//
// Every mutating operation is atomic with respect to other operations on
// the same group: each group record carries its own mutex, so unrelated
// groups never contend. The outer map lock is held only long enough to
// look up or insert a record. All mutations return the resulting
// snapshot so the dispatcher can push a consistent view without a
// second read.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jamlink-dev/jamlink/pkg/song"
)

// ErrUnknownGroup is returned when a mutation targets a group that has
// no record. This is a protocol-level rejection, never a crash.
var ErrUnknownGroup = errors.New("registry: unknown group")

// ActiveSong is the song currently shared by a group, with selection
// provenance. The song content is opaque to the registry.
type ActiveSong struct {
	Song       song.Song `json:"song"`
	SelectedBy string    `json:"selectedBy"`
	SelectedAt time.Time `json:"at"`
}

// Snapshot is a consistent view of one group's state, taken under the
// group lock at the end of a mutation.
type Snapshot struct {
	GroupID string
	Active  *ActiveSong
	Members []string
}

// groupState is one group's record. The mutex serializes every mutation
// for the group; members is a refcount per user so a user with several
// live connections stays present until the last one is finally removed.
type groupState struct {
	mu         sync.Mutex
	id         string
	active     *ActiveSong
	members    map[string]int
	emptySince time.Time
}

func (g *groupState) snapshotLocked() Snapshot {
	members := make([]string, 0, len(g.members))
	for id := range g.members {
		members = append(members, id)
	}
	sort.Strings(members)

	var active *ActiveSong
	if g.active != nil {
		copy := *g.active
		active = &copy
	}

	return Snapshot{GroupID: g.id, Active: active, Members: members}
}

// Config configures the Registry.
type Config struct {
	// Retention is how long an empty group's record (and its lingering
	// active song) is kept before the cleanup loop reaps it.
	// Default: 1 hour.
	Retention time.Duration

	// CleanupInterval is how often the cleanup loop runs.
	// Default: 1 minute.
	CleanupInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Retention:       time.Hour,
		CleanupInterval: time.Minute,
	}
}

// Registry is the group session registry. Construct it explicitly with
// New and pass it into the connection-handling pipeline; it is never a
// process-wide singleton.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*groupState

	config *Config
	logger *slog.Logger

	done        chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// New creates a Registry and starts its cleanup loop.
func New(config *Config, logger *slog.Logger) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		groups:      make(map[string]*groupState),
		config:      config,
		logger:      logger.With("component", "registry"),
		done:        make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// group returns the record for groupID, creating it when create is set.
func (r *Registry) group(groupID string, create bool) *groupState {
	r.mu.RLock()
	g := r.groups[groupID]
	r.mu.RUnlock()
	if g != nil || !create {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g = r.groups[groupID]; g == nil {
		g = &groupState{id: groupID, members: make(map[string]int)}
		r.groups[groupID] = g
	}
	return g
}

// Join adds userID to the group's connected set, creating the group
// record lazily. It is idempotent for presence: joined reports whether
// the user was newly added (false when this is an additional connection
// for an already-present user).
func (r *Registry) Join(groupID, userID string) (Snapshot, bool) {
	g := r.group(groupID, true)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.members[userID]++
	g.emptySince = time.Time{}
	joined := g.members[userID] == 1

	if joined {
		r.logger.Debug("member joined", "group_id", groupID, "user_id", userID)
	}

	return g.snapshotLocked(), joined
}

// Leave removes one connection's worth of presence for userID. left
// reports whether the user is now fully absent from the group. The
// active song is deliberately left untouched when the set empties:
// group state is not reset by churn, only by the retention sweep.
func (r *Registry) Leave(groupID, userID string) (Snapshot, bool, error) {
	g := r.group(groupID, false)
	if g == nil {
		return Snapshot{}, false, ErrUnknownGroup
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	left := false
	if g.members[userID] > 0 {
		g.members[userID]--
		if g.members[userID] == 0 {
			delete(g.members, userID)
			left = true
		}
	}
	if len(g.members) == 0 && g.emptySince.IsZero() {
		g.emptySince = time.Now()
	}

	if left {
		r.logger.Debug("member left", "group_id", groupID, "user_id", userID)
	}

	return g.snapshotLocked(), left, nil
}

// SelectSong overwrites the group's active song unconditionally:
// last-writer-wins, with no ownership lock on who may change the song.
func (r *Registry) SelectSong(groupID, userID string, s song.Song) (Snapshot, error) {
	g := r.group(groupID, false)
	if g == nil {
		return Snapshot{}, ErrUnknownGroup
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.active = &ActiveSong{
		Song:       s,
		SelectedBy: userID,
		SelectedAt: time.Now(),
	}

	r.logger.Info("song selected",
		"group_id", groupID,
		"user_id", userID,
		"song_id", s.ID)

	return g.snapshotLocked(), nil
}

// QuitSong clears the active song. Any member may clear it, not only
// the selector. cleared reports whether there was a song to clear; a
// second quit is a state no-op, never an error.
func (r *Registry) QuitSong(groupID, userID string) (Snapshot, bool, error) {
	g := r.group(groupID, false)
	if g == nil {
		return Snapshot{}, false, ErrUnknownGroup
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cleared := g.active != nil
	g.active = nil

	if cleared {
		r.logger.Info("song cleared", "group_id", groupID, "user_id", userID)
	}

	return g.snapshotLocked(), cleared, nil
}

// ActiveSong returns the group's current active song, or nil when none
// is set or the group has no record. Used for reconnection catch-up.
func (r *Registry) ActiveSong(groupID string) *ActiveSong {
	g := r.group(groupID, false)
	if g == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == nil {
		return nil
	}
	copy := *g.active
	return &copy
}

// Members returns the group's connected user IDs, sorted.
func (r *Registry) Members(groupID string) []string {
	g := r.group(groupID, false)
	if g == nil {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked().Members
}

// ResetPresence empties every group's connected set while leaving the
// active songs in place. Used by the server-wide reset, where all
// connections are severed at once and per-user Leave accounting would
// be both redundant and racy.
func (r *Registry) ResetPresence() {
	r.mu.RLock()
	groups := make([]*groupState, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.RUnlock()

	now := time.Now()
	for _, g := range groups {
		g.mu.Lock()
		g.members = make(map[string]int)
		if g.emptySince.IsZero() {
			g.emptySince = now
		}
		g.mu.Unlock()
	}
}

// GroupCount returns the number of group records currently held.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// cleanupLoop periodically reaps group records that have been empty for
// longer than the retention period.
func (r *Registry) cleanupLoop() {
	defer close(r.cleanupDone)

	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reapEmpty()
		case <-r.done:
			return
		}
	}
}

// reapEmpty removes empty groups past retention.
func (r *Registry) reapEmpty() {
	now := time.Now()

	r.mu.Lock()
	var reaped []string
	for id, g := range r.groups {
		g.mu.Lock()
		expired := len(g.members) == 0 && !g.emptySince.IsZero() &&
			now.Sub(g.emptySince) > r.config.Retention
		g.mu.Unlock()
		if expired {
			delete(r.groups, id)
			reaped = append(reaped, id)
		}
	}
	remaining := len(r.groups)
	r.mu.Unlock()

	if len(reaped) > 0 {
		r.logger.Info("reaped empty groups",
			"count", len(reaped),
			"remaining", remaining)
	}
}

// Shutdown stops the cleanup loop and waits for it to exit.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	<-r.cleanupDone
}
