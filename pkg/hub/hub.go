// Package hub implements the broadcast dispatcher: fan-out of server
// events to exactly the connections belonging to one group.
//
// Only connections currently registered (Active, not Suspended) receive
// events. Delivery is best effort: there is no retry and no queueing; a
// recipient whose transport is not writable has the event dropped and
// catches up on its next checkActiveSong or the next broadcast.
package hub

import (
	"log/slog"
	"sync"

	"github.com/jamlink-dev/jamlink/pkg/protocol"
)

// Recipient is a registered connection able to receive server events.
// Deliver must not block: it either hands the event to the transport or
// returns an error, in which case the event is dropped for that
// recipient.
type Recipient interface {
	ConnID() string
	Deliver(ev protocol.ServerEvent) error
}

// Dispatcher fans events out to the connections of a group.
type Dispatcher struct {
	mu     sync.RWMutex
	groups map[string]map[string]Recipient

	logger *slog.Logger

	// onDrop, when set, is invoked once per failed delivery.
	onDrop func(groupID, connID string)
}

// New creates an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		groups: make(map[string]map[string]Recipient),
		logger: logger.With("component", "dispatcher"),
	}
}

// SetOnDrop sets the delivery-failure callback. Call before the
// dispatcher is shared between goroutines.
func (d *Dispatcher) SetOnDrop(fn func(groupID, connID string)) {
	d.onDrop = fn
}

// Register adds a recipient to a group's delivery set. A suspended
// connection must be unregistered; re-register on resume.
func (d *Dispatcher) Register(groupID string, r Recipient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.groups[groupID] == nil {
		d.groups[groupID] = make(map[string]Recipient)
	}
	d.groups[groupID][r.ConnID()] = r
}

// Unregister removes a connection from a group's delivery set. The
// group entry is cleaned up when its last recipient is removed.
func (d *Dispatcher) Unregister(groupID, connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok := d.groups[groupID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(d.groups, groupID)
		}
	}
}

// Publish delivers ev to every registered connection of groupID except
// those listed in exclude. Order across recipients is unspecified.
// Failed deliveries are dropped silently and never surfaced to the
// sender.
func (d *Dispatcher) Publish(groupID string, ev protocol.ServerEvent, exclude ...string) {
	d.mu.RLock()
	set := d.groups[groupID]
	recipients := make([]Recipient, 0, len(set))
	for connID, r := range set {
		if contains(exclude, connID) {
			continue
		}
		recipients = append(recipients, r)
	}
	d.mu.RUnlock()

	for _, r := range recipients {
		if err := r.Deliver(ev); err != nil {
			d.logger.Debug("broadcast delivery dropped",
				"group_id", groupID,
				"conn_id", r.ConnID(),
				"event", ev.Type,
				"error", err)
			if d.onDrop != nil {
				d.onDrop(groupID, r.ConnID())
			}
		}
	}
}

// RecipientCount returns how many connections are registered for a group.
func (d *Dispatcher) RecipientCount(groupID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.groups[groupID])
}

// Clear removes every registration. Used by the server-wide reset.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = make(map[string]map[string]Recipient)
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
