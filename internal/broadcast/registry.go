// Package broadcast maps chats to the live sessions subscribed to them and
// fans frames out to those sessions.
package broadcast

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscriber is a live connection that can receive frames.
type Subscriber interface {
	// ID uniquely identifies the subscriber for its lifetime.
	ID() string
	// Deliver enqueues frame without blocking. It returns false when the
	// frame was not accepted.
	Deliver(frame []byte) bool
}

// GroupName returns the group name of a chat.
func GroupName(chatID int64) string {
	return fmt.Sprintf("chat_%d", chatID)
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Groups      int    `json:"groups"`
	Memberships int    `json:"memberships"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Registry holds chat membership for live subscribers. The lock only guards
// the map; delivery happens on a snapshot taken under the read lock.
type Registry struct {
	mu     sync.RWMutex
	groups map[int64]map[string]Subscriber

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[int64]map[string]Subscriber),
	}
}

// Join adds sub to the chat's group. Joining twice is a no-op.
func (r *Registry) Join(chatID int64, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.groups[chatID]
	if !ok {
		members = make(map[string]Subscriber)
		r.groups[chatID] = members
	}
	members[sub.ID()] = sub
}

// Leave removes the subscriber from the chat's group. Leaving a group the
// subscriber is not in is a no-op.
func (r *Registry) Leave(chatID int64, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(chatID, subscriberID)
}

// LeaveAll removes the subscriber from every listed chat.
func (r *Registry) LeaveAll(subscriberID string, chatIDs []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range chatIDs {
		r.leaveLocked(id, subscriberID)
	}
}

func (r *Registry) leaveLocked(chatID int64, subscriberID string) {
	members, ok := r.groups[chatID]
	if !ok {
		return
	}
	delete(members, subscriberID)
	if len(members) == 0 {
		delete(r.groups, chatID)
	}
}

// Publish delivers frame to every member of the chat except excludeID
// (empty excludes nobody) and returns how many members accepted it.
// A member that refuses the frame does not affect the others.
func (r *Registry) Publish(chatID int64, frame []byte, excludeID string) int {
	r.mu.RLock()
	members := make([]Subscriber, 0, len(r.groups[chatID]))
	for id, sub := range r.groups[chatID] {
		if id == excludeID {
			continue
		}
		members = append(members, sub)
	}
	r.mu.RUnlock()

	accepted := 0
	for _, sub := range members {
		if sub.Deliver(frame) {
			accepted++
			continue
		}
		r.dropped.Add(1)
		slog.Debug("Frame not delivered", "group", GroupName(chatID), "subscriber", sub.ID())
	}
	r.delivered.Add(uint64(accepted))
	return accepted
}

// IsMember reports whether the subscriber is in the chat's group.
func (r *Registry) IsMember(chatID int64, subscriberID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.groups[chatID][subscriberID]
	return ok
}

// Stats returns group and delivery counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	groups := len(r.groups)
	memberships := 0
	for _, m := range r.groups {
		memberships += len(m)
	}
	r.mu.RUnlock()

	return Stats{
		Groups:      groups,
		Memberships: memberships,
		Delivered:   r.delivered.Load(),
		Dropped:     r.dropped.Load(),
	}
}
