package core

import (
	"sync"
	"time"
)

// PendingStateUpdate is a single broadcast transaction, per spec.md §3.
type PendingStateUpdate struct {
	UpdateID  string
	ThunkID   ThunkID
	ClientIDs map[ClientID]struct{}
	AckedBy   map[ClientID]struct{}
	CreatedAt time.Time

	done     chan struct{}
	doneOnce sync.Once
}

func (p *PendingStateUpdate) allAcked() bool {
	for c := range p.ClientIDs {
		if _, ok := p.AckedBy[c]; !ok {
			return false
		}
	}
	return true
}

func (p *PendingStateUpdate) markDone() {
	p.doneOnce.Do(func() { close(p.done) })
}

// StateUpdateTracker holds in-flight broadcasts open until every subscribed
// client acknowledges (or the update is reaped), per spec.md §4.4 /
// invariant 3.
type StateUpdateTracker struct {
	mu      sync.Mutex
	updates map[string]*PendingStateUpdate
}

// NewStateUpdateTracker constructs an empty tracker.
func NewStateUpdateTracker() *StateUpdateTracker {
	return &StateUpdateTracker{updates: make(map[string]*PendingStateUpdate)}
}

// RegisterUpdate records a new broadcast and returns a channel closed once
// every client has acknowledged (or the update is reaped). An update with
// no recipients is immediately done.
func (t *StateUpdateTracker) RegisterUpdate(updateID string, thunkID ThunkID, clientIDs []ClientID, now time.Time) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	set := make(map[ClientID]struct{}, len(clientIDs))
	for _, c := range clientIDs {
		set[c] = struct{}{}
	}

	pu := &PendingStateUpdate{
		UpdateID:  updateID,
		ThunkID:   thunkID,
		ClientIDs: set,
		AckedBy:   make(map[ClientID]struct{}),
		CreatedAt: now,
		done:      make(chan struct{}),
	}
	t.updates[updateID] = pu

	if pu.allAcked() {
		pu.markDone()
		delete(t.updates, updateID)
	}
	return pu.done
}

// Acknowledge records clientID's ack for updateID. Returns whether every
// recipient has now acknowledged. Acknowledging an unknown (already
// completed/reaped) update is a harmless no-op returning true.
func (t *StateUpdateTracker) Acknowledge(updateID string, clientID ClientID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	pu, ok := t.updates[updateID]
	if !ok {
		return true
	}
	pu.AckedBy[clientID] = struct{}{}
	if pu.allAcked() {
		pu.markDone()
		delete(t.updates, updateID)
		return true
	}
	return false
}

// ThunkIDFor returns the thunk id an in-flight update is tagged with, and
// whether the update is still outstanding at all.
func (t *StateUpdateTracker) ThunkIDFor(updateID string) (ThunkID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pu, ok := t.updates[updateID]
	if !ok {
		return "", false
	}
	return pu.ThunkID, true
}

// HasPendingFor reports whether any update tagged with thunkID is still
// outstanding.
func (t *StateUpdateTracker) HasPendingFor(thunkID ThunkID) bool {
	if thunkID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pu := range t.updates {
		if pu.ThunkID == thunkID {
			return true
		}
	}
	return false
}

// ReapedUpdate identifies an update CleanupExpired forced to completion.
type ReapedUpdate struct {
	UpdateID string
	ThunkID  ThunkID
}

// CleanupExpired reaps updates older than maxAge as of now, treating their
// outstanding acknowledgments as received. Idempotent: already-reaped
// updates are simply absent from the map and cost nothing to "re-reap".
func (t *StateUpdateTracker) CleanupExpired(maxAge time.Duration, now time.Time) []ReapedUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []ReapedUpdate
	for id, pu := range t.updates {
		if now.Sub(pu.CreatedAt) >= maxAge {
			pu.markDone()
			reaped = append(reaped, ReapedUpdate{UpdateID: id, ThunkID: pu.ThunkID})
			delete(t.updates, id)
		}
	}
	return reaped
}

// PendingCount reports how many updates are currently outstanding, used for
// metrics.
func (t *StateUpdateTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.updates)
}
