package core

import (
	"strings"
	"sync"
)

// wildcardKey is the universal subscription key.
const wildcardKey = "*"

// SubscriptionRegistry tracks per-client key subscriptions and enforces
// access control, per spec.md §4.3. Reads vastly outnumber writes, so a
// single RWMutex suffices.
type SubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[ClientID]map[string]struct{}
}

// NewSubscriptionRegistry constructs an empty registry.
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[ClientID]map[string]struct{})}
}

// Subscribe adds keys to clientID's subscription set.
func (r *SubscriptionRegistry) Subscribe(clientID ClientID, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[clientID]
	if !ok {
		set = make(map[string]struct{})
		r.subs[clientID] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

// Unsubscribe removes keys from clientID's subscription set. A nil/empty
// keys slice removes the client entirely.
func (r *SubscriptionRegistry) Unsubscribe(clientID ClientID, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[clientID]
	if !ok {
		return
	}
	if len(keys) == 0 {
		delete(r.subs, clientID)
		return
	}
	for _, k := range keys {
		delete(set, k)
	}
	if len(set) == 0 {
		delete(r.subs, clientID)
	}
}

// RemoveClient drops all subscriptions for clientID, e.g. on channel close.
func (r *SubscriptionRegistry) RemoveClient(clientID ClientID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, clientID)
}

// SubscriptionsFor returns a snapshot of clientID's subscribed keys.
func (r *SubscriptionRegistry) SubscriptionsFor(clientID ClientID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.subs[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// IsSubscribedToKey reports whether clientID's subscriptions cover key k.
// Per spec.md §4.3: true when "*", k itself, any prefix segment of k, or
// any subscription of which k is a prefix, is present in the set.
func (r *SubscriptionRegistry) IsSubscribedToKey(clientID ClientID, k string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.subs[clientID]
	if !ok {
		return false
	}
	return subscriptionsCoverKey(set, k)
}

func subscriptionsCoverKey(set map[string]struct{}, k string) bool {
	if _, ok := set[wildcardKey]; ok {
		return true
	}
	if _, ok := set[k]; ok {
		return true
	}
	for sub := range set {
		if isDottedPrefix(sub, k) || isDottedPrefix(k, sub) {
			return true
		}
	}
	return false
}

// isDottedPrefix reports whether prefix is a strict dotted-path ancestor of
// full, e.g. isDottedPrefix("user", "user.profile.name") == true.
func isDottedPrefix(prefix, full string) bool {
	if prefix == "" || prefix == full {
		return false
	}
	return strings.HasPrefix(full, prefix+".")
}

// GetSubscribedClients returns the clients whose subscriptions cover any of
// stateKeys, for targeted broadcasts.
func (r *SubscriptionRegistry) GetSubscribedClients(stateKeys []string) []ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ClientID
	for clientID, set := range r.subs {
		for _, k := range stateKeys {
			if subscriptionsCoverKey(set, k) {
				out = append(out, clientID)
				break
			}
		}
	}
	return out
}

// AllClients returns every client with at least one subscription.
func (r *SubscriptionRegistry) AllClients() []ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientID, 0, len(r.subs))
	for clientID := range r.subs {
		out = append(out, clientID)
	}
	return out
}
