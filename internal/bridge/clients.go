package bridge

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goosewobbler/zubridge-sub002/internal/core"
	"github.com/goosewobbler/zubridge-sub002/internal/logging"
)

// Channel is the minimal transport contract a connected client needs: push
// a framed message, and report when the underlying connection is gone.
type Channel interface {
	Send(msg []byte) error
	Close() error
}

// ClientInfo tracks one connected client's channel handle.
type ClientInfo struct {
	ID          core.ClientID
	Channel     Channel
	ConnectedAt time.Time
}

// ClientTracker is an LRU-bounded registry of connected clients, sized by
// resourceManagement.maxSubscriptionManagers: past the bound, the
// least-recently-used client (by Register or Get) is evicted (its channel
// closed, its subscriptions dropped) rather than letting the tracker grow
// unbounded.
type ClientTracker struct {
	mu      sync.Mutex
	cache   *lru.Cache[core.ClientID, *ClientInfo]
	onEvict func(core.ClientID)
	logger  logging.Logger
}

// NewClientTracker constructs a tracker capped at maxClients (default 4096).
// onEvict, if non-nil, runs after a client leaves the tracker, whether
// evicted to make room or dropped by Remove; the client's channel is closed
// in both cases.
func NewClientTracker(maxClients int, onEvict func(core.ClientID), logger logging.Logger) (*ClientTracker, error) {
	if maxClients <= 0 {
		maxClients = 4096
	}
	t := &ClientTracker{onEvict: onEvict, logger: logging.OrNop(logger)}
	cache, err := lru.NewWithEvict[core.ClientID, *ClientInfo](maxClients, func(id core.ClientID, info *ClientInfo) {
		if info.Channel != nil {
			_ = info.Channel.Close()
		}
		t.logger.Warn("evicted client %s to stay within tracker capacity", id)
		if t.onEvict != nil {
			t.onEvict(id)
		}
	})
	if err != nil {
		return nil, err
	}
	t.cache = cache
	return t, nil
}

// Register adds or replaces a client's channel handle.
func (t *ClientTracker) Register(info *ClientInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Add(info.ID, info)
}

// Get returns a client's info, if still tracked.
func (t *ClientTracker) Get(id core.ClientID) (*ClientInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Get(id)
}

// Remove drops a client, e.g. on disconnect.
func (t *ClientTracker) Remove(id core.ClientID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Remove(id)
}

// All returns a snapshot of every tracked client id.
func (t *ClientTracker) All() []core.ClientID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Keys()
}

// Len reports how many clients are currently tracked.
func (t *ClientTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cache.Len()
}
