// internal/presence/channel.go

package presence

import (
	"context"
	"sync"
)

// Broadcaster pushes a frame to everyone watching (kind, id).
type Broadcaster interface {
	Broadcast(kind, id string, data any)
}

// HubChannel streams rosters to websocket watchers. A tracker subscription
// is held while a server has at least one watcher.
type HubChannel struct {
	tracker *Tracker
	out     Broadcaster
	kind    string

	mu      sync.Mutex
	handles map[string]*Handle
}

func NewHubChannel(tracker *Tracker, out Broadcaster, kind string) *HubChannel {
	return &HubChannel{
		tracker: tracker,
		out:     out,
		kind:    kind,
		handles: make(map[string]*Handle),
	}
}

func (c *HubChannel) Current(ctx context.Context, scopeID string) (any, error) {
	if r, ok := c.tracker.Cached(scopeID); ok {
		return r, nil
	}
	return c.tracker.GetRoster(ctx, scopeID)
}

func (c *HubChannel) Join(scopeID string) {
	h, err := c.tracker.Subscribe(scopeID, func(r *Roster) {
		c.out.Broadcast(c.kind, scopeID, r)
	})
	if err != nil {
		return
	}

	c.mu.Lock()
	old := c.handles[scopeID]
	c.handles[scopeID] = h
	c.mu.Unlock()
	c.tracker.Unsubscribe(old)
}

func (c *HubChannel) Leave(scopeID string) {
	c.mu.Lock()
	h := c.handles[scopeID]
	delete(c.handles, scopeID)
	c.mu.Unlock()
	c.tracker.Unsubscribe(h)
}
