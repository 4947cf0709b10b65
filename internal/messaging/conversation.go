package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
	"github.com/imadgeboyega/kiekky-realtime/internal/rateguard"
)

// conversation is the state of one scope. Every field is guarded by mu.
// messages is sorted by CreatedAt; entries with equal timestamps keep
// arrival order.
type conversation struct {
	mu       sync.Mutex
	scopeID  string
	messages []Message
	drafts   map[string]Draft
	hasMore  bool
	loading  bool
	loaded   bool
	disposed bool

	sub *changefeed.Subscription[Message]
}

func newConversation(scopeID string) *conversation {
	return &conversation{
		scopeID: scopeID,
		drafts:  make(map[string]Draft),
	}
}

func (c *conversation) view() View {
	msgs := make([]Message, len(c.messages))
	copy(msgs, c.messages)
	return View{
		ScopeID:  c.scopeID,
		Messages: msgs,
		HasMore:  c.hasMore,
		Loading:  c.loading,
	}
}

func (c *conversation) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *conversation) insertSorted(m Message) {
	i := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].CreatedAt.After(m.CreatedAt)
	})
	c.messages = append(c.messages, Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
}

// insertOlder places m ahead of entries sharing its timestamp. Older pages
// are fed to it newest first.
func (c *conversation) insertOlder(m Message) {
	i := sort.Search(len(c.messages), func(i int) bool {
		return !c.messages[i].CreatedAt.Before(m.CreatedAt)
	})
	c.messages = append(c.messages, Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = m
}

func (c *conversation) removeAt(i int) Message {
	m := c.messages[i]
	c.messages = append(c.messages[:i], c.messages[i+1:]...)
	delete(c.drafts, m.ID)
	return m
}

func (c *conversation) remove(id string) bool {
	i := c.indexOf(id)
	if i < 0 {
		return false
	}
	c.removeAt(i)
	return true
}

// replaceAt swaps the entry at i for m, re-sorting when m moved in time.
func (c *conversation) replaceAt(i int, m Message) {
	if c.messages[i].CreatedAt.Equal(m.CreatedAt) {
		delete(c.drafts, c.messages[i].ID)
		c.messages[i] = m
		return
	}
	c.removeAt(i)
	c.insertSorted(m)
}

// oldestConfirmed is the smallest (created_at, id) among confirmed entries.
func (c *conversation) oldestConfirmed() (Cursor, bool) {
	var oldest Cursor
	found := false
	for _, m := range c.messages {
		if m.Status != StatusConfirmed {
			continue
		}
		if at := cursorOf(m); !found || at.before(oldest) {
			oldest = at
			found = true
		}
	}
	return oldest, found
}

func cursorOf(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

func (c Cursor) before(o Cursor) bool {
	return c.CreatedAt.Before(o.CreatedAt) ||
		(c.CreatedAt.Equal(o.CreatedAt) && c.ID < o.ID)
}

// matchPending finds the oldest unconfirmed entry the confirmed row m most
// likely stands for: same sender, same normalized text, created within window.
func (c *conversation) matchPending(m Message, window time.Duration) int {
	body := rateguard.Normalize(m.Text())
	for i := range c.messages {
		p := &c.messages[i]
		if p.Status == StatusConfirmed || p.SenderID != m.SenderID {
			continue
		}
		if rateguard.Normalize(p.Text()) != body {
			continue
		}
		if absDuration(p.CreatedAt.Sub(m.CreatedAt)) <= window {
			return i
		}
	}
	return -1
}

// applyInsert merges a confirmed row from the feed.
func (c *conversation) applyInsert(m Message, window time.Duration) string {
	m.Status = StatusConfirmed

	if i := c.indexOf(m.ID); i >= 0 {
		c.replaceAt(i, m)
		return "refresh"
	}
	if m.ClientID != "" {
		if i := c.indexOf(m.ClientID); i >= 0 && c.messages[i].Status != StatusConfirmed {
			c.replaceAt(i, m)
			return "client_id"
		}
	}
	if i := c.matchPending(m, window); i >= 0 {
		c.replaceAt(i, m)
		return "heuristic"
	}
	c.insertSorted(m)
	return "insert"
}

// applyWrite merges the result of this process's own write for localID.
func (c *conversation) applyWrite(localID string, saved Message) (Message, string) {
	saved.Status = StatusConfirmed

	if j := c.indexOf(saved.ID); j >= 0 {
		// The feed got here first.
		c.remove(localID)
		return c.messages[c.indexOf(saved.ID)], "duplicate_drop"
	}
	if i := c.indexOf(localID); i >= 0 {
		c.replaceAt(i, saved)
		return saved, "write"
	}
	c.insertSorted(saved)
	return saved, "write_insert"
}

func (c *conversation) applyUpdate(m Message) bool {
	i := c.indexOf(m.ID)
	if i < 0 {
		return false
	}
	m.Status = StatusConfirmed
	c.replaceAt(i, m)
	return true
}

// mergeSnapshot upserts rows and drops confirmed entries the snapshot no
// longer has. Only entries inside the snapshot's (created_at, id) range are
// dropped, so rows confirmed after a fetch started survive a late snapshot.
// An empty snapshot drops only entries created before fetchedAt; a zero
// fetchedAt drops nothing.
func (c *conversation) mergeSnapshot(rows []Message, window time.Duration, fetchedAt time.Time) {
	present := make(map[string]struct{}, len(rows))
	var lo, hi Cursor
	for i, r := range rows {
		present[r.ID] = struct{}{}
		at := cursorOf(r)
		if i == 0 || at.before(lo) {
			lo = at
		}
		if i == 0 || hi.before(at) {
			hi = at
		}
	}
	for _, r := range rows {
		c.applyInsert(r, window)
	}

	stale := func(m Message) bool {
		if len(rows) == 0 {
			return !fetchedAt.IsZero() && m.CreatedAt.Before(fetchedAt)
		}
		at := cursorOf(m)
		return !at.before(lo) && !hi.before(at)
	}

	kept := c.messages[:0]
	for _, m := range c.messages {
		if m.Status == StatusConfirmed {
			if _, ok := present[m.ID]; !ok && stale(m) {
				continue
			}
		}
		kept = append(kept, m)
	}
	c.messages = kept
}

func (c *conversation) markFailed(id string) (Message, bool) {
	i := c.indexOf(id)
	if i < 0 || c.messages[i].Status != StatusOptimistic {
		return Message{}, false
	}
	c.messages[i].Status = StatusFailed
	return c.messages[i], true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
