// internal/presence/tracker.go

package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
)

var (
	ErrInvalidScope  = errors.New("scope id is required")
	ErrInvalidStatus = errors.New("unknown member status")
)

// Repository reads and writes server members.
type Repository interface {
	ListMembers(ctx context.Context, scopeID string) ([]Member, error)
	TouchMember(ctx context.Context, scopeID, userID, status string) (*Member, error)
}

type Config struct {
	// StaleAfter turns an online member offline when not seen for this long.
	StaleAfter   time.Duration
	FetchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:   5 * time.Minute,
		FetchTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	return c
}

// Handle is one roster subscription.
type Handle struct {
	scopeID  string
	onChange func(*Roster)
	closed   atomic.Bool
}

func (h *Handle) ScopeID() string { return h.scopeID }

type scopeState struct {
	roster  *Roster
	applied uint64
	sub     *changefeed.Subscription[Member]
	handles map[*Handle]struct{}
}

// Tracker keeps rosters for subscribed servers. Any change to a server's
// members triggers a full re-fetch.
type Tracker struct {
	repo Repository
	feed *changefeed.Client[Member]
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	fetches  singleflight.Group
	fetchSeq atomic.Uint64

	mu     sync.Mutex
	scopes map[string]*scopeState
	closed bool
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

// NewTracker creates a tracker. feed may be nil, in which case rosters only
// refresh on GetRoster and Touch.
func NewTracker(repo Repository, feed *changefeed.Client[Member], cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		repo:   repo,
		feed:   feed,
		cfg:    cfg.withDefaults(),
		log:    zerolog.Nop(),
		now:    time.Now,
		scopes: make(map[string]*scopeState),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With().Str("component", "presence").Logger()
	return t
}

// GetRoster fetches the current roster for scopeID.
func (t *Tracker) GetRoster(ctx context.Context, scopeID string) (*Roster, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, ErrInvalidScope
	}
	return t.refresh(ctx, scopeID)
}

// Cached returns the last roster built for a subscribed scope.
func (t *Tracker) Cached(scopeID string) (*Roster, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.scopes[scopeID]
	if !ok || st.roster == nil {
		return nil, false
	}
	return st.roster, true
}

// Subscribe calls onChange with a fresh roster after every change to
// scopeID's members. The first roster is fetched right away.
func (t *Tracker) Subscribe(scopeID string, onChange func(*Roster)) (*Handle, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, ErrInvalidScope
	}
	h := &Handle{scopeID: scopeID, onChange: onChange}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		h.closed.Store(true)
		return h, nil
	}
	st, ok := t.scopes[scopeID]
	if !ok {
		st = &scopeState{handles: make(map[*Handle]struct{})}
		t.scopes[scopeID] = st
		trackedScopes.Inc()
	}
	st.handles[h] = struct{}{}
	t.mu.Unlock()

	if !ok && t.feed != nil {
		sub := t.feed.Subscribe(scopeID, t.handleEvent)
		t.mu.Lock()
		if cur, live := t.scopes[scopeID]; live && cur == st {
			st.sub = sub
			sub = nil
		}
		t.mu.Unlock()
		if sub != nil {
			t.feed.Unsubscribe(sub)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FetchTimeout)
		defer cancel()
		if _, err := t.refresh(ctx, scopeID); err != nil {
			t.log.Warn().Err(err).Str("scope", scopeID).Msg("initial roster fetch failed")
		}
	}()
	return h, nil
}

// Unsubscribe stops h. The feed subscription for the scope ends with its
// last handle. Safe to call more than once.
func (t *Tracker) Unsubscribe(h *Handle) {
	if h == nil || !h.closed.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	st, ok := t.scopes[h.scopeID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(st.handles, h)
	var sub *changefeed.Subscription[Member]
	if len(st.handles) == 0 {
		delete(t.scopes, h.scopeID)
		trackedScopes.Dec()
		sub = st.sub
	}
	t.mu.Unlock()

	if sub != nil {
		t.feed.Unsubscribe(sub)
	}
}

// Touch records a heartbeat for userID with a stored status such as
// "online", "idle" or "dnd".
func (t *Tracker) Touch(ctx context.Context, scopeID, userID, status string) (*Member, error) {
	if strings.TrimSpace(scopeID) == "" {
		return nil, ErrInvalidScope
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	if !ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	m, err := t.repo.TouchMember(ctx, scopeID, userID, strings.ToLower(strings.TrimSpace(status)))
	if err != nil {
		return nil, fmt.Errorf("touch member: %w", err)
	}
	heartbeats.Inc()

	if t.feed == nil && t.watched(scopeID) {
		if _, err := t.refetch(ctx, scopeID); err != nil {
			t.log.Warn().Err(err).Str("scope", scopeID).Msg("roster refresh after heartbeat failed")
		}
	}
	return m, nil
}

// Close drops every subscription.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	var handles []*Handle
	for _, st := range t.scopes {
		for h := range st.handles {
			handles = append(handles, h)
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		t.Unsubscribe(h)
	}
}

func (t *Tracker) watched(scopeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.scopes[scopeID]
	return ok
}

// handleEvent runs on the feed's dispatcher. A snapshot already is a full
// member list; every other event triggers a fetch.
func (t *Tracker) handleEvent(ev changefeed.Event[Member]) {
	if ev.Kind == changefeed.KindSnapshot {
		t.replace(ev.Scope, Derive(ev.Scope, ev.Records, t.now(), t.cfg.StaleAfter), t.fetchSeq.Add(1))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FetchTimeout)
	defer cancel()
	if _, err := t.refetch(ctx, ev.Scope); err != nil {
		t.log.Warn().Err(err).Str("scope", ev.Scope).Msg("roster refresh failed")
	}
}

// refresh fetches and replaces the roster. Concurrent calls for one scope
// share a single fetch.
func (t *Tracker) refresh(ctx context.Context, scopeID string) (*Roster, error) {
	v, err, _ := t.fetches.Do(scopeID, func() (any, error) {
		seq := t.fetchSeq.Add(1)
		members, err := t.repo.ListMembers(ctx, scopeID)
		if err != nil {
			rosterFetches.WithLabelValues("error").Inc()
			return nil, err
		}
		rosterFetches.WithLabelValues("ok").Inc()
		r := Derive(scopeID, members, t.now(), t.cfg.StaleAfter)
		t.replace(scopeID, r, seq)
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return v.(*Roster), nil
}

// refetch starts a new fetch instead of joining one that began before a
// known change.
func (t *Tracker) refetch(ctx context.Context, scopeID string) (*Roster, error) {
	t.fetches.Forget(scopeID)
	return t.refresh(ctx, scopeID)
}

// replace installs r unless a roster from a later fetch is already in place.
func (t *Tracker) replace(scopeID string, r *Roster, seq uint64) {
	t.mu.Lock()
	st, ok := t.scopes[scopeID]
	if !ok || seq < st.applied {
		t.mu.Unlock()
		return
	}
	st.applied = seq
	st.roster = r
	handles := make([]*Handle, 0, len(st.handles))
	for h := range st.handles {
		handles = append(handles, h)
	}
	t.mu.Unlock()

	for _, h := range handles {
		if !h.closed.Load() && h.onChange != nil {
			h.onChange(r)
		}
	}
}
