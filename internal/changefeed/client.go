// internal/changefeed/client.go

package changefeed

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config tunes reconnection, polling and heartbeats.
type Config struct {
	// BackoffStep is multiplied by the attempt number between reconnects.
	BackoffStep time.Duration
	// MaxRetries is the number of push reconnects before falling back to polling.
	MaxRetries int
	// PollInterval is the snapshot period while polling.
	PollInterval time.Duration
	// HeartbeatInterval is the snapshot period while subscribed.
	HeartbeatInterval time.Duration
	// RecoveryInterval is how often a polling subscription retries push.
	// Negative disables recovery.
	RecoveryInterval time.Duration
	// SnapshotTimeout bounds one snapshot fetch.
	SnapshotTimeout time.Duration
	// QueueSize is the per-handle delivery queue length.
	QueueSize int
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		BackoffStep:       2 * time.Second,
		MaxRetries:        3,
		PollInterval:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RecoveryInterval:  5 * time.Minute,
		SnapshotTimeout:   10 * time.Second,
		QueueSize:         256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BackoffStep <= 0 {
		c.BackoffStep = d.BackoffStep
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.RecoveryInterval == 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.SnapshotTimeout <= 0 {
		c.SnapshotTimeout = d.SnapshotTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// SnapshotFunc fetches the full current state of a scope.
type SnapshotFunc[T any] func(ctx context.Context, scope string) ([]T, error)

// Client opens subscriptions on one table. Records arrive JSON encoded in
// the notification row and are decoded into T.
type Client[T any] struct {
	transport Transport
	table     string
	snapshot  SnapshotFunc[T]
	cfg       Config
	log       zerolog.Logger

	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewClient creates a feed client for table.
func NewClient[T any](transport Transport, table string, snapshot SnapshotFunc[T], cfg Config, log zerolog.Logger) *Client[T] {
	return &Client[T]{
		transport: transport,
		table:     table,
		snapshot:  snapshot,
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "changefeed").Str("table", table).Logger(),
		subs:      make(map[*Subscription[T]]struct{}),
	}
}

// Table returns the table this client watches.
func (c *Client[T]) Table() string {
	return c.table
}

// Subscribe starts a subscription for scope. onEvent is called from a single
// goroutine per handle, in order.
func (c *Client[T]) Subscribe(scope string, onEvent func(Event[T])) *Subscription[T] {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription[T]{
		client:       c,
		topic:        Topic{Table: c.table, Scope: scope},
		onEvent:      onEvent,
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan Event[T], c.cfg.QueueSize),
		runDone:      make(chan struct{}),
		dispatchDone: make(chan struct{}),
		log:          c.log.With().Str("scope", scope).Logger(),
	}
	s.state.Store(int32(StateConnecting))

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.closeNow()
		return s
	}
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	activeSubscriptions.WithLabelValues(c.table).Inc()
	go s.dispatch()
	go s.run()
	return s
}

// Unsubscribe stops s. Safe to call more than once and from inside onEvent.
func (c *Client[T]) Unsubscribe(s *Subscription[T]) {
	if s == nil {
		return
	}
	c.mu.Lock()
	_, ok := c.subs[s]
	delete(c.subs, s)
	c.mu.Unlock()

	if ok {
		activeSubscriptions.WithLabelValues(c.table).Dec()
	}
	s.stop()
}

// Close unsubscribes every handle and rejects new ones.
func (c *Client[T]) Close() {
	c.mu.Lock()
	c.closed = true
	subs := make([]*Subscription[T], 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		c.Unsubscribe(s)
	}
}

func (c *Client[T]) decode(n Notification) (Event[T], error) {
	var ev Event[T]
	kind, err := n.Type.Kind()
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(n.Row, &ev.Record); err != nil {
		return ev, err
	}
	ev.Kind = kind
	ev.Scope = n.Scope
	return ev, nil
}
