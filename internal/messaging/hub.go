// internal/messaging/hub.go

package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Frame kinds pushed to websocket clients.
const (
	KindConversation = "conversation"
	KindRoster       = "roster"
)

// Frame is one websocket message.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Channel supplies state for one frame kind.
type Channel interface {
	// Current is the first frame a new watcher of id receives.
	Current(ctx context.Context, id string) (any, error)
	// Join runs when id gets its first watcher, Leave when it loses its last.
	Join(id string)
	Leave(id string)
}

type watchKey struct {
	kind string
	id   string
}

type outbound struct {
	key   watchKey
	frame []byte
}

// Hub maintains websocket clients and the keys they watch.
type Hub struct {
	channels map[string]Channel

	watchers   map[watchKey]map[*Client]struct{}
	watchersMu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	log    zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		channels:   make(map[string]Channel),
		watchers:   make(map[watchKey]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 1024),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// Handle routes a frame kind to ch. Call before Run.
func (h *Hub) Handle(kind string, ch Channel) {
	h.channels[kind] = ch
}

func (h *Hub) Run() {
	defer close(h.done)
	defer h.cleanup()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)

		case <-h.ctx.Done():
			return
		}
	}
}

// ConversationChanged pushes a conversation view to its watchers.
func (h *Hub) ConversationChanged(view View) {
	h.Broadcast(KindConversation, view.ScopeID, view)
}

// Broadcast queues data for every watcher of (kind, id). It never blocks;
// when the queue is full the frame is dropped and the next change or
// heartbeat carries the state.
func (h *Hub) Broadcast(kind, id string, data any) {
	key := watchKey{kind: kind, id: id}
	h.watchersMu.RLock()
	_, watched := h.watchers[key]
	h.watchersMu.RUnlock()
	if !watched {
		return
	}

	frame, err := encodeFrame(kind, id, data)
	if err != nil {
		h.log.Error().Err(err).Str("kind", kind).Msg("encode frame")
		return
	}
	select {
	case h.broadcast <- outbound{key: key, frame: frame}:
	default:
		h.log.Warn().Str("kind", kind).Str("id", id).Msg("broadcast queue full, frame dropped")
	}
}

func (h *Hub) registerClient(client *Client) {
	h.watchersMu.Lock()
	var joined []watchKey
	for _, key := range client.keys {
		set, ok := h.watchers[key]
		if !ok {
			set = make(map[*Client]struct{})
			h.watchers[key] = set
			joined = append(joined, key)
		}
		set[client] = struct{}{}
	}
	h.watchersMu.Unlock()
	wsConnections.Inc()

	for _, key := range joined {
		if ch, ok := h.channels[key.kind]; ok {
			ch.Join(key.id)
		}
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.sendCurrent(client)
	}()

	h.log.Info().Str("user", client.userID).Int("keys", len(client.keys)).Msg("client connected")
}

func (h *Hub) unregisterClient(client *Client) {
	h.watchersMu.Lock()
	var left []watchKey
	found := false
	for _, key := range client.keys {
		set, ok := h.watchers[key]
		if !ok {
			continue
		}
		if _, ok := set[client]; ok {
			found = true
			delete(set, client)
		}
		if len(set) == 0 {
			delete(h.watchers, key)
			left = append(left, key)
		}
	}
	h.watchersMu.Unlock()

	if !found {
		return
	}
	client.Close()
	wsConnections.Dec()

	for _, key := range left {
		if ch, ok := h.channels[key.kind]; ok {
			ch.Leave(key.id)
		}
	}
	h.log.Info().Str("user", client.userID).Msg("client disconnected")
}

func (h *Hub) deliver(msg outbound) {
	h.watchersMu.RLock()
	var slow []*Client
	for client := range h.watchers[msg.key] {
		if !client.enqueue(msg.frame) {
			slow = append(slow, client)
		}
	}
	h.watchersMu.RUnlock()

	for _, client := range slow {
		h.unregisterClient(client)
	}
}

func (h *Hub) sendCurrent(client *Client) {
	for _, key := range client.keys {
		ch, ok := h.channels[key.kind]
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
		data, err := ch.Current(ctx, key.id)
		cancel()
		if err != nil {
			h.log.Warn().Err(err).Str("kind", key.kind).Str("id", key.id).Msg("initial state unavailable")
			continue
		}
		frame, err := encodeFrame(key.kind, key.id, data)
		if err != nil {
			continue
		}
		client.enqueue(frame)
	}
}

func (h *Hub) cleanup() {
	h.watchersMu.Lock()
	clients := make(map[*Client]struct{})
	keys := make([]watchKey, 0, len(h.watchers))
	for key, set := range h.watchers {
		keys = append(keys, key)
		for c := range set {
			clients[c] = struct{}{}
		}
	}
	h.watchers = make(map[watchKey]map[*Client]struct{})
	h.watchersMu.Unlock()

	for c := range clients {
		c.Close()
		wsConnections.Dec()
	}
	for _, key := range keys {
		if ch, ok := h.channels[key.kind]; ok {
			ch.Leave(key.id)
		}
	}
	h.wg.Wait()
}

// Shutdown stops Run and waits for it to exit.
func (h *Hub) Shutdown() {
	h.cancel()
	<-h.done
}

// Watchers returns how many clients watch (kind, id).
func (h *Hub) Watchers(kind, id string) int {
	h.watchersMu.RLock()
	defer h.watchersMu.RUnlock()
	return len(h.watchers[watchKey{kind: kind, id: id}])
}

func encodeFrame(kind, id string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: kind, ID: id, Data: payload, Timestamp: time.Now()})
}

// ConversationChannel serves conversation frames from an engine. A
// conversation it opened for watchers is closed when the last one leaves;
// conversations already open through the REST surface stay open.
type ConversationChannel struct {
	engine *Engine

	mu sync.Mutex
	// watched maps scopes with watchers to whether this channel owns the
	// open conversation.
	watched map[string]bool
}

func NewConversationChannel(e *Engine) *ConversationChannel {
	return &ConversationChannel{engine: e, watched: make(map[string]bool)}
}

func (c *ConversationChannel) Current(ctx context.Context, scopeID string) (any, error) {
	if view, ok := c.engine.View(scopeID); ok {
		return view, nil
	}
	view, err := c.engine.Load(ctx, scopeID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.watched[scopeID]; !ok {
		// Every watcher left while the load was in flight.
		c.engine.Close(scopeID)
		return view, err
	}
	c.watched[scopeID] = true
	return view, err
}

func (c *ConversationChannel) Join(scopeID string) {
	_, open := c.engine.View(scopeID)
	c.mu.Lock()
	c.watched[scopeID] = !open
	c.mu.Unlock()
}

func (c *ConversationChannel) Leave(scopeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owned, ok := c.watched[scopeID]
	delete(c.watched, scopeID)
	if ok && owned {
		c.engine.Close(scopeID)
	}
}
