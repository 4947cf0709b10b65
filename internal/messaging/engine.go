// internal/messaging/engine.go

package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
	"github.com/imadgeboyega/kiekky-realtime/internal/rateguard"
)

// Config tunes the engine.
type Config struct {
	PageSize          int
	CorrelationWindow time.Duration
	UploadConcurrency int
	WriteTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		PageSize:          50,
		CorrelationWindow: 10 * time.Second,
		UploadConcurrency: 4,
		WriteTimeout:      15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.CorrelationWindow <= 0 {
		c.CorrelationWindow = d.CorrelationWindow
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = d.UploadConcurrency
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// Engine keeps per-scope conversation state in sync with the store. Sends
// are shown optimistically and reconciled with whichever of the write
// result or the change feed arrives first.
type Engine struct {
	repo  Repository
	blobs BlobStore
	guard *rateguard.Guard
	feed  *changefeed.Client[Message]
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time

	mu       sync.Mutex
	convs    map[string]*conversation
	notifier Notifier
}

type Option func(*Engine)

// WithFeed subscribes every opened conversation to feed.
func WithFeed(feed *changefeed.Client[Message]) Option {
	return func(e *Engine) { e.feed = feed }
}

func WithBlobStore(blobs BlobStore) Option {
	return func(e *Engine) { e.blobs = blobs }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(repo Repository, guard *rateguard.Guard, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		repo:  repo,
		guard: guard,
		cfg:   cfg.withDefaults(),
		log:   zerolog.Nop(),
		now:   time.Now,
		convs: make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("component", "messaging").Logger()
	return e
}

// SetNotifier sets the presentation sink after construction.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	e.notifier = n
	e.mu.Unlock()
}

func (e *Engine) lookup(scopeID string) *conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.convs[scopeID]
}

// open returns the conversation for scopeID, creating and subscribing it.
func (e *Engine) open(scopeID string) *conversation {
	e.mu.Lock()
	c, ok := e.convs[scopeID]
	if !ok {
		c = newConversation(scopeID)
		e.convs[scopeID] = c
		openConversations.Inc()
	}
	e.mu.Unlock()

	if !ok && e.feed != nil {
		sub := e.feed.Subscribe(scopeID, e.HandleEvent)
		c.mu.Lock()
		if c.disposed {
			c.mu.Unlock()
			e.feed.Unsubscribe(sub)
			return c
		}
		c.sub = sub
		c.mu.Unlock()
	}
	return c
}

// publish must be called with c.mu held.
func (e *Engine) publish(c *conversation) {
	e.mu.Lock()
	n := e.notifier
	e.mu.Unlock()
	if n != nil {
		n.ConversationChanged(c.view())
	}
}

// Load fetches the newest page for scopeID and merges it into the view.
func (e *Engine) Load(ctx context.Context, scopeID string) (View, error) {
	if strings.TrimSpace(scopeID) == "" {
		return View{}, &ValidationError{Field: "scope_id", Reason: "required"}
	}
	c := e.open(scopeID)

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return View{}, ErrScopeClosed
	}
	c.loading = true
	e.publish(c)
	c.mu.Unlock()

	fetchedAt := e.now()
	page, err := e.repo.ListMessages(ctx, scopeID, nil, e.cfg.PageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return View{}, ErrScopeClosed
	}
	c.loading = false
	if err != nil {
		e.publish(c)
		return c.view(), &NetworkError{Op: "load", Err: err}
	}
	c.mergeSnapshot(page.Messages, e.cfg.CorrelationWindow, fetchedAt)
	if !c.loaded {
		c.hasMore = page.HasMore
		c.loaded = true
	}
	e.publish(c)
	return c.view(), nil
}

// LoadOlder fetches the page before the given time, or before the oldest
// confirmed message held when before is zero.
func (e *Engine) LoadOlder(ctx context.Context, scopeID string, before time.Time) (View, error) {
	c := e.lookup(scopeID)
	if c == nil {
		return e.Load(ctx, scopeID)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return View{}, ErrScopeClosed
	}
	var cursor Cursor
	if before.IsZero() {
		oldest, ok := c.oldestConfirmed()
		if !ok {
			c.mu.Unlock()
			return e.Load(ctx, scopeID)
		}
		cursor = oldest
	} else {
		cursor = Cursor{CreatedAt: before}
	}
	c.loading = true
	e.publish(c)
	c.mu.Unlock()

	page, err := e.repo.ListMessages(ctx, scopeID, &cursor, e.cfg.PageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return View{}, ErrScopeClosed
	}
	c.loading = false
	if err != nil {
		e.publish(c)
		return c.view(), &NetworkError{Op: "load older", Err: err}
	}
	for i := len(page.Messages) - 1; i >= 0; i-- {
		m := page.Messages[i]
		if c.indexOf(m.ID) < 0 {
			m.Status = StatusConfirmed
			c.insertOlder(m)
		}
	}
	c.hasMore = page.HasMore
	e.publish(c)
	return c.view(), nil
}

// Send checks the guard, uploads attachments, shows the message
// optimistically and writes it.
func (e *Engine) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := req.validate(); err != nil {
		sendsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if res, err := e.admit(req.SenderID, rateBody(req.Content, uploadNames(req.Attachments))); err != nil {
		return res, err
	}

	uploaded, failures := e.uploadAll(ctx, req.ScopeID, req.Attachments)
	draft := Draft{Content: req.Content, Attachments: uploaded, ReplyTo: req.ReplyTo}
	if len(failures) > 0 {
		nothingLeft := strings.TrimSpace(req.Content) == "" && len(uploaded) == 0
		if req.StrictAttachments || nothingLeft {
			sendsTotal.WithLabelValues("attachments").Inc()
			return &SendResult{Draft: &draft, AttachmentFailures: failures}, &AttachmentError{Failures: failures}
		}
	}

	res, err := e.deliver(ctx, req.ScopeID, req.SenderID, draft, "")
	if res != nil {
		res.AttachmentFailures = failures
	}
	return res, err
}

// Resend retries a failed entry from its preserved draft. The guard is
// consulted again.
func (e *Engine) Resend(ctx context.Context, scopeID, failedID string) (*SendResult, error) {
	c := e.lookup(scopeID)
	if c == nil {
		return nil, ErrNotFound
	}

	c.mu.Lock()
	i := c.indexOf(failedID)
	if c.disposed || i < 0 || c.messages[i].Status != StatusFailed {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	sender := c.messages[i].SenderID
	draft, ok := c.drafts[failedID]
	if !ok {
		m := c.messages[i]
		draft = Draft{Content: m.Text(), Attachments: m.Attachments, ReplyTo: m.ReplyTo}
	}
	c.mu.Unlock()

	if res, err := e.admit(sender, rateBody(draft.Content, attachmentNames(draft.Attachments))); err != nil {
		return res, err
	}
	return e.deliver(ctx, scopeID, sender, draft, failedID)
}

// Discard drops a failed entry and its draft.
func (e *Engine) Discard(scopeID, failedID string) error {
	c := e.lookup(scopeID)
	if c == nil {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.indexOf(failedID)
	if c.disposed || i < 0 {
		return ErrNotFound
	}
	if c.messages[i].Status != StatusFailed {
		return ErrNotConfirmed
	}
	c.removeAt(i)
	e.publish(c)
	return nil
}

func (e *Engine) admit(senderID, body string) (*SendResult, error) {
	v := e.guard.CheckSpam(senderID, body)
	if !v.Allowed {
		sendsTotal.WithLabelValues("rejected").Inc()
		e.log.Info().Str("sender", senderID).Str("reason", string(v.Reason)).Msg("send rejected")
		return &SendResult{CooldownRemaining: v.CooldownRemaining}, verdictError(v)
	}
	e.guard.RecordMessage(senderID, body)
	return nil, nil
}

// deliver inserts the optimistic entry, writes it and reconciles. replaces
// names a failed entry the new attempt supersedes.
func (e *Engine) deliver(ctx context.Context, scopeID, senderID string, draft Draft, replaces string) (*SendResult, error) {
	now := e.now()
	local := Message{
		ID:          NewOptimisticID(now),
		ScopeID:     scopeID,
		SenderID:    senderID,
		Content:     contentPtr(draft.Content),
		Attachments: draft.Attachments,
		ReplyTo:     draft.ReplyTo,
		CreatedAt:   now,
		Status:      StatusOptimistic,
	}
	local.ClientID = local.ID

	c := e.open(scopeID)
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrScopeClosed
	}
	if replaces != "" {
		c.remove(replaces)
	}
	c.insertSorted(local)
	e.publish(c)
	c.mu.Unlock()

	pending := local
	pending.ID = ""
	pending.Status = ""

	wctx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
	saved, err := e.repo.InsertMessage(wctx, &pending)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		sendsTotal.WithLabelValues("failed").Inc()
		e.log.Warn().Err(err).Str("scope", scopeID).Str("local_id", local.ID).Msg("send failed")
		res := &SendResult{Draft: &draft}
		if c.disposed {
			return res, &NetworkError{Op: "send", Err: err}
		}
		if failed, ok := c.markFailed(local.ID); ok {
			c.drafts[local.ID] = draft
			res.Message = &failed
		}
		e.publish(c)
		return res, &NetworkError{Op: "send", Err: err}
	}

	sendsTotal.WithLabelValues("ok").Inc()
	if c.disposed {
		saved.Status = StatusConfirmed
		return &SendResult{Message: saved}, nil
	}
	confirmed, path := c.applyWrite(local.ID, *saved)
	reconciliations.WithLabelValues(path).Inc()
	e.publish(c)
	return &SendResult{Message: &confirmed}, nil
}

// Edit changes the content of a confirmed message.
func (e *Engine) Edit(ctx context.Context, id, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationError{Field: "content", Reason: "message is empty"}
	}
	if e.guard.TooLong(content) {
		return nil, &ValidationError{Field: "content", Reason: "message is too long"}
	}
	if IsOptimisticID(id) {
		return nil, ErrNotConfirmed
	}
	updated, err := e.repo.UpdateMessage(ctx, id, content)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, &NetworkError{Op: "edit", Err: err}
	}
	updated.Status = StatusConfirmed

	if c := e.lookup(updated.ScopeID); c != nil {
		c.mu.Lock()
		if !c.disposed && c.applyUpdate(*updated) {
			e.publish(c)
		}
		c.mu.Unlock()
	}
	return updated, nil
}

// Delete removes a confirmed message. Unsent entries are dropped with Discard.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if IsOptimisticID(id) {
		return ErrNotConfirmed
	}
	if err := e.repo.DeleteMessage(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return &NetworkError{Op: "delete", Err: err}
	}

	e.mu.Lock()
	convs := make([]*conversation, 0, len(e.convs))
	for _, c := range e.convs {
		convs = append(convs, c)
	}
	e.mu.Unlock()

	for _, c := range convs {
		c.mu.Lock()
		if !c.disposed && c.remove(id) {
			e.publish(c)
		}
		c.mu.Unlock()
	}
	return nil
}

// HandleEvent applies one change feed event. Events for scopes that are not
// open are ignored.
func (e *Engine) HandleEvent(ev changefeed.Event[Message]) {
	c := e.lookup(ev.Scope)
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}

	switch ev.Kind {
	case changefeed.KindInsert:
		path := c.applyInsert(ev.Record, e.cfg.CorrelationWindow)
		reconciliations.WithLabelValues(path).Inc()
	case changefeed.KindUpdate:
		if !c.applyUpdate(ev.Record) {
			return
		}
	case changefeed.KindDelete:
		if !c.remove(ev.Record.ID) {
			return
		}
	case changefeed.KindSnapshot:
		c.mergeSnapshot(ev.Records, e.cfg.CorrelationWindow, ev.At)
	default:
		return
	}
	e.publish(c)
}

// View returns a copy of the conversation held for scopeID.
func (e *Engine) View(scopeID string) (View, bool) {
	c := e.lookup(scopeID)
	if c == nil {
		return View{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return View{}, false
	}
	return c.view(), true
}

// Close tears the conversation down. Late write results and events for it
// are dropped.
func (e *Engine) Close(scopeID string) {
	e.mu.Lock()
	c, ok := e.convs[scopeID]
	delete(e.convs, scopeID)
	e.mu.Unlock()
	if !ok {
		return
	}
	openConversations.Dec()

	c.mu.Lock()
	c.disposed = true
	c.messages = nil
	c.drafts = nil
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil && e.feed != nil {
		e.feed.Unsubscribe(sub)
	}
}

// CloseAll closes every open conversation.
func (e *Engine) CloseAll() {
	e.mu.Lock()
	scopes := make([]string, 0, len(e.convs))
	for id := range e.convs {
		scopes = append(scopes, id)
	}
	e.mu.Unlock()

	for _, id := range scopes {
		e.Close(id)
	}
}

// OpenDirect resolves the direct conversation between two users and loads it.
func (e *Engine) OpenDirect(ctx context.Context, userA, userB string) (View, error) {
	if userA == "" || userB == "" {
		return View{}, &ValidationError{Field: "user_id", Reason: "required"}
	}
	if userA == userB {
		return View{}, &ValidationError{Field: "user_id", Reason: "cannot message yourself"}
	}
	scopeID, err := e.repo.ResolveDirectConversation(ctx, userA, userB)
	if err != nil {
		return View{}, &NetworkError{Op: "resolve direct conversation", Err: err}
	}
	return e.Load(ctx, scopeID)
}
