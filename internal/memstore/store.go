// internal/memstore/store.go
// In-process message and member store for development and tests

package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
	"github.com/imadgeboyega/kiekky-realtime/internal/messaging"
	"github.com/imadgeboyega/kiekky-realtime/internal/presence"
)

// Store keeps messages, direct conversations and members in memory and
// announces every write through a Publisher, the way the database trigger
// does for postgres.
type Store struct {
	publisher changefeed.Publisher
	log       zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	messages map[string]messaging.Message
	direct   map[[2]string]string
	members  map[string]map[string]presence.Member
}

func New(publisher changefeed.Publisher, log zerolog.Logger) *Store {
	if publisher == nil {
		publisher = changefeed.NopPublisher{}
	}
	return &Store{
		publisher: publisher,
		log:       log.With().Str("component", "memstore").Logger(),
		now:       time.Now,
		messages:  make(map[string]messaging.Message),
		direct:    make(map[[2]string]string),
		members:   make(map[string]map[string]presence.Member),
	}
}

func before(a messaging.Message, c messaging.Cursor) bool {
	if a.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return c.ID != "" && a.CreatedAt.Equal(c.CreatedAt) && a.ID < c.ID
}

func (s *Store) ListMessages(ctx context.Context, scopeID string, cursor *messaging.Cursor, limit int) (*messaging.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var rows []messaging.Message
	for _, m := range s.messages {
		if m.ScopeID != scopeID {
			continue
		}
		if cursor != nil && !before(m, *cursor) {
			continue
		}
		rows = append(rows, m)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	page := &messaging.Page{}
	if limit > 0 && len(rows) > limit {
		page.HasMore = true
		rows = rows[len(rows)-limit:]
	}
	page.Messages = rows
	return page, nil
}

func (s *Store) InsertMessage(ctx context.Context, msg *messaging.Message) (*messaging.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	saved := *msg
	saved.ID = uuid.NewString()
	saved.CreatedAt = s.now().UTC()
	saved.Status = ""

	s.mu.Lock()
	s.messages[saved.ID] = saved
	s.mu.Unlock()

	s.announce(ctx, changefeed.EventInsert, messaging.MessagesTable, saved.ScopeID, saved)
	return &saved, nil
}

func (s *Store) UpdateMessage(ctx context.Context, id, content string) (*messaging.Message, error) {
	s.mu.Lock()
	m, ok := s.messages[id]
	if !ok {
		s.mu.Unlock()
		return nil, messaging.ErrNotFound
	}
	now := s.now().UTC()
	m.Content = &content
	m.EditedAt = &now
	s.messages[id] = m
	s.mu.Unlock()

	s.announce(ctx, changefeed.EventUpdate, messaging.MessagesTable, m.ScopeID, m)
	return &m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	m, ok := s.messages[id]
	delete(s.messages, id)
	s.mu.Unlock()
	if !ok {
		return messaging.ErrNotFound
	}

	s.announce(ctx, changefeed.EventDelete, messaging.MessagesTable, m.ScopeID, messaging.Message{ID: id, ScopeID: m.ScopeID})
	return nil
}

func (s *Store) ResolveDirectConversation(_ context.Context, userA, userB string) (string, error) {
	if userB < userA {
		userA, userB = userB, userA
	}
	key := [2]string{userA, userB}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.direct[key]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.direct[key] = id
	return id, nil
}

func (s *Store) ListMembers(ctx context.Context, scopeID string) ([]presence.Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	members := make([]presence.Member, 0, len(s.members[scopeID]))
	for _, m := range s.members[scopeID] {
		members = append(members, m)
	}
	s.mu.RUnlock()

	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

func (s *Store) TouchMember(ctx context.Context, scopeID, userID, status string) (*presence.Member, error) {
	now := s.now().UTC()
	m := presence.Member{ScopeID: scopeID, UserID: userID, Status: status, LastSeenAt: &now}

	s.mu.Lock()
	if s.members[scopeID] == nil {
		s.members[scopeID] = make(map[string]presence.Member)
	}
	s.members[scopeID][userID] = m
	s.mu.Unlock()

	s.announce(ctx, changefeed.EventUpdate, presence.MembersTable, scopeID, m)
	return &m, nil
}

func (s *Store) announce(ctx context.Context, typ changefeed.EventType, table, scopeID string, row any) {
	n, err := changefeed.NewNotification(typ, table, scopeID, row)
	if err == nil {
		err = s.publisher.Publish(ctx, n)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("table", table).Str("scope", scopeID).Str("type", string(typ)).Msg("change not published")
	}
}
