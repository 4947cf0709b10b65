package memstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
	"github.com/imadgeboyega/kiekky-realtime/internal/messaging"
	"github.com/imadgeboyega/kiekky-realtime/internal/presence"
	"github.com/imadgeboyega/kiekky-realtime/internal/rateguard"
)

func TestStore_MessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(nil, zerolog.Nop())

	text := "first"
	saved, err := s.InsertMessage(ctx, &messaging.Message{ScopeID: "room", SenderID: "alice", Content: &text})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	updated, err := s.UpdateMessage(ctx, saved.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, "second", updated.Text())
	assert.NotNil(t, updated.EditedAt)

	page, err := s.ListMessages(ctx, "room", nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.False(t, page.HasMore)

	require.NoError(t, s.DeleteMessage(ctx, saved.ID))
	assert.ErrorIs(t, s.DeleteMessage(ctx, saved.ID), messaging.ErrNotFound)
	_, err = s.UpdateMessage(ctx, saved.ID, "x")
	assert.ErrorIs(t, err, messaging.ErrNotFound)
}

func TestStore_ListMessagesPages(t *testing.T) {
	ctx := context.Background()
	s := New(nil, zerolog.Nop())
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return at }

	for i := 0; i < 5; i++ {
		_, err := s.InsertMessage(ctx, &messaging.Message{ScopeID: "room", SenderID: "alice"})
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	var cursor *messaging.Cursor
	for {
		page, err := s.ListMessages(ctx, "room", cursor, 2)
		require.NoError(t, err)
		for _, m := range page.Messages {
			assert.False(t, seen[m.ID], "duplicate %s", m.ID)
			seen[m.ID] = true
		}
		if !page.HasMore {
			break
		}
		first := page.Messages[0]
		cursor = &messaging.Cursor{CreatedAt: first.CreatedAt, ID: first.ID}
	}
	assert.Len(t, seen, 5)
}

func TestStore_ResolveDirectConversationIsSymmetric(t *testing.T) {
	s := New(nil, zerolog.Nop())
	a, err := s.ResolveDirectConversation(context.Background(), "amy", "zed")
	require.NoError(t, err)
	b, err := s.ResolveDirectConversation(context.Background(), "zed", "amy")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestStore_Members(t *testing.T) {
	ctx := context.Background()
	s := New(nil, zerolog.Nop())

	_, err := s.TouchMember(ctx, "guild", "b", "dnd")
	require.NoError(t, err)
	_, err = s.TouchMember(ctx, "guild", "a", "online")
	require.NoError(t, err)

	members, err := s.ListMembers(ctx, "guild")
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "a", members[0].UserID)
	assert.NotNil(t, members[0].LastSeenAt)
}

func TestBlobs_UploadAndServe(t *testing.T) {
	blobs := NewBlobs("http://localhost/uploads/", 64)

	att, err := blobs.Upload(context.Background(), "room", messaging.AttachmentUpload{Name: "note.txt", Data: []byte("hello")})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(att.URL, "http://localhost/uploads/room/"))
	assert.Equal(t, int64(5), att.Size)

	_, err = blobs.Upload(context.Background(), "room", messaging.AttachmentUpload{Name: "big", Data: make([]byte, 65)})
	assert.ErrorIs(t, err, ErrBlobTooLarge)

	srv := httptest.NewServer(http.StripPrefix("/uploads", blobs))
	defer srv.Close()

	resp, err := http.Get(srv.URL + strings.TrimPrefix(att.URL, "http://localhost"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))

	missing, err := http.Get(srv.URL + "/uploads/room/nope.txt")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func newEngine(t *testing.T, store *Store, transport *changefeed.MemoryTransport) *messaging.Engine {
	t.Helper()
	feed := changefeed.NewClient[messaging.Message](transport, messaging.MessagesTable,
		func(ctx context.Context, scope string) ([]messaging.Message, error) {
			page, err := store.ListMessages(ctx, scope, nil, 50)
			if err != nil {
				return nil, err
			}
			return page.Messages, nil
		},
		changefeed.Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	t.Cleanup(feed.Close)

	guard := rateguard.New(rateguard.Config{MinInterval: -1})
	return messaging.NewEngine(store, guard, messaging.Config{}, messaging.WithFeed(feed), messaging.WithBlobStore(NewBlobs("http://cdn", 0)))
}

func TestStore_TwoEnginesConverge(t *testing.T) {
	ctx := context.Background()
	transport := changefeed.NewMemoryTransport()
	store := New(transport, zerolog.Nop())

	sender := newEngine(t, store, transport)
	watcher := newEngine(t, store, transport)
	defer sender.CloseAll()
	defer watcher.CloseAll()

	_, err := sender.Load(ctx, "room")
	require.NoError(t, err)
	_, err = watcher.Load(ctx, "room")
	require.NoError(t, err)

	topic := changefeed.Topic{Table: messaging.MessagesTable, Scope: "room"}
	require.Eventually(t, func() bool { return transport.Subscribers(topic) == 2 }, time.Second, 5*time.Millisecond)

	res, err := sender.Send(ctx, messaging.SendRequest{
		ScopeID:     "room",
		SenderID:    "alice",
		Content:     "hello everyone",
		Attachments: []messaging.AttachmentUpload{{Name: "a.txt", Data: []byte("a")}},
	})
	require.NoError(t, err)

	for _, e := range []*messaging.Engine{sender, watcher} {
		require.Eventually(t, func() bool {
			v, ok := e.View("room")
			return ok && len(v.Messages) == 1 && v.Messages[0].ID == res.Message.ID
		}, time.Second, 5*time.Millisecond)
	}

	// The sender's own echo never produces a second entry.
	time.Sleep(20 * time.Millisecond)
	v, _ := sender.View("room")
	assert.Len(t, v.Messages, 1)

	_, err = watcher.Edit(ctx, res.Message.ID, "hello all")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, _ := sender.View("room")
		return len(v.Messages) == 1 && v.Messages[0].Text() == "hello all"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, watcher.Delete(ctx, res.Message.ID))
	require.Eventually(t, func() bool {
		v, _ := sender.View("room")
		return len(v.Messages) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestStore_PresenceFollowsHeartbeats(t *testing.T) {
	ctx := context.Background()
	transport := changefeed.NewMemoryTransport()
	store := New(transport, zerolog.Nop())

	feed := changefeed.NewClient[presence.Member](transport, presence.MembersTable, store.ListMembers,
		changefeed.Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	defer feed.Close()
	tracker := presence.NewTracker(store, feed, presence.Config{})
	defer tracker.Close()

	updates := make(chan *presence.Roster, 16)
	_, err := tracker.Subscribe("guild", func(r *presence.Roster) { updates <- r })
	require.NoError(t, err)

	topic := changefeed.Topic{Table: presence.MembersTable, Scope: "guild"}
	require.Eventually(t, func() bool { return transport.Subscribers(topic) == 1 }, time.Second, 5*time.Millisecond)

	_, err = tracker.Touch(ctx, "guild", "alice", "dnd")
	require.NoError(t, err)

	deadline := time.After(time.Second)
	for {
		select {
		case r := <-updates:
			if e, ok := r.Entries["alice"]; ok {
				assert.Equal(t, presence.StatusDND, e.Status)
				return
			}
		case <-deadline:
			t.Fatal("roster never showed alice")
		}
	}
}
