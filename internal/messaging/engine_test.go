package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
	"github.com/imadgeboyega/kiekky-realtime/internal/rateguard"
)

type fakeRepo struct {
	mu        sync.Mutex
	rows      []Message
	seq       int
	insertErr error
	// onInsert runs after the row is stored and before the write returns.
	onInsert func(saved Message)
	block    chan struct{}
}

func (r *fakeRepo) seed(scopeID string, at time.Time, n int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for i := 0; i < n; i++ {
		r.seq++
		text := fmt.Sprintf("seed %d", r.seq)
		m := Message{
			ID:        fmt.Sprintf("m%04d", r.seq),
			ScopeID:   scopeID,
			SenderID:  "seeder",
			Content:   &text,
			CreatedAt: at,
		}
		r.rows = append(r.rows, m)
		out = append(out, m)
	}
	return out
}

func (r *fakeRepo) ListMessages(_ context.Context, scopeID string, before *Cursor, limit int) (*Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []Message
	for _, m := range r.rows {
		if m.ScopeID != scopeID {
			continue
		}
		if before != nil {
			older := m.CreatedAt.Before(before.CreatedAt) ||
				(before.ID != "" && m.CreatedAt.Equal(before.CreatedAt) && m.ID < before.ID)
			if !older {
				continue
			}
		}
		rows = append(rows, m)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	page := &Page{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[len(rows)-limit:]
	}
	page.Messages = rows
	return page, nil
}

func (r *fakeRepo) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	r.mu.Lock()
	if r.insertErr != nil {
		err := r.insertErr
		r.mu.Unlock()
		return nil, err
	}
	r.seq++
	saved := *msg
	saved.ID = fmt.Sprintf("m%04d", r.seq)
	r.rows = append(r.rows, saved)
	hook := r.onInsert
	r.mu.Unlock()

	if hook != nil {
		hook(saved)
	}
	return &saved, nil
}

func (r *fakeRepo) UpdateMessage(_ context.Context, id, content string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].ID == id {
			now := time.Now()
			r.rows[i].Content = &content
			r.rows[i].EditedAt = &now
			saved := r.rows[i]
			return &saved, nil
		}
	}
	return nil, ErrNotFound
}

func (r *fakeRepo) DeleteMessage(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].ID == id {
			r.rows = append(r.rows[:i], r.rows[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (r *fakeRepo) ResolveDirectConversation(_ context.Context, userA, userB string) (string, error) {
	if userB < userA {
		userA, userB = userB, userA
	}
	return "dm:" + userA + ":" + userB, nil
}

func (r *fakeRepo) setInsertErr(err error) {
	r.mu.Lock()
	r.insertErr = err
	r.mu.Unlock()
}

type fakeBlobs struct{}

func (fakeBlobs) Upload(_ context.Context, scopeID string, file AttachmentUpload) (*Attachment, error) {
	if strings.HasPrefix(file.Name, "bad") {
		return nil, errors.New("storage unavailable")
	}
	return &Attachment{
		URL:         "https://cdn.test/" + scopeID + "/" + file.Name,
		Name:        file.Name,
		ContentType: "text/plain",
		Size:        int64(len(file.Data)),
	}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	views []View
}

func (n *recordingNotifier) ConversationChanged(view View) {
	n.mu.Lock()
	n.views = append(n.views, view)
	n.mu.Unlock()
}

func (n *recordingNotifier) sawStatus(status Status) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, v := range n.views {
		for _, m := range v.Messages {
			if m.Status == status {
				return true
			}
		}
	}
	return false
}

// permissiveGuard never throttles.
func permissiveGuard() *rateguard.Guard {
	return rateguard.New(rateguard.Config{
		BurstLimit:         1000,
		SustainedLimit:     1000,
		MinInterval:        -1,
		DuplicateThreshold: 1000,
	})
}

func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

func newTestEngine(t *testing.T, repo *fakeRepo, opts ...Option) (*Engine, *recordingNotifier) {
	t.Helper()
	opts = append([]Option{
		WithBlobStore(fakeBlobs{}),
		WithClock(tickingClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))),
	}, opts...)
	e := NewEngine(repo, permissiveGuard(), Config{PageSize: 3}, opts...)
	n := &recordingNotifier{}
	e.SetNotifier(n)
	return e, n
}

func mustView(t *testing.T, e *Engine, scopeID string) View {
	t.Helper()
	v, ok := e.View(scopeID)
	require.True(t, ok)
	return v
}

func TestEngine_SendConfirmsOptimisticEntry(t *testing.T) {
	repo := &fakeRepo{}
	e, n := newTestEngine(t, repo)

	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	res, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "hello"})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.False(t, IsOptimisticID(res.Message.ID))
	assert.Equal(t, StatusConfirmed, res.Message.Status)

	v := mustView(t, e, "room")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, res.Message.ID, v.Messages[0].ID)
	assert.Equal(t, "hello", v.Messages[0].Text())
	assert.True(t, n.sawStatus(StatusOptimistic), "the optimistic entry should be shown before the write returns")
}

func TestEngine_FeedBeforeWriteResult(t *testing.T) {
	repo := &fakeRepo{}
	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	repo.onInsert = func(saved Message) {
		e.HandleEvent(changefeed.Event[Message]{Kind: changefeed.KindInsert, Scope: "room", Record: saved})
	}

	res, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "hi"})
	require.NoError(t, err)

	v := mustView(t, e, "room")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, res.Message.ID, v.Messages[0].ID)
	assert.Equal(t, StatusConfirmed, v.Messages[0].Status)
}

func TestEngine_FeedAfterWriteResult(t *testing.T) {
	repo := &fakeRepo{}
	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	res, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "hi"})
	require.NoError(t, err)

	e.HandleEvent(changefeed.Event[Message]{Kind: changefeed.KindInsert, Scope: "room", Record: *res.Message})

	v := mustView(t, e, "room")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, res.Message.ID, v.Messages[0].ID)
}

func TestEngine_FeedWithoutClientIDMatchesByContent(t *testing.T) {
	repo := &fakeRepo{}
	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	repo.onInsert = func(saved Message) {
		saved.ClientID = ""
		text := "  HELLO   there "
		saved.Content = &text
		e.HandleEvent(changefeed.Event[Message]{Kind: changefeed.KindInsert, Scope: "room", Record: saved})
	}

	_, err = e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "hello there"})
	require.NoError(t, err)

	v := mustView(t, e, "room")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, StatusConfirmed, v.Messages[0].Status)
}

func TestEngine_OtherSendersAreNotCorrelated(t *testing.T) {
	repo := &fakeRepo{}
	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	repo.onInsert = func(saved Message) {
		other := saved
		other.ID = "m9999"
		other.ClientID = ""
		other.SenderID = "bob"
		e.HandleEvent(changefeed.Event[Message]{Kind: changefeed.KindInsert, Scope: "room", Record: other})
	}

	_, err = e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "same words"})
	require.NoError(t, err)

	v := mustView(t, e, "room")
	assert.Len(t, v.Messages, 2)
}

func TestEngine_FailedSendKeepsDraftAndResends(t *testing.T) {
	repo := &fakeRepo{insertErr: errors.New("connection reset")}
	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	reply := "m0001"
	res, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "are you there?", ReplyTo: &reply})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	require.NotNil(t, res.Draft)
	assert.Equal(t, "are you there?", res.Draft.Content)
	require.NotNil(t, res.Message)
	assert.Equal(t, StatusFailed, res.Message.Status)

	v := mustView(t, e, "room")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, StatusFailed, v.Messages[0].Status)

	repo.setInsertErr(nil)
	retried, err := e.Resend(context.Background(), "room", res.Message.ID)
	require.NoError(t, err)
	require.NotNil(t, retried.Message.ReplyTo)
	assert.Equal(t, reply, *retried.Message.ReplyTo)

	v = mustView(t, e, "room")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, StatusConfirmed, v.Messages[0].Status)
	assert.Equal(t, retried.Message.ID, v.Messages[0].ID)
}

func TestEngine_Discard(t *testing.T) {
	repo := &fakeRepo{insertErr: errors.New("timeout")}
	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	res, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "lost"})
	require.Error(t, err)

	require.NoError(t, e.Discard("room", res.Message.ID))
	assert.Empty(t, mustView(t, e, "room").Messages)
	assert.ErrorIs(t, e.Discard("room", res.Message.ID), ErrNotFound)

	repo.setInsertErr(nil)
	sent, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "kept"})
	require.NoError(t, err)
	assert.ErrorIs(t, e.Discard("room", sent.Message.ID), ErrNotConfirmed)
}

func TestEngine_RateLimitedSendShowsNothing(t *testing.T) {
	repo := &fakeRepo{}
	guard := rateguard.New(rateguard.Config{BurstLimit: 1, MinInterval: -1})
	e := NewEngine(repo, guard, Config{}, WithClock(tickingClock(time.Now())))
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	_, err = e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "one"})
	require.NoError(t, err)

	res, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "two"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var limited *RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, rateguard.ReasonBurst, limited.Reason)
	assert.Positive(t, limited.CooldownRemaining)
	assert.Equal(t, limited.CooldownRemaining, res.CooldownRemaining)

	assert.Len(t, mustView(t, e, "room").Messages, 1)
}

func TestEngine_SendValidation(t *testing.T) {
	repo := &fakeRepo{}
	e, _ := newTestEngine(t, repo)

	_, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "   "})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Send(context.Background(), SendRequest{SenderID: "alice", Content: "hi"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: strings.Repeat("x", 2001)})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, repo.rows)
}

func TestEngine_PartialAttachments(t *testing.T) {
	repo := &fakeRepo{}
	e, _ := newTestEngine(t, repo)

	res, err := e.Send(context.Background(), SendRequest{
		ScopeID:  "room",
		SenderID: "alice",
		Content:  "photos",
		Attachments: []AttachmentUpload{
			{Name: "a.txt", Data: []byte("a")},
			{Name: "bad.txt", Data: []byte("b")},
			{Name: "c.txt", Data: []byte("c")},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.AttachmentFailures, 1)
	assert.Equal(t, "bad.txt", res.AttachmentFailures[0].Name)
	require.Len(t, res.Message.Attachments, 2)
	assert.Equal(t, "a.txt", res.Message.Attachments[0].Name)
	assert.Equal(t, "c.txt", res.Message.Attachments[1].Name)
}

func TestEngine_StrictAttachmentsAbort(t *testing.T) {
	repo := &fakeRepo{}
	e, n := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	res, err := e.Send(context.Background(), SendRequest{
		ScopeID:           "room",
		SenderID:          "alice",
		Content:           "photos",
		Attachments:       []AttachmentUpload{{Name: "a.txt", Data: []byte("a")}, {Name: "bad.txt", Data: []byte("b")}},
		StrictAttachments: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialAttachments)
	require.NotNil(t, res.Draft)
	assert.Len(t, res.Draft.Attachments, 1)

	assert.Empty(t, mustView(t, e, "room").Messages)
	assert.False(t, n.sawStatus(StatusOptimistic))
}

func TestEngine_AttachmentOnlySendWithNothingUploaded(t *testing.T) {
	repo := &fakeRepo{}
	e, _ := newTestEngine(t, repo)

	_, err := e.Send(context.Background(), SendRequest{
		ScopeID:     "room",
		SenderID:    "alice",
		Attachments: []AttachmentUpload{{Name: "bad.png", Data: []byte("x")}},
	})
	assert.ErrorIs(t, err, ErrPartialAttachments)
	assert.Empty(t, repo.rows)
}

func TestEngine_PaginationAcrossEqualTimestamps(t *testing.T) {
	repo := &fakeRepo{}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var all []Message
	all = append(all, repo.seed("room", base, 2)...)
	all = append(all, repo.seed("room", base.Add(time.Minute), 5)...)
	all = append(all, repo.seed("room", base.Add(2*time.Minute), 1)...)

	e, _ := newTestEngine(t, repo)
	v, err := e.Load(context.Background(), "room")
	require.NoError(t, err)
	require.Len(t, v.Messages, 3)
	assert.True(t, v.HasMore)

	for i := 0; v.HasMore && i < 10; i++ {
		v, err = e.LoadOlder(context.Background(), "room", time.Time{})
		require.NoError(t, err)
	}
	assert.False(t, v.HasMore)

	want := make([]string, len(all))
	for i, m := range all {
		want[i] = m.ID
	}
	got := make([]string, len(v.Messages))
	for i, m := range v.Messages {
		got[i] = m.ID
	}
	assert.Equal(t, want, got)
}

func TestEngine_LoadOlderBeforeTime(t *testing.T) {
	repo := &fakeRepo{}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := repo.seed("room", base, 1)
	repo.seed("room", base.Add(time.Hour), 3)

	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	v, err := e.LoadOlder(context.Background(), "room", base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, v.Messages, 4)
	assert.Equal(t, old[0].ID, v.Messages[0].ID)
	assert.False(t, v.HasMore)
}

func TestEngine_SnapshotMerge(t *testing.T) {
	repo := &fakeRepo{}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var seeded []Message
	for i := 0; i < 3; i++ {
		seeded = append(seeded, repo.seed("room", base.Add(time.Duration(i)*time.Minute), 1)...)
	}

	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	repo.setInsertErr(errors.New("down"))
	_, err = e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "pending"})
	require.Error(t, err)

	edited := seeded[0]
	text := "edited"
	edited.Content = &text
	late := Message{ID: "m0100", ScopeID: "room", SenderID: "bob", CreatedAt: base.Add(time.Second)}

	// seeded[1] was deleted while the feed was down.
	e.HandleEvent(changefeed.Event[Message]{
		Kind:    changefeed.KindSnapshot,
		Scope:   "room",
		Records: []Message{edited, seeded[2], late},
	})

	v := mustView(t, e, "room")
	ids := make([]string, 0, len(v.Messages))
	for _, m := range v.Messages {
		ids = append(ids, m.ID)
	}
	assert.NotContains(t, ids, seeded[1].ID)
	assert.Contains(t, ids, late.ID)
	assert.Equal(t, "edited", v.Messages[0].Text())

	var failed int
	for _, m := range v.Messages {
		if m.Status == StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed, "unsent entries survive a snapshot")
}

func TestEngine_StaleSnapshotKeepsNewerConfirmed(t *testing.T) {
	repo := &fakeRepo{}
	repo.seed("room", time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), 2)

	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	// The feed fetched this page before the send landed.
	stale, err := repo.ListMessages(context.Background(), "room", nil, 10)
	require.NoError(t, err)

	res, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "just sent"})
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, res.Message.Status)

	e.HandleEvent(changefeed.Event[Message]{
		Kind:    changefeed.KindSnapshot,
		Scope:   "room",
		Records: stale.Messages,
		At:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	})

	v := mustView(t, e, "room")
	require.Len(t, v.Messages, 3)
	assert.Equal(t, res.Message.ID, v.Messages[2].ID)
}

func TestEngine_EmptySnapshotDropsOnlyRowsOlderThanFetch(t *testing.T) {
	repo := &fakeRepo{}
	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	res, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "hello"})
	require.NoError(t, err)
	sent := res.Message

	empty := func(at time.Time) {
		e.HandleEvent(changefeed.Event[Message]{Kind: changefeed.KindSnapshot, Scope: "room", At: at})
	}

	empty(time.Time{})
	assert.Len(t, mustView(t, e, "room").Messages, 1)

	empty(sent.CreatedAt.Add(-time.Second))
	assert.Len(t, mustView(t, e, "room").Messages, 1)

	empty(sent.CreatedAt.Add(time.Second))
	assert.Empty(t, mustView(t, e, "room").Messages)
}

func TestEngine_UpdateAndDeleteEvents(t *testing.T) {
	repo := &fakeRepo{}
	seeded := repo.seed("room", time.Now(), 2)

	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	changed := seeded[0]
	text := "changed"
	changed.Content = &text
	e.HandleEvent(changefeed.Event[Message]{Kind: changefeed.KindUpdate, Scope: "room", Record: changed})
	e.HandleEvent(changefeed.Event[Message]{Kind: changefeed.KindDelete, Scope: "room", Record: Message{ID: seeded[1].ID}})
	e.HandleEvent(changefeed.Event[Message]{Kind: changefeed.KindInsert, Scope: "elsewhere", Record: seeded[0]})

	v := mustView(t, e, "room")
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "changed", v.Messages[0].Text())
	_, open := e.View("elsewhere")
	assert.False(t, open)
}

func TestEngine_EditAndDelete(t *testing.T) {
	repo := &fakeRepo{}
	seeded := repo.seed("room", time.Now(), 1)

	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	msg, err := e.Edit(context.Background(), seeded[0].ID, "fixed typo")
	require.NoError(t, err)
	assert.NotNil(t, msg.EditedAt)
	assert.Equal(t, "fixed typo", mustView(t, e, "room").Messages[0].Text())

	_, err = e.Edit(context.Background(), seeded[0].ID, " ")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = e.Edit(context.Background(), NewOptimisticID(time.Now()), "x")
	assert.ErrorIs(t, err, ErrNotConfirmed)
	_, err = e.Edit(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.Delete(context.Background(), seeded[0].ID))
	assert.Empty(t, mustView(t, e, "room").Messages)
	assert.ErrorIs(t, e.Delete(context.Background(), seeded[0].ID), ErrNotFound)
	assert.ErrorIs(t, e.Delete(context.Background(), NewOptimisticID(time.Now())), ErrNotConfirmed)
}

func TestEngine_EditRejectsOverlongContent(t *testing.T) {
	repo := &fakeRepo{}
	seeded := repo.seed("room", time.Now(), 1)

	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	_, err = e.Edit(context.Background(), seeded[0].ID, strings.Repeat("a", 50000))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)

	page, err := repo.ListMessages(context.Background(), "room", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, seeded[0].Text(), page.Messages[0].Text())
	assert.Nil(t, page.Messages[0].EditedAt)
	assert.Equal(t, seeded[0].Text(), mustView(t, e, "room").Messages[0].Text())

	// The limit counts runes, not bytes.
	_, err = e.Edit(context.Background(), seeded[0].ID, strings.Repeat("é", 2000))
	assert.NoError(t, err)
}

func TestEngine_CloseDuringWrite(t *testing.T) {
	repo := &fakeRepo{block: make(chan struct{})}
	e, _ := newTestEngine(t, repo)
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	type outcome struct {
		res *SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Send(context.Background(), SendRequest{ScopeID: "room", SenderID: "alice", Content: "late"})
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool {
		v, ok := e.View("room")
		return ok && len(v.Messages) == 1
	}, time.Second, 5*time.Millisecond)

	e.Close("room")
	close(repo.block)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, StatusConfirmed, out.res.Message.Status)

	_, ok := e.View("room")
	assert.False(t, ok)

	// Late events for a closed scope are ignored.
	e.HandleEvent(changefeed.Event[Message]{Kind: changefeed.KindInsert, Scope: "room", Record: *out.res.Message})
	_, ok = e.View("room")
	assert.False(t, ok)

	_, err = e.Resend(context.Background(), "room", "anything")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_FeedSubscription(t *testing.T) {
	transport := changefeed.NewMemoryTransport()
	repo := &fakeRepo{}
	feed := changefeed.NewClient[Message](transport, MessagesTable,
		func(ctx context.Context, scope string) ([]Message, error) {
			page, err := repo.ListMessages(ctx, scope, nil, 50)
			if err != nil {
				return nil, err
			}
			return page.Messages, nil
		},
		changefeed.Config{HeartbeatInterval: time.Hour}, zerolog.Nop())
	defer feed.Close()

	e, _ := newTestEngine(t, repo, WithFeed(feed))
	_, err := e.Load(context.Background(), "room")
	require.NoError(t, err)

	topic := changefeed.Topic{Table: MessagesTable, Scope: "room"}
	require.Eventually(t, func() bool { return transport.Subscribers(topic) == 1 }, time.Second, 5*time.Millisecond)

	text := "from another server"
	row := Message{ID: "m7777", ScopeID: "room", SenderID: "bob", Content: &text, CreatedAt: time.Now()}
	n, err := changefeed.NewNotification(changefeed.EventInsert, MessagesTable, "room", row)
	require.NoError(t, err)
	require.NoError(t, transport.Publish(context.Background(), n))

	require.Eventually(t, func() bool {
		v, ok := e.View("room")
		return ok && len(v.Messages) == 1 && v.Messages[0].ID == "m7777"
	}, time.Second, 5*time.Millisecond)

	e.Close("room")
	require.Eventually(t, func() bool { return transport.Subscribers(topic) == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngine_OpenDirect(t *testing.T) {
	e, _ := newTestEngine(t, &fakeRepo{})

	v, err := e.OpenDirect(context.Background(), "zed", "amy")
	require.NoError(t, err)
	assert.Equal(t, "dm:amy:zed", v.ScopeID)

	_, err = e.OpenDirect(context.Background(), "amy", "amy")
	assert.ErrorIs(t, err, ErrValidation)
}
