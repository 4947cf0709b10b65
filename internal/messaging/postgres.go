// internal/messaging/postgres.go

package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
)

// MessagesTable is the table the change feed watches for messages.
const MessagesTable = "messages"

const messageColumns = `id, scope_id, sender_id, content, attachments, reply_to,
	client_id, created_at, edited_at, read_at`

type postgresRepository struct {
	db        *sqlx.DB
	publisher changefeed.Publisher
	log       zerolog.Logger
}

// NewPostgresRepository stores messages with sqlx. Writes are announced
// through publisher; pass changefeed.NopPublisher{} when the database
// trigger already notifies.
func NewPostgresRepository(db *sqlx.DB, publisher changefeed.Publisher, log zerolog.Logger) Repository {
	if publisher == nil {
		publisher = changefeed.NopPublisher{}
	}
	return &postgresRepository{db: db, publisher: publisher, log: log}
}

func (r *postgresRepository) ListMessages(ctx context.Context, scopeID string, before *Cursor, limit int) (*Page, error) {
	var (
		rows []Message
		err  error
	)
	if before == nil {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE scope_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`
		err = r.db.SelectContext(ctx, &rows, query, scopeID, limit+1)
	} else if before.ID == "" {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE scope_id = $1 AND created_at < $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3`
		err = r.db.SelectContext(ctx, &rows, query, scopeID, before.CreatedAt, limit+1)
	} else {
		query := `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE scope_id = $1 AND (created_at, id) < ($2, $3::uuid)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`
		err = r.db.SelectContext(ctx, &rows, query, scopeID, before.CreatedAt, before.ID, limit+1)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	page := &Page{}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	page.Messages = rows
	return page, nil
}

func (r *postgresRepository) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	query := `
		INSERT INTO messages (scope_id, sender_id, content, attachments, reply_to, client_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + messageColumns

	var saved Message
	err := r.db.QueryRowxContext(ctx, query,
		msg.ScopeID, msg.SenderID, msg.Content, msg.Attachments, msg.ReplyTo, msg.ClientID,
	).StructScan(&saved)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	r.announce(ctx, changefeed.EventInsert, saved.ScopeID, saved)
	return &saved, nil
}

func (r *postgresRepository) UpdateMessage(ctx context.Context, id, content string) (*Message, error) {
	query := `
		UPDATE messages
		SET content = $2, edited_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING ` + messageColumns

	var saved Message
	err := r.db.QueryRowxContext(ctx, query, id, content).StructScan(&saved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}

	r.announce(ctx, changefeed.EventUpdate, saved.ScopeID, saved)
	return &saved, nil
}

func (r *postgresRepository) DeleteMessage(ctx context.Context, id string) error {
	var scopeID string
	err := r.db.QueryRowxContext(ctx, `DELETE FROM messages WHERE id = $1 RETURNING scope_id`, id).Scan(&scopeID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	r.announce(ctx, changefeed.EventDelete, scopeID, Message{ID: id, ScopeID: scopeID})
	return nil
}

// ResolveDirectConversation keys the pair in a fixed order so both users
// resolve the same scope.
func (r *postgresRepository) ResolveDirectConversation(ctx context.Context, userA, userB string) (string, error) {
	if userB < userA {
		userA, userB = userB, userA
	}
	query := `
		INSERT INTO direct_conversations (user_a, user_b)
		VALUES ($1, $2)
		ON CONFLICT (user_a, user_b) DO UPDATE SET user_a = EXCLUDED.user_a
		RETURNING scope_id`

	var scopeID string
	if err := r.db.QueryRowxContext(ctx, query, userA, userB).Scan(&scopeID); err != nil {
		return "", fmt.Errorf("resolve direct conversation: %w", err)
	}
	return scopeID, nil
}

func (r *postgresRepository) announce(ctx context.Context, typ changefeed.EventType, scopeID string, row Message) {
	n, err := changefeed.NewNotification(typ, MessagesTable, scopeID, row)
	if err == nil {
		err = r.publisher.Publish(ctx, n)
	}
	if err != nil {
		// The heartbeat snapshot will still carry the change.
		r.log.Warn().Err(err).Str("scope", scopeID).Str("id", row.ID).Msg("change notification not published")
	}
}
