// internal/presence/postgres.go

package presence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/imadgeboyega/kiekky-realtime/internal/changefeed"
)

// MembersTable is the table the change feed watches for presence.
const MembersTable = "server_members"

type postgresRepository struct {
	db        *sqlx.DB
	publisher changefeed.Publisher
	log       zerolog.Logger
}

func NewPostgresRepository(db *sqlx.DB, publisher changefeed.Publisher, log zerolog.Logger) Repository {
	if publisher == nil {
		publisher = changefeed.NopPublisher{}
	}
	return &postgresRepository{db: db, publisher: publisher, log: log}
}

func (r *postgresRepository) ListMembers(ctx context.Context, scopeID string) ([]Member, error) {
	query := `
		SELECT scope_id, user_id, status, last_seen_at
		FROM server_members
		WHERE scope_id = $1
		ORDER BY user_id`

	var members []Member
	if err := r.db.SelectContext(ctx, &members, query, scopeID); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

func (r *postgresRepository) TouchMember(ctx context.Context, scopeID, userID, status string) (*Member, error) {
	query := `
		INSERT INTO server_members (scope_id, user_id, status, last_seen_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (scope_id, user_id)
		DO UPDATE SET status = EXCLUDED.status, last_seen_at = EXCLUDED.last_seen_at
		RETURNING scope_id, user_id, status, last_seen_at`

	var m Member
	if err := r.db.QueryRowxContext(ctx, query, scopeID, userID, status).StructScan(&m); err != nil {
		return nil, fmt.Errorf("touch member: %w", err)
	}

	n, err := changefeed.NewNotification(changefeed.EventUpdate, MembersTable, scopeID, m)
	if err == nil {
		err = r.publisher.Publish(ctx, n)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("scope", scopeID).Str("user", userID).Msg("member change not published")
	}
	return &m, nil
}
