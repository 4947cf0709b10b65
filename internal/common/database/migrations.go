// internal/common/database/migrations.go
// Schema for messages, direct conversations and server members, plus the
// trigger that feeds row changes to LISTEN/NOTIFY

package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// Migrations is the ordered list of statements RunMigrations executes.
// Every statement is idempotent.
var Migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,

	// Messages
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		scope_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT,
		attachments JSONB NOT NULL DEFAULT '[]',
		reply_to UUID REFERENCES messages(id) ON DELETE SET NULL,
		client_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
		edited_at TIMESTAMP WITH TIME ZONE,
		read_at TIMESTAMP WITH TIME ZONE
	)`,

	// Direct conversations, one row per unordered user pair
	`CREATE TABLE IF NOT EXISTS direct_conversations (
		user_a TEXT NOT NULL,
		user_b TEXT NOT NULL,
		scope_id TEXT NOT NULL DEFAULT gen_random_uuid()::text,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT unique_direct_pair UNIQUE(user_a, user_b),
		CONSTRAINT ordered_direct_pair CHECK (user_a < user_b)
	)`,

	// Server members and their stored status
	`CREATE TABLE IF NOT EXISTS server_members (
		scope_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'offline',
		last_seen_at TIMESTAMP WITH TIME ZONE,
		PRIMARY KEY (scope_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_scope_created ON messages(scope_id, created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id)`,

	// Payloads past the NOTIFY limit are skipped; the heartbeat snapshot
	// carries them instead.
	`CREATE OR REPLACE FUNCTION changefeed_notify() RETURNS trigger AS $$
	DECLARE
		rec RECORD;
		payload TEXT;
	BEGIN
		IF TG_OP = 'DELETE' THEN
			rec := OLD;
		ELSE
			rec := NEW;
		END IF;
		payload := json_build_object(
			'type', TG_OP,
			'table', TG_TABLE_NAME,
			'scope', row_to_json(rec)->>'scope_id',
			'row', row_to_json(rec)
		)::text;
		IF octet_length(payload) < 7900 THEN
			PERFORM pg_notify('changefeed_' || TG_TABLE_NAME, payload);
		END IF;
		RETURN rec;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS messages_changefeed ON messages`,
	`CREATE TRIGGER messages_changefeed
		AFTER INSERT OR UPDATE OR DELETE ON messages
		FOR EACH ROW EXECUTE FUNCTION changefeed_notify()`,

	`DROP TRIGGER IF EXISTS server_members_changefeed ON server_members`,
	`CREATE TRIGGER server_members_changefeed
		AFTER INSERT OR UPDATE OR DELETE ON server_members
		FOR EACH ROW EXECUTE FUNCTION changefeed_notify()`,
}

// RunMigrations executes every statement in Migrations
func RunMigrations(ctx context.Context, db *sqlx.DB, log zerolog.Logger) error {
	for i, migration := range Migrations {
		log.Debug().Int("step", i+1).Int("total", len(Migrations)).Msg("running migration")
		if _, err := db.ExecContext(ctx, migration); err != nil {
			if !strings.Contains(err.Error(), "already exists") {
				return fmt.Errorf("migration %d failed: %w", i+1, err)
			}
			log.Debug().Int("step", i+1).Msg("migration skipped (already exists)")
		}
	}

	log.Info().Int("statements", len(Migrations)).Msg("migrations executed")
	return nil
}
