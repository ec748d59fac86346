// Package postgres provides a PostgreSQL-backed [memory.TranscriptStore].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.WriteTurn(ctx, memory.Turn{ConversationID: id, Role: "user", Content: "展厅几点开放？"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The 'simple' text search configuration is used because most content is
// Chinese, which the stemming configurations do not segment.
const ddlConversationTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id                BIGSERIAL    PRIMARY KEY,
    conversation_id   TEXT         NOT NULL,
    avatar_session_id TEXT         NOT NULL DEFAULT '',
    role              TEXT         NOT NULL,
    content           TEXT         NOT NULL,
    stopped           BOOLEAN      NOT NULL DEFAULT false,
    timestamp         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ns       BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_conversation_timestamp
    ON conversation_turns (conversation_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_avatar_session
    ON conversation_turns (avatar_session_id);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_fts
    ON conversation_turns USING GIN (to_tsvector('simple', content));
`

// Migrate creates the tables and indexes the store needs. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationTurns); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
