package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/hallguide/pkg/memory"
)

var _ memory.TranscriptStore = (*Store)(nil)

// Store is a [memory.TranscriptStore] backed by the conversation_turns table.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

const turnColumns = "conversation_id, avatar_session_id, role, content, stopped, timestamp, duration_ns"

// WriteTurn implements [memory.TranscriptStore]. A zero Timestamp is recorded
// as the current time.
func (s *Store) WriteTurn(ctx context.Context, turn memory.Turn) error {
	const q = `
		INSERT INTO conversation_turns (` + turnColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		turn.ConversationID,
		turn.AvatarSessionID,
		turn.Role,
		turn.Content,
		turn.Stopped,
		ts,
		turn.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("transcript store: write turn: %w", err)
	}
	return nil
}

// GetRecent implements [memory.TranscriptStore].
func (s *Store) GetRecent(ctx context.Context, conversationID string, duration time.Duration) ([]memory.Turn, error) {
	const q = `
		SELECT ` + turnColumns + `
		FROM   conversation_turns
		WHERE  conversation_id = $1
		  AND  timestamp >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY timestamp, id`

	rows, err := s.pool.Query(ctx, q, conversationID, duration.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("transcript store: get recent: %w", err)
	}
	return collectTurns(rows)
}

// History implements [memory.TranscriptStore].
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]memory.Turn, error) {
	q := `
		SELECT ` + turnColumns + `
		FROM   conversation_turns
		WHERE  conversation_id = $1
		ORDER  BY timestamp, id`
	args := []any{conversationID}
	if limit > 0 {
		// Take the newest limit rows, then restore chronological order.
		q = `
		SELECT ` + turnColumns + ` FROM (
			SELECT id, ` + turnColumns + `
			FROM   conversation_turns
			WHERE  conversation_id = $1
			ORDER  BY timestamp DESC, id DESC
			LIMIT  $2
		) recent
		ORDER BY timestamp, id`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: history: %w", err)
	}
	return collectTurns(rows)
}

// Search implements [memory.TranscriptStore]. The query is passed to
// plainto_tsquery so no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.Turn, error) {
	args := []any{query}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('simple', content) @@ plainto_tsquery('simple', $1)",
	}
	if opts.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(opts.ConversationID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(opts.Role))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT " + turnColumns + "\n" +
		"FROM   conversation_turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp, id"
	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcript store: search: %w", err)
	}
	return collectTurns(rows)
}

func collectTurns(rows pgx.Rows) ([]memory.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var (
			t          memory.Turn
			durationNS int64
		)
		if err := row.Scan(
			&t.ConversationID,
			&t.AvatarSessionID,
			&t.Role,
			&t.Content,
			&t.Stopped,
			&t.Timestamp,
			&durationNS,
		); err != nil {
			return memory.Turn{}, err
		}
		t.Duration = time.Duration(durationNS)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}
