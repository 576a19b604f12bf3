package conversation

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/voicefleet/agentdesk/backend/internal/model/conversation"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// PostgresStore 基于 Postgres 的会话记忆，可在多实例间共享。
// Writers for one session are serialized with a transaction scoped advisory lock.
type PostgresStore struct {
	pool     *pgxpool.Pool
	maxTurns int
	turnLock *keyedMutex
}

// NewPostgresStore wraps an open pool. Call Migrate first.
func NewPostgresStore(pool *pgxpool.Pool, maxTurns int) *PostgresStore {
	return &PostgresStore{pool: pool, maxTurns: clampCap(maxTurns), turnLock: newKeyedMutex()}
}

// withSessionTx runs fn inside a transaction holding the session's advisory lock.
func (s *PostgresStore) withSessionTx(ctx context.Context, sessionID string, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		return fn(tx)
	})
}

const trimSQL = `
DELETE FROM conversation_turns
WHERE session_id = $1
  AND id NOT IN (
    SELECT id FROM conversation_turns WHERE session_id = $1 ORDER BY id DESC LIMIT $2
  )`

func (s *PostgresStore) Append(ctx context.Context, sessionID string, role conversation.Role, text string) ([]conversation.Turn, error) {
	if err := validateAppend(sessionID, role, text); err != nil {
		return nil, err
	}

	var out []conversation.Turn
	err := s.withSessionTx(ctx, sessionID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO conversation_turns (session_id, role, text) VALUES ($1, $2, $3)`,
			sessionID, string(role), text); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		if _, err := tx.Exec(ctx, trimSQL, sessionID, s.maxTurns); err != nil {
			return fmt.Errorf("trim transcript: %w", err)
		}
		var err error
		out, err = queryTurns(ctx, tx, sessionID)
		return err
	})
	return out, err
}

func (s *PostgresStore) Context(ctx context.Context, sessionID string) ([]conversation.Turn, error) {
	return queryTurns(ctx, s.pool, sessionID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryTurns(ctx context.Context, q querier, sessionID string) ([]conversation.Turn, error) {
	rows, err := q.Query(ctx,
		`SELECT role, text, created_at FROM conversation_turns WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Turn, error) {
		var (
			t    conversation.Turn
			role string
		)
		err := row.Scan(&role, &t.Text, &t.Timestamp)
		t.Role = conversation.Role(role)
		t.Timestamp = t.Timestamp.UTC()
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	return turns, nil
}

func (s *PostgresStore) Reset(ctx context.Context, sessionID string) error {
	unlock := s.turnLock.lock(sessionID)
	defer unlock()
	return s.withSessionTx(ctx, sessionID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM conversation_turns WHERE session_id = $1`, sessionID)
		return err
	})
}

func (s *PostgresStore) Replace(ctx context.Context, sessionID string, turns []conversation.Turn) error {
	if sessionID == "" {
		return ErrSessionRequired
	}
	if err := conversation.ValidateTurns(turns); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	now := time.Now().UTC()
	return s.withSessionTx(ctx, sessionID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM conversation_turns WHERE session_id = $1`, sessionID); err != nil {
			return err
		}
		for _, t := range newest(turns, s.maxTurns) {
			ts := t.Timestamp
			if ts.IsZero() {
				ts = now
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO conversation_turns (session_id, role, text, created_at) VALUES ($1, $2, $3, $4)`,
				sessionID, string(t.Role), t.Text, ts); err != nil {
				return fmt.Errorf("insert turn: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ClearAll(ctx context.Context) error {
	unlock := s.turnLock.lockAll()
	defer unlock()
	_, err := s.pool.Exec(ctx, `DELETE FROM conversation_turns`)
	return err
}

func (s *PostgresStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.pool.Query(ctx, `
SELECT session_id, count(*), max(created_at)
FROM conversation_turns
GROUP BY session_id
ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionInfo, error) {
		var info SessionInfo
		err := row.Scan(&info.ID, &info.Turns, &info.UpdatedAt)
		return info, err
	})
}

func (s *PostgresStore) Evict(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
WITH gone AS (
  DELETE FROM conversation_turns
  WHERE session_id IN (
    SELECT session_id FROM conversation_turns GROUP BY session_id HAVING max(created_at) < $1
  )
  RETURNING session_id
)
SELECT count(DISTINCT session_id) FROM gone`, cutoff).Scan(&n)
	return n, err
}

func (s *PostgresStore) Lock(sessionID string) func() {
	return s.turnLock.lock(sessionID)
}
