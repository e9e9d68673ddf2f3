package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hupe1980/agentloop/core"
)

// ThreadStore persists threads as a header row plus one JSONB row per
// message keyed by (thread_id, sequence).
type ThreadStore struct {
	pool *pgxpool.Pool
}

// NewThreadStore creates a ThreadStore backed by the given connection pool.
func NewThreadStore(pool *pgxpool.Pool) *ThreadStore {
	return &ThreadStore{pool: pool}
}

// Load reads the thread header and all messages in sequence order.
func (s *ThreadStore) Load(ctx context.Context, id string) (*core.Thread, error) {
	var (
		metaJSON  []byte
		createdAt time.Time
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT metadata, created_at, updated_at FROM threads WHERE id = $1`, id,
	).Scan(&metaJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load thread %s: %w", id, core.ErrNotFound)
		}
		return nil, fmt.Errorf("load thread %s: %w", id, err)
	}

	t := &core.Thread{
		ID:        id,
		Messages:  []core.Message{},
		Metadata:  map[string]any{},
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM thread_messages WHERE thread_id = $1 ORDER BY sequence`, id)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m core.Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load messages %s: %w", id, err)
	}
	return t, nil
}

// Save upserts the header and appends every message whose sequence number is
// not stored yet. Stored messages are never rewritten.
func (s *ThreadStore) Save(ctx context.Context, t *core.Thread) error {
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO threads (id, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (id) DO UPDATE SET metadata = EXCLUDED.metadata, updated_at = now()`,
		t.ID, metaJSON, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert thread %s: %w", t.ID, err)
	}

	var stored int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM thread_messages WHERE thread_id = $1`, t.ID,
	).Scan(&stored); err != nil {
		return fmt.Errorf("max sequence %s: %w", t.ID, err)
	}

	batch := &pgx.Batch{}
	for _, m := range t.Messages {
		if m.Sequence <= stored {
			continue
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", m.ID, err)
		}
		batch.Queue(
			`INSERT INTO thread_messages (thread_id, sequence, id, role, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			t.ID, m.Sequence, m.ID, string(m.Role), payload, m.CreatedAt)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert messages %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes a thread and its messages.
func (s *ThreadStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete thread %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete thread %s: %w", id, core.ErrNotFound)
	}
	return nil
}
