package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hupe1980/agentloop/core"
)

// FileStore keeps attachment bytes in a BYTEA column.
type FileStore struct {
	pool *pgxpool.Pool
}

// NewFileStore creates a FileStore backed by the given connection pool.
func NewFileStore(pool *pgxpool.Pool) *FileStore {
	return &FileStore{pool: pool}
}

// Put stores data under a generated id.
func (s *FileStore) Put(ctx context.Context, name, mimeType string, data []byte) (core.Attachment, error) {
	att := core.Attachment{ID: core.NewID(), Name: name, MimeType: mimeType, Size: int64(len(data))}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO files (id, name, mime_type, size, data) VALUES ($1, $2, $3, $4, $5)`,
		att.ID, att.Name, att.MimeType, att.Size, data)
	if err != nil {
		return core.Attachment{}, fmt.Errorf("put file %s: %w", name, err)
	}
	return att, nil
}

// Get returns the stored bytes or core.ErrNotFound.
func (s *FileStore) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM files WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get file %s: %w", id, core.ErrNotFound)
		}
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	return data, nil
}
