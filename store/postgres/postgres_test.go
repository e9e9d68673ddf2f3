package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/store/postgres"
)

var (
	_ core.ThreadStore = (*postgres.ThreadStore)(nil)
	_ core.FileStore   = (*postgres.FileStore)(nil)
)

// setupPool runs all migrations and returns a pool closed via t.Cleanup.
func setupPool(t *testing.T) (*postgres.ThreadStore, *postgres.FileStore) {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := postgres.NewPool(ctx, dsn, func(o *postgres.PoolOptions) { o.MaxConns = 4 })
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewThreadStore(pool), postgres.NewFileStore(pool)
}

func TestThreadStore_AppendOnlySave(t *testing.T) {
	threads, _ := setupPool(t)
	ctx := context.Background()

	th := core.NewThread("")
	th.SetMetadata("user", "ada")
	f := core.NewMessageFactory("agent", "m")
	th.Append(f.CreateUserMessage("what is 2+2?"))
	th.Append(f.CreateAssistantMessage("", []core.ToolCall{{ID: "c1", Name: "calculator", Arguments: map[string]any{"expression": "2+2"}}}, core.Metrics{TotalTokens: 5}))
	if err := threads.Save(ctx, th); err != nil {
		t.Fatalf("save: %v", err)
	}
	t.Cleanup(func() { _ = threads.Delete(ctx, th.ID) })

	th.Append(f.CreateToolResultMessage("calculator", "4", "c1", 2, true))
	th.Append(f.CreateAssistantMessage("4", nil, core.Metrics{TotalTokens: 3}))
	if err := threads.Save(ctx, th); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := threads.Load(ctx, th.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 4 {
		t.Fatalf("expected 4 messages, got %d", loaded.Len())
	}
	if loaded.Digest() != th.Digest() {
		t.Fatalf("digest mismatch after round trip")
	}
	if loaded.Metadata["user"] != "ada" {
		t.Fatalf("metadata lost: %v", loaded.Metadata)
	}
}

func TestThreadStore_NotFound(t *testing.T) {
	threads, _ := setupPool(t)
	if _, err := threads.Load(context.Background(), core.NewID()); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_PutGet(t *testing.T) {
	_, files := setupPool(t)
	ctx := context.Background()

	att, err := files.Put(ctx, "a.png", "image/png", []byte{0x89, 0x50})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := files.Get(ctx, att.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(data) != 2 || data[0] != 0x89 {
		t.Fatalf("unexpected data %v", data)
	}
	if _, err := files.Get(ctx, core.NewID()); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
