package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hupe1980/agentloop/core"
)

// Interface compliance (compile-time assertions)
var (
	_ core.ThreadStore = (*ThreadStore)(nil)
	_ core.FileStore   = (*FileStore)(nil)
)

func TestThreadStore_SaveLoadIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewThreadStore()

	if _, err := s.Load(ctx, "t1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	th := core.NewThread("t1")
	f := core.NewMessageFactory("a", "m")
	th.Append(f.CreateUserMessage("hello"))
	if err := s.Save(ctx, th); err != nil {
		t.Fatalf("save: %v", err)
	}

	// mutate original after save
	th.Append(f.CreateUserMessage("later"))

	loaded, err := s.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", loaded.Len())
	}
	if loaded.Digest() == th.Digest() {
		t.Fatalf("stored thread should not reflect later mutation")
	}

	loaded.Append(f.CreateUserMessage("mutated copy"))
	again, _ := s.Load(ctx, "t1")
	if again.Len() != 1 {
		t.Fatalf("expected isolation, got %d messages", again.Len())
	}

	if err := s.Delete(ctx, "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "t1"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestFileStore_PutGetIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewFileStore()
	data := []byte("hello")

	att, err := s.Put(ctx, "greeting.txt", "text/plain", data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !att.Stored() || att.Size != 5 || att.Name != "greeting.txt" {
		t.Fatalf("unexpected attachment %+v", att)
	}

	data[0] = 'H'
	out, err := s.Get(ctx, att.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(out) != "hello" {
		t.Fatalf("expected 'hello', got %q", string(out))
	}
	out[0] = 'x'
	out2, _ := s.Get(ctx, att.ID)
	if string(out2) != "hello" {
		t.Fatalf("expected isolation, got %q", string(out2))
	}

	if err := s.Delete(ctx, att.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, att.ID); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestThreadStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	s := NewThreadStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Save(ctx, core.NewThread(fmt.Sprintf("t%d", i%5)))
			_, _ = s.Load(ctx, fmt.Sprintf("t%d", i%5))
		}(i)
	}
	wg.Wait()
	if n := len(s.IDs()); n != 5 {
		t.Fatalf("expected 5 threads, got %d", n)
	}
}
