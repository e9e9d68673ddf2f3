package core

import "context"

// ThreadStore persists threads. It is consulted only at run boundaries:
// before the first iteration and after a terminal state.
type ThreadStore interface {
	// Load returns ErrNotFound when no thread has the given id.
	Load(ctx context.Context, id string) (*Thread, error)
	// Save persists the thread. Implementations append messages whose
	// sequence numbers are not yet stored.
	Save(ctx context.Context, thread *Thread) error
}

// FileStore keeps attachment bytes outside of the thread.
type FileStore interface {
	Put(ctx context.Context, name, mimeType string, data []byte) (Attachment, error)
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) ([]byte, error)
}
