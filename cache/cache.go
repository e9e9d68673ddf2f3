// Package cache implements the tool result cache on top of
// dgraph-io/ristretto as an in-process cache.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Options configure the Ristretto cache.
type Options struct {
	// MaxCostBytes is the maximum total size of cached values in bytes.
	MaxCostBytes int64
	// TTL expires entries after the given duration; zero keeps them until evicted.
	TTL time.Duration
}

// Ristretto wraps a ristretto cache and implements tool.ResultCache.
type Ristretto struct {
	c   *ristretto.Cache[string, string]
	ttl time.Duration
}

// New creates a ristretto-backed cache.
func New(optFns ...func(o *Options)) (*Ristretto, error) {
	opts := Options{MaxCostBytes: 32 << 20}
	for _, fn := range optFns {
		fn(&opts)
	}
	numCounters := opts.MaxCostBytes / 100 * 10 // ~10x expected items
	if numCounters < 1000 {
		numCounters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: numCounters,
		MaxCost:     opts.MaxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Ristretto{c: c, ttl: opts.TTL}, nil
}

// Get retrieves a value from the cache.
func (r *Ristretto) Get(key string) (string, bool) {
	return r.c.Get(key)
}

// Set stores a value. Ristretto admits entries asynchronously; Set waits
// for the write buffer so an immediate Get observes the value when admitted.
func (r *Ristretto) Set(key, value string) {
	r.c.SetWithTTL(key, value, int64(len(key)+len(value)), r.ttl)
	r.c.Wait()
}

// Delete removes a value from the cache.
func (r *Ristretto) Delete(key string) {
	r.c.Del(key)
}

// Close shuts down the cache and releases resources.
func (r *Ristretto) Close() {
	r.c.Close()
}
