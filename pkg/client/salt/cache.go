// Package salt caches server-issued salts for the lifetime of a session.
package salt

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrEmptySalt = errors.New("server returned an empty salt")

// Fetcher retrieves the raw salt bytes for a label from the server.
type Fetcher interface {
	GetServerSalt(ctx context.Context, label string) ([]byte, error)
}

// Cache memoizes one salt per label. Failed fetches are not cached, so the
// next caller retries. Concurrent callers for the same label share a single
// fetch; other labels are not blocked by it.
type Cache struct {
	fetcher Fetcher

	mu       sync.Mutex
	salts    map[string][]byte
	inflight map[string]*call
	gen      uint64
}

// call is a fetch in progress. done is closed once salt and err are set.
type call struct {
	done chan struct{}
	salt []byte
	err  error
}

// NewCache creates an empty cache backed by fetcher.
func NewCache(fetcher Fetcher) *Cache {
	return &Cache{
		fetcher:  fetcher,
		salts:    make(map[string][]byte),
		inflight: make(map[string]*call),
	}
}

// Get returns the salt for label, fetching it on first use. A caller whose
// ctx ends while waiting on another caller's fetch returns ctx.Err().
func (c *Cache) Get(ctx context.Context, label string) ([]byte, error) {
	c.mu.Lock()
	if s, ok := c.salts[label]; ok {
		c.mu.Unlock()
		return clone(s), nil
	}
	if cl, ok := c.inflight[label]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			if cl.err != nil {
				return nil, cl.err
			}
			return clone(cl.salt), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[label] = cl
	gen := c.gen
	c.mu.Unlock()

	cl.salt, cl.err = c.fetch(ctx, label)

	c.mu.Lock()
	if c.inflight[label] == cl {
		delete(c.inflight, label)
	}
	if cl.err == nil && c.gen == gen {
		c.salts[label] = clone(cl.salt)
	}
	c.mu.Unlock()
	close(cl.done)

	if cl.err != nil {
		return nil, cl.err
	}
	return clone(cl.salt), nil
}

func (c *Cache) fetch(ctx context.Context, label string) ([]byte, error) {
	s, err := c.fetcher.GetServerSalt(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("fetch salt %s: %w", label, err)
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySalt, label)
	}
	return clone(s), nil
}

// Reset forgets every cached salt. Fetches already in flight still answer
// their callers but are not cached.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.salts = make(map[string][]byte)
	c.inflight = make(map[string]*call)
	c.gen++
	c.mu.Unlock()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
