// Package memory provides an in-process cursor store.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/relay/internal/domain/cursorstore"
	"github.com/coachpo/relay/internal/domain/schema"
)

// CursorStore keeps cursors for the lifetime of the process.
type CursorStore struct {
	mu      sync.RWMutex
	records map[string]cursorstore.Record
	clock   func() time.Time
}

// NewCursorStore constructs an empty store.
func NewCursorStore() *CursorStore {
	return &CursorStore{
		records: make(map[string]cursorstore.Record),
		clock:   time.Now,
	}
}

// Load implements cursorstore.Store.
func (s *CursorStore) Load(_ context.Context, key string) (cursorstore.Record, bool, error) {
	key = strings.TrimSpace(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[key]
	return record, ok, nil
}

// Save implements cursorstore.Store.
func (s *CursorStore) Save(_ context.Context, key string, cursor schema.Cursor) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("cursor store: key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = cursorstore.Record{Key: key, Cursor: cursor, UpdatedAt: s.clock().UTC()}
	return nil
}

// Delete implements cursorstore.Store.
func (s *CursorStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, strings.TrimSpace(key))
	return nil
}

// Close implements cursorstore.Store.
func (s *CursorStore) Close() error { return nil }
