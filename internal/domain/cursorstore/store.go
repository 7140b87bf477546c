// Package cursorstore defines persistence for the last delivered subscription cursor.
package cursorstore

import (
	"context"
	"time"

	"github.com/coachpo/relay/internal/domain/schema"
)

// Record is a stored cursor with its bookkeeping.
type Record struct {
	Key       string        `json:"key"`
	Cursor    schema.Cursor `json:"cursor"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Store loads and saves cursors keyed by client identity.
// Load reports false when nothing has been stored for key.
type Store interface {
	Load(ctx context.Context, key string) (Record, bool, error)
	Save(ctx context.Context, key string, cursor schema.Cursor) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Nop is a Store that keeps nothing.
type Nop struct{}

// Load implements Store.
func (Nop) Load(context.Context, string) (Record, bool, error) { return Record{}, false, nil }

// Save implements Store.
func (Nop) Save(context.Context, string, schema.Cursor) error { return nil }

// Delete implements Store.
func (Nop) Delete(context.Context, string) error { return nil }

// Close implements Store.
func (Nop) Close() error { return nil }
