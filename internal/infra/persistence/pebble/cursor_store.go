// Package pebblestore keeps subscription cursors in a local Pebble database so a restarted
// client resumes where it stopped.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/cursorstore"
	"github.com/coachpo/relay/internal/domain/schema"
	"github.com/coachpo/relay/internal/infra/persistence"
)

const (
	storeName = "pebble"
	keyPrefix = "cursor/"
)

// Options configures the Pebble cursor store.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Sync forces a WAL fsync on every save.
	Sync bool
	// PebbleOptions allows advanced tuning of Pebble. If nil, defaults are used.
	PebbleOptions *pebble.Options
}

// CursorStore implements cursorstore.Store on Pebble.
type CursorStore struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	clock     func() time.Time
}

// Open creates or opens the database at opts.DataDir.
func Open(opts Options) (*CursorStore, error) {
	if strings.TrimSpace(opts.DataDir) == "" {
		return nil, errs.New("pebble/open", errs.CodeInvalid, errs.WithMessage("data dir required"))
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, errs.New("pebble/open", errs.CodeUnavailable, errs.WithCause(err))
	}
	writeOpts := pebble.NoSync
	if opts.Sync {
		writeOpts = pebble.Sync
	}
	return &CursorStore{db: db, writeOpts: writeOpts, clock: time.Now}, nil
}

// Load implements cursorstore.Store.
func (s *CursorStore) Load(ctx context.Context, key string) (cursorstore.Record, bool, error) {
	record, ok, err := s.load(key)
	return record, ok, persistence.RecordOperation(ctx, storeName, "load", err)
}

func (s *CursorStore) load(key string) (cursorstore.Record, bool, error) {
	key = strings.TrimSpace(key)
	raw, closer, err := s.db.Get(storageKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return cursorstore.Record{}, false, nil
		}
		return cursorstore.Record{}, false, errs.New("pebble/load", errs.CodeUnavailable, errs.WithCause(err))
	}
	defer closer.Close()

	var record cursorstore.Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return cursorstore.Record{}, false, errs.New("pebble/load", errs.CodeMalformedResponse,
			errs.WithMessage(fmt.Sprintf("decode cursor %q", key)), errs.WithCause(err))
	}
	return record, true, nil
}

// Save implements cursorstore.Store.
func (s *CursorStore) Save(ctx context.Context, key string, cursor schema.Cursor) error {
	return persistence.RecordOperation(ctx, storeName, "save", s.save(key, cursor))
}

func (s *CursorStore) save(key string, cursor schema.Cursor) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errs.New("pebble/save", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	raw, err := json.Marshal(cursorstore.Record{Key: key, Cursor: cursor, UpdatedAt: s.clock().UTC()})
	if err != nil {
		return errs.New("pebble/save", errs.CodeInvalid, errs.WithCause(err))
	}
	if err := s.db.Set(storageKey(key), raw, s.writeOpts); err != nil {
		return errs.New("pebble/save", errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

// Delete implements cursorstore.Store.
func (s *CursorStore) Delete(ctx context.Context, key string) error {
	var err error
	if derr := s.db.Delete(storageKey(strings.TrimSpace(key)), s.writeOpts); derr != nil {
		err = errs.New("pebble/delete", errs.CodeUnavailable, errs.WithCause(derr))
	}
	return persistence.RecordOperation(ctx, storeName, "delete", err)
}

// Close flushes and closes the database.
func (s *CursorStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func storageKey(key string) []byte {
	return []byte(keyPrefix + key)
}
