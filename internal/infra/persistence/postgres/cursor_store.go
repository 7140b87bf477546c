package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/cursorstore"
	"github.com/coachpo/relay/internal/domain/schema"
	"github.com/coachpo/relay/internal/infra/persistence"
)

const storeName = "postgres"

const (
	cursorUpsertSQL = `
INSERT INTO subscription_cursors (
    cursor_key,
    timetoken,
    region,
    updated_at
)
VALUES ($1, $2::numeric, $3, NOW())
ON CONFLICT (cursor_key) DO UPDATE SET
    timetoken = EXCLUDED.timetoken,
    region = EXCLUDED.region,
    updated_at = NOW();
`
	cursorSelectSQL = `
SELECT cursor_key, timetoken::text, region, updated_at
FROM subscription_cursors
WHERE cursor_key = $1;
`
	cursorDeleteSQL = `DELETE FROM subscription_cursors WHERE cursor_key = $1;`
)

// CursorStore persists cursors in the subscription_cursors table. Timetokens are stored as
// NUMERIC since they exceed the signed bigint range.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore constructs a CursorStore backed by the provided pgx pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Load implements cursorstore.Store.
func (s *CursorStore) Load(ctx context.Context, key string) (cursorstore.Record, bool, error) {
	record, ok, err := s.load(ctx, key)
	return record, ok, persistence.RecordOperation(ctx, storeName, "load", err)
}

func (s *CursorStore) load(ctx context.Context, key string) (cursorstore.Record, bool, error) {
	if s.pool == nil {
		return cursorstore.Record{}, false, errNilPool("postgres/load")
	}
	var (
		record    cursorstore.Record
		timetoken string
		region    int64
		updatedAt time.Time
	)
	err := s.pool.QueryRow(ctx, cursorSelectSQL, strings.TrimSpace(key)).Scan(&record.Key, &timetoken, &region, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cursorstore.Record{}, false, nil
		}
		return cursorstore.Record{}, false, errs.New("postgres/load", errs.CodeUnavailable, errs.WithCause(err))
	}
	tt, err := schema.ParseTimetoken(timetoken)
	if err != nil {
		return cursorstore.Record{}, false, errs.New("postgres/load", errs.CodeMalformedResponse,
			errs.WithMessage(fmt.Sprintf("stored timetoken %q", timetoken)), errs.WithCause(err))
	}
	record.Cursor = schema.Cursor{Timetoken: tt, Region: uint32(region)}
	record.UpdatedAt = updatedAt.UTC()
	return record, true, nil
}

// Save implements cursorstore.Store.
func (s *CursorStore) Save(ctx context.Context, key string, cursor schema.Cursor) error {
	return persistence.RecordOperation(ctx, storeName, "save", s.exec(ctx, "postgres/save", key, cursorUpsertSQL,
		strconv.FormatUint(cursor.Timetoken, 10), int64(cursor.Region)))
}

// Delete implements cursorstore.Store.
func (s *CursorStore) Delete(ctx context.Context, key string) error {
	return persistence.RecordOperation(ctx, storeName, "delete", s.exec(ctx, "postgres/delete", key, cursorDeleteSQL))
}

func (s *CursorStore) exec(ctx context.Context, op, key, sql string, args ...any) error {
	if s.pool == nil {
		return errNilPool(op)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("key required"))
	}
	if _, err := s.pool.Exec(ctx, sql, append([]any{key}, args...)...); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

func errNilPool(op string) error {
	return errs.New(op, errs.CodeUnavailable, errs.WithMessage("nil pool"))
}

// Close is a no-op; the pool belongs to the caller.
func (s *CursorStore) Close() error { return nil }
