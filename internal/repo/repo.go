package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stockline/internal/db"
	"stockline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when a status transition finds the request
	// already terminal.
	ErrNotPending = errors.New("request is not pending")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

// WithTx runs fn inside one transaction and commits when fn returns nil.
// Lock contention aborts the attempt and the whole function is re-run, up to
// attempts times.
func (r Repo) WithTx(ctx context.Context, attempts int, fn func(tx *sql.Tx) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = r.runTx(ctx, fn)
		if err == nil || !db.IsBusy(err) {
			return err
		}
		backoff := time.Duration(attempt+1) * 25 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("transaction contended after %d attempts: %w", attempts, err)
}

func (r Repo) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func marshalStrings(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, _ := json.Marshal(items)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func marshalRefs(refs []domain.AttachmentRef) string {
	if refs == nil {
		refs = []domain.AttachmentRef{}
	}
	b, _ := json.Marshal(refs)
	return string(b)
}

func unmarshalRefs(raw string) []domain.AttachmentRef {
	var out []domain.AttachmentRef
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
