// Package docstore is the remote document store the storefront runs on: point
// reads, writes, partial updates, ordered queries and multi-document
// transactions that are retried when the store detects a write conflict.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("document not found")
	ErrConflict       = errors.New("transaction conflict")
	ErrReadAfterWrite = errors.New("transaction reads must happen before writes")
	ErrInvalidPath    = errors.New("invalid document path")
)

// DefaultMaxAttempts bounds how many times a transaction body is run.
const DefaultMaxAttempts = 5

// TransactionConflictError is returned once a transaction has been retried
// MaxAttempts times and still collides with concurrent writers.
type TransactionConflictError struct {
	Attempts int
	Err      error
}

func (e *TransactionConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transaction aborted after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("transaction aborted after %d attempts", e.Attempts)
}

func (e *TransactionConflictError) Is(target error) bool { return target == ErrConflict }

func (e *TransactionConflictError) Unwrap() error { return e.Err }

// Snapshot is a document as read from the store.
type Snapshot struct {
	Path       string
	ID         string
	Data       json.RawMessage
	Version    int64
	CreateTime time.Time
	UpdateTime time.Time
}

func (s Snapshot) Decode(v any) error {
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return nil
}

type Filter struct {
	Field string
	Value string
}

// Query selects documents of one collection by equality on top-level fields,
// ordered by creation time.
type Query struct {
	Collection string
	Where      []Filter
	Newest     bool
	Limit      int
}

type TxFunc func(ctx context.Context, tx Tx) error

type Store interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(ctx context.Context, path string, v any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Query(ctx context.Context, q Query) ([]Snapshot, error)
	// RunTransaction runs fn atomically. fn may be invoked more than once and
	// must not have side effects outside of tx.
	RunTransaction(ctx context.Context, fn TxFunc) error
}

type Tx interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Set(path string, v any) error
	Update(path string, fields map[string]any) error
}

func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Doc joins a collection path and a document id.
func Doc(collection, id string) string {
	return collection + "/" + id
}

// split returns the parent collection and id of a document path.
// Document paths have an even number of segments.
func split(p string) (collection, id string, err error) {
	p = strings.Trim(p, "/")
	segs := strings.Split(p, "/")
	if p == "" || len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, s := range segs {
		if s == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	return path.Dir(p), path.Base(p), nil
}

func marshal(v any) (json.RawMessage, error) {
	switch b := v.(type) {
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// merge overlays top-level fields onto an existing JSON object.
func merge(base json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &obj); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		obj[k] = b
	}
	return json.Marshal(obj)
}
