package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps documents as JSONB rows of a single table (see
// postgres.Migrate). Transactions run SERIALIZABLE and lock every row they
// read; serialization failures and deadlocks re-run the body.
type PGStore struct {
	DB          *pgxpool.Pool
	MaxAttempts int
}

const selectDoc = `SELECT path, id, data, version, created_at, updated_at FROM documents`

func scanSnapshot(row pgx.Row) (Snapshot, error) {
	var s Snapshot
	var data []byte
	if err := row.Scan(&s.Path, &s.ID, &data, &s.Version, &s.CreateTime, &s.UpdateTime); err != nil {
		return Snapshot{}, err
	}
	s.Data = data
	return s, nil
}

func (s *PGStore) Get(ctx context.Context, p string) (Snapshot, error) {
	if _, _, err := split(p); err != nil {
		return Snapshot{}, err
	}
	snap, err := scanSnapshot(s.DB.QueryRow(ctx, selectDoc+` WHERE path=$1`, p))
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return snap, err
}

func (s *PGStore) Set(ctx context.Context, p string, v any) error {
	return execSet(ctx, s.DB, p, v)
}

func (s *PGStore) Update(ctx context.Context, p string, fields map[string]any) error {
	return execUpdate(ctx, s.DB, p, fields)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func execSet(ctx context.Context, db execer, p string, v any) error {
	col, id, err := split(p)
	if err != nil {
		return err
	}
	data, err := marshal(v)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO documents(path, collection, id, data)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (path) DO UPDATE
		SET data = EXCLUDED.data, version = documents.version + 1, updated_at = now()`,
		p, col, id, string(data))
	return err
}

func execUpdate(ctx context.Context, db execer, p string, fields map[string]any) error {
	if _, _, err := split(p); err != nil {
		return err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	ct, err := db.Exec(ctx, `
		UPDATE documents
		SET data = data || $2::jsonb, version = version + 1, updated_at = now()
		WHERE path = $1`, p, string(patch))
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return nil
}

func (s *PGStore) Query(ctx context.Context, q Query) ([]Snapshot, error) {
	var sb strings.Builder
	sb.WriteString(selectDoc)
	sb.WriteString(` WHERE collection = $1`)
	args := []any{q.Collection}
	for _, f := range q.Where {
		args = append(args, f.Field, f.Value)
		fmt.Fprintf(&sb, ` AND data->>$%d = $%d`, len(args)-1, len(args))
	}
	if q.Newest {
		sb.WriteString(` ORDER BY created_at DESC, seq DESC`)
	} else {
		sb.WriteString(` ORDER BY created_at, seq`)
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}

	rows, err := s.DB.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PGStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	attempts := s.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	var last error
	for i := 0; i < attempts; i++ {
		err := s.runOnce(ctx, fn)
		if !retryable(err) {
			return err
		}
		last = err
	}
	return &TransactionConflictError{Attempts: attempts, Err: last}
}

func (s *PGStore) runOnce(ctx context.Context, fn TxFunc) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t := &pgTx{tx: tx}
	if err := fn(ctx, t); err != nil {
		return err
	}
	for _, w := range t.writes {
		if w.update {
			err = execUpdate(ctx, tx, w.path, w.fields)
		} else {
			err = execSet(ctx, tx, w.path, w.value)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// retryable reports serialization failures and deadlocks.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type pgTx struct {
	tx     pgx.Tx
	writes []pgWrite
}

type pgWrite struct {
	path   string
	value  any
	fields map[string]any
	update bool
}

func (t *pgTx) Get(ctx context.Context, p string) (Snapshot, error) {
	if len(t.writes) > 0 {
		return Snapshot{}, ErrReadAfterWrite
	}
	if _, _, err := split(p); err != nil {
		return Snapshot{}, err
	}
	snap, err := scanSnapshot(t.tx.QueryRow(ctx, selectDoc+` WHERE path=$1 FOR UPDATE`, p))
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return snap, err
}

func (t *pgTx) Set(p string, v any) error {
	if _, _, err := split(p); err != nil {
		return err
	}
	t.writes = append(t.writes, pgWrite{path: p, value: v})
	return nil
}

func (t *pgTx) Update(p string, fields map[string]any) error {
	if _, _, err := split(p); err != nil {
		return err
	}
	t.writes = append(t.writes, pgWrite{path: p, fields: fields, update: true})
	return nil
}
