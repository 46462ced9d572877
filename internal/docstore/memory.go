package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store. Transactions are optimistic: the versions
// of every document read are checked at commit and the body is re-run when a
// concurrent writer got there first.
type MemStore struct {
	mu          sync.Mutex
	docs        map[string]memDoc
	version     int64
	maxAttempts int
	now         func() time.Time
}

type memDoc struct {
	snap Snapshot
	seq  int64
}

var errStale = errors.New("stale read set")

func NewMemStore() *MemStore {
	return &MemStore{
		docs:        map[string]memDoc{},
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// WithMaxAttempts sets how many times a transaction body may run.
func (s *MemStore) WithMaxAttempts(n int) *MemStore {
	if n > 0 {
		s.maxAttempts = n
	}
	return s
}

func (s *MemStore) Get(_ context.Context, p string) (Snapshot, error) {
	if _, _, err := split(p); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[p]
	if !ok {
		return Snapshot{}, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return d.snap, nil
}

func (s *MemStore) Set(_ context.Context, p string, v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	if _, _, err := split(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(p, data)
	return nil
}

func (s *MemStore) Update(_ context.Context, p string, fields map[string]any) error {
	if _, _, err := split(p); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[p]
	if !ok {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	data, err := merge(d.snap.Data, fields)
	if err != nil {
		return err
	}
	s.put(p, data)
	return nil
}

// put must be called with mu held.
func (s *MemStore) put(p string, data json.RawMessage) {
	now := s.now().UTC()
	s.version++
	d, ok := s.docs[p]
	if !ok {
		_, id, _ := split(p)
		d = memDoc{seq: s.version, snap: Snapshot{Path: p, ID: id, CreateTime: now}}
	}
	d.snap.Data = append(json.RawMessage(nil), data...)
	d.snap.Version = s.version
	d.snap.UpdateTime = now
	s.docs[p] = d
}

func (s *MemStore) Query(_ context.Context, q Query) ([]Snapshot, error) {
	s.mu.Lock()
	var matched []memDoc
	for p, d := range s.docs {
		col, _, _ := split(p)
		if col != q.Collection {
			continue
		}
		ok, err := matches(d.snap.Data, q.Where)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if ok {
			matched = append(matched, d)
		}
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if q.Newest {
			return matched[i].seq > matched[j].seq
		}
		return matched[i].seq < matched[j].seq
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]Snapshot, 0, len(matched))
	for _, d := range matched {
		out = append(out, d.snap)
	}
	return out, nil
}

func matches(data json.RawMessage, where []Filter) (bool, error) {
	if len(where) == 0 {
		return true, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return false, err
	}
	for _, f := range where {
		v, ok := obj[f.Field]
		if !ok || fmt.Sprint(v) != f.Value {
			return false, nil
		}
	}
	return true, nil
}

func (s *MemStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	var last error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memTx{s: s, reads: map[string]int64{}}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := s.commit(tx)
		if errors.Is(err, errStale) {
			last = err
			continue
		}
		return err
	}
	return &TransactionConflictError{Attempts: s.maxAttempts, Err: last}
}

func (s *MemStore) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, v := range tx.reads {
		cur := int64(0)
		if d, ok := s.docs[p]; ok {
			cur = d.snap.Version
		}
		if cur != v {
			return fmt.Errorf("%s: %w", p, errStale)
		}
	}

	// Stage every write first so a failing Update leaves nothing applied.
	staged := map[string]json.RawMessage{}
	order := make([]string, 0, len(tx.writes))
	for _, w := range tx.writes {
		if _, seen := staged[w.path]; !seen {
			order = append(order, w.path)
		}
		if !w.update {
			staged[w.path] = w.data
			continue
		}
		base, ok := staged[w.path]
		if !ok {
			d, exists := s.docs[w.path]
			if !exists {
				return fmt.Errorf("%s: %w", w.path, ErrNotFound)
			}
			base = d.snap.Data
		}
		data, err := merge(base, w.fields)
		if err != nil {
			return err
		}
		staged[w.path] = data
	}
	for _, p := range order {
		s.put(p, staged[p])
	}
	return nil
}

type memTx struct {
	s      *MemStore
	reads  map[string]int64
	writes []memWrite
}

type memWrite struct {
	path   string
	data   json.RawMessage
	fields map[string]any
	update bool
}

func (t *memTx) Get(_ context.Context, p string) (Snapshot, error) {
	if len(t.writes) > 0 {
		return Snapshot{}, ErrReadAfterWrite
	}
	if _, _, err := split(p); err != nil {
		return Snapshot{}, err
	}
	t.s.mu.Lock()
	d, ok := t.s.docs[p]
	t.s.mu.Unlock()
	if !ok {
		t.reads[p] = 0
		return Snapshot{}, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	t.reads[p] = d.snap.Version
	return d.snap, nil
}

func (t *memTx) Set(p string, v any) error {
	if _, _, err := split(p); err != nil {
		return err
	}
	data, err := marshal(v)
	if err != nil {
		return err
	}
	t.writes = append(t.writes, memWrite{path: p, data: data})
	return nil
}

func (t *memTx) Update(p string, fields map[string]any) error {
	if _, _, err := split(p); err != nil {
		return err
	}
	t.writes = append(t.writes, memWrite{path: p, fields: fields, update: true})
	return nil
}
