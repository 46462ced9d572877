package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	N    int    `json:"n"`
	Name string `json:"name,omitempty"`
}

func TestMemStore_SetGetUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	require.NoError(t, s.Set(ctx, "counters/a", counter{N: 1, Name: "a"}))
	snap, err := s.Get(ctx, "counters/a")
	require.NoError(t, err)
	assert.Equal(t, "a", snap.ID)
	assert.False(t, snap.CreateTime.IsZero())

	require.NoError(t, s.Update(ctx, "counters/a", map[string]any{"n": 5}))
	snap2, err := s.Get(ctx, "counters/a")
	require.NoError(t, err)
	var c counter
	require.NoError(t, snap2.Decode(&c))
	assert.Equal(t, counter{N: 5, Name: "a"}, c)
	assert.Greater(t, snap2.Version, snap.Version)
	assert.Equal(t, snap.CreateTime, snap2.CreateTime)
}

func TestMemStore_MissingAndInvalidPaths(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	_, err := s.Get(ctx, "counters/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Update(ctx, "counters/missing", map[string]any{"n": 1})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "counters")
	assert.ErrorIs(t, err, ErrInvalidPath)
	assert.ErrorIs(t, s.Set(ctx, "a//b", counter{}), ErrInvalidPath)
}

func TestMemStore_QueryFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Set(ctx, "orders/1", map[string]any{"userId": "u1"}))
	require.NoError(t, s.Set(ctx, "orders/2", map[string]any{"userId": "u2"}))
	require.NoError(t, s.Set(ctx, "orders/3", map[string]any{"userId": "u1"}))
	require.NoError(t, s.Set(ctx, "users/u1", map[string]any{"userId": "u1"}))

	got, err := s.Query(ctx, Query{Collection: "orders", Where: []Filter{{Field: "userId", Value: "u1"}}, Newest: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].ID)
	assert.Equal(t, "1", got[1].ID)

	got, err = s.Query(ctx, Query{Collection: "orders", Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
}

func TestMemStore_NestedCollections(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Set(ctx, "siteContent/global/shipping/defaultFee", map[string]any{"fee": 40}))

	got, err := s.Query(ctx, Query{Collection: "siteContent/global/shipping"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "defaultFee", got[0].ID)
}

func TestMemStore_TransactionCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Set(ctx, "counters/a", counter{N: 1}))

	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Get(ctx, "counters/a"); err != nil {
			return err
		}
		require.NoError(t, tx.Set("counters/b", counter{N: 2}))
		// updating a missing document fails the whole unit
		return tx.Update("counters/missing", map[string]any{"n": 1})
	})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "counters/b")
	assert.ErrorIs(t, err, ErrNotFound, "no partial writes after a failed commit")
}

func TestMemStore_TransactionBodyErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	boom := errors.New("boom")

	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.Set("counters/a", counter{N: 1}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.Get(ctx, "counters/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStore_ReadAfterWriteRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.Set("counters/a", counter{N: 1}))
		_, err := tx.Get(ctx, "counters/a")
		return err
	})
	assert.ErrorIs(t, err, ErrReadAfterWrite)
}

func TestMemStore_TransactionRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	require.NoError(t, s.Set(ctx, "counters/a", counter{N: 1}))

	runs := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		runs++
		snap, err := tx.Get(ctx, "counters/a")
		if err != nil {
			return err
		}
		var c counter
		if err := snap.Decode(&c); err != nil {
			return err
		}
		if runs == 1 {
			// a concurrent writer lands between our read and our commit
			require.NoError(t, s.Update(ctx, "counters/a", map[string]any{"n": 10}))
		}
		return tx.Update("counters/a", map[string]any{"n": c.N + 1})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, runs)

	snap, err := s.Get(ctx, "counters/a")
	require.NoError(t, err)
	var c counter
	require.NoError(t, snap.Decode(&c))
	assert.Equal(t, 11, c.N)
}

func TestMemStore_TransactionGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore().WithMaxAttempts(3)
	require.NoError(t, s.Set(ctx, "counters/a", counter{N: 1}))

	runs := 0
	err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		runs++
		if _, err := tx.Get(ctx, "counters/a"); err != nil {
			return err
		}
		require.NoError(t, s.Update(ctx, "counters/a", map[string]any{"n": runs}))
		return tx.Update("counters/a", map[string]any{"name": "tx"})
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	var conflict *TransactionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 3, conflict.Attempts)
	assert.Equal(t, 3, runs)
}

func TestMemStore_ConcurrentIncrementsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore().WithMaxAttempts(1000)
	require.NoError(t, s.Set(ctx, "counters/a", counter{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
				snap, err := tx.Get(ctx, "counters/a")
				if err != nil {
					return err
				}
				var c counter
				if err := snap.Decode(&c); err != nil {
					return err
				}
				return tx.Update("counters/a", map[string]any{"n": c.N + 1})
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := s.Get(ctx, "counters/a")
	require.NoError(t, err)
	var c counter
	require.NoError(t, snap.Decode(&c))
	assert.Equal(t, 20, c.N)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, retryable(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, retryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, retryable(errors.New("plain")))
	assert.False(t, retryable(nil))
}

func TestSplit(t *testing.T) {
	col, id, err := split("siteContent/global/shipping/defaultFee")
	require.NoError(t, err)
	assert.Equal(t, "siteContent/global/shipping", col)
	assert.Equal(t, "defaultFee", id)

	_, _, err = split("products")
	assert.ErrorIs(t, err, ErrInvalidPath)
}
