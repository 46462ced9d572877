package redisx

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeletePattern(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	for i := 0; i < 450; i++ {
		require.NoError(t, rdb.Set(ctx, fmt.Sprintf(KeyProduct, fmt.Sprint(i)), "{}", 0).Err())
	}
	require.NoError(t, rdb.Set(ctx, fmt.Sprintf(KeyOrderStatus, "o1"), "{}", 0).Err())

	n, err := DeletePattern(ctx, rdb, "product:*")
	require.NoError(t, err)
	assert.EqualValues(t, 450, n)

	ok, err := Exists(ctx, rdb, fmt.Sprintf(KeyOrderStatus, "o1"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = Exists(ctx, rdb, fmt.Sprintf(KeyProduct, "1"))
	require.NoError(t, err)
	assert.False(t, ok)
}
