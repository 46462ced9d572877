package orders

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-storefront/internal/invalidate"
	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheProjector(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := &CacheProjector{Cache: &invalidate.Cache{Redis: rdb}, Redis: rdb, Service: "proj", Log: zerolog.Nop()}

	for _, k := range []string{
		fmt.Sprintf(redisx.KeyProduct, "a"),
		fmt.Sprintf(redisx.KeyProduct, "b"),
		fmt.Sprintf(redisx.KeyOrderStatus, "o1"),
		fmt.Sprintf(redisx.KeyOrderStatus, "o2"),
	} {
		require.NoError(t, mr.Set(k, "{}"))
	}

	created := kafkax.NewEnvelope(EventOrderCreated, "api", "o1", OrderCreatedPayload{
		OrderID: "o1", Items: []ItemQty{{ProductID: "a", Qty: 1}},
	})
	require.NoError(t, p.Handle(ctx, kafkago.Message{Value: kafkax.MustMarshal(created)}))
	assert.False(t, mr.Exists(fmt.Sprintf(redisx.KeyProduct, "a")))
	assert.False(t, mr.Exists(fmt.Sprintf(redisx.KeyProduct, "b")), "product listing pattern dropped too")
	assert.True(t, mr.Exists(fmt.Sprintf(redisx.KeyOrderStatus, "o1")))

	changed := kafkax.NewEnvelope(EventOrderStatusChanged, "api", "o2", OrderStatusChangedPayload{
		OrderID: "o2", From: StatusProcessing, To: StatusShipped,
	})
	require.NoError(t, p.Handle(ctx, kafkago.Message{Value: kafkax.MustMarshal(changed)}))
	assert.False(t, mr.Exists(fmt.Sprintf(redisx.KeyOrderStatus, "o2")))
	assert.True(t, mr.Exists(fmt.Sprintf(redisx.KeyOrderStatus, "o1")))

	// redelivery is deduplicated
	require.NoError(t, mr.Set(fmt.Sprintf(redisx.KeyOrderStatus, "o2"), "{}"))
	require.NoError(t, p.Handle(ctx, kafkago.Message{Value: kafkax.MustMarshal(changed)}))
	assert.True(t, mr.Exists(fmt.Sprintf(redisx.KeyOrderStatus, "o2")))

	assert.NoError(t, p.Handle(ctx, kafkago.Message{Value: []byte("nope")}))
	other := kafkax.NewEnvelope("Something", "api", "x", map[string]string{})
	assert.NoError(t, p.Handle(ctx, kafkago.Message{Value: kafkax.MustMarshal(other)}))
}
