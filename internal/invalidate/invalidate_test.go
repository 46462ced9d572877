package invalidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTarget_Validate(t *testing.T) {
	assert.NoError(t, Orders().Validate())
	assert.NoError(t, Product("p1").Validate())
	assert.Error(t, Target{}.Validate())
	assert.ErrorIs(t, Target{Type: "bogus"}.Validate(), ErrUnknownType)
	assert.Equal(t, "products /products/p1", Product("p1").String())
}

func TestPathID(t *testing.T) {
	assert.Equal(t, "p1", pathID("/products/p1", "products"))
	assert.Equal(t, "", pathID("/products/", "products"))
	assert.Equal(t, "", pathID("/products/p1/reviews", "products"))
	assert.Equal(t, "", pathID("/orders/o1", "products"))
}

func TestHTTPNotifier_PostsTargetWithBearer(t *testing.T) {
	var (
		gotAuth string
		gotBody Target
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &HTTPNotifier{URL: srv.URL, Token: func(context.Context) (string, error) { return "tok", nil }}
	require.NoError(t, n.Notify(context.Background(), Product("p9")))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, Product("p9"), gotBody)
}

func TestHTTPNotifier_ReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	n := &HTTPNotifier{URL: srv.URL}
	err := n.Notify(context.Background(), Orders())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")

	n = &HTTPNotifier{URL: srv.URL, Token: func(context.Context) (string, error) { return "", errors.New("no token") }}
	assert.Error(t, n.Notify(context.Background(), Orders()))
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs [][]byte
	full bool
}

func (p *fakePublisher) TryPublish(_, value []byte, _ ...kafkago.Header) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.msgs = append(p.msgs, value)
	return true
}

func TestKafkaNotifier_PublishesEnvelope(t *testing.T) {
	p := &fakePublisher{}
	n := &KafkaNotifier{Producer: p, Service: "api"}
	require.NoError(t, n.Notify(context.Background(), Product("p1")))

	require.Len(t, p.msgs, 1)
	var env kafkax.Envelope
	require.NoError(t, json.Unmarshal(p.msgs[0], &env))
	assert.Equal(t, EventCacheInvalidate, env.EventType)
	got, err := kafkax.UnwrapPayload[Target](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, Product("p1"), got)

	p.full = true
	assert.Error(t, n.Notify(context.Background(), Orders()))
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []Target
	fail bool
	gate chan struct{}
}

func (r *recordingNotifier) Notify(_ context.Context, t Target) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	if r.fail {
		return errors.New("down")
	}
	return nil
}

func TestDispatcher_DeliversInOrderAndFlushesOnClose(t *testing.T) {
	rec := &recordingNotifier{}
	d := NewDispatcher(rec, 8, zerolog.Nop(), nil)
	d.Start(context.Background())
	d.Invalidate(context.Background(), Orders(), Product("a"), Product("b"))
	d.Close()
	d.WaitClosed()

	assert.Equal(t, []Target{Orders(), Product("a"), Product("b")}, rec.got)
}

func TestDispatcher_NeverBlocksWhenFull(t *testing.T) {
	rec := &recordingNotifier{gate: make(chan struct{})}
	d := NewDispatcher(rec, 1, zerolog.Nop(), nil)
	d.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Invalidate(context.Background(), Product(fmt.Sprint(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Invalidate blocked")
	}
	close(rec.gate)
	d.Close()
	d.WaitClosed()
	assert.Less(t, len(rec.got), 10)
}

func TestDispatcher_FailuresAreSwallowed(t *testing.T) {
	rec := &recordingNotifier{fail: true}
	d := NewDispatcher(rec, 4, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	d.Invalidate(ctx, Orders())
	cancel()
	d.WaitClosed()
	d.Invalidate(context.Background(), Orders()) // after close: dropped, no panic
	assert.Len(t, rec.got, 1)
}

func newRedis(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCache_Drop(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	c := &Cache{Redis: rdb}
	for _, id := range []string{"a", "b"} {
		require.NoError(t, rdb.Set(ctx, fmt.Sprintf(redisx.KeyProduct, id), "{}", 0).Err())
		require.NoError(t, rdb.Set(ctx, fmt.Sprintf(redisx.KeyOrderStatus, id), "{}", 0).Err())
	}

	n, err := c.Drop(ctx, Product("a"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = c.Drop(ctx, Products())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = c.Drop(ctx, Orders())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = c.Drop(ctx, Target{Type: TypeCoupons})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestConsumer_HandleDropsOnceAndIgnoresOtherEvents(t *testing.T) {
	ctx := context.Background()
	rdb := newRedis(t)
	require.NoError(t, rdb.Set(ctx, fmt.Sprintf(redisx.KeyProduct, "a"), "{}", 0).Err())
	c := &Consumer{Cache: &Cache{Redis: rdb}, Redis: rdb, Service: "inv", Log: zerolog.Nop()}

	env := kafkax.NewEnvelope(EventCacheInvalidate, "api", "products", Product("a"))
	msg := kafkago.Message{Value: kafkax.MustMarshal(env)}
	require.NoError(t, c.Handle(ctx, msg))

	ok, err := redisx.Exists(ctx, rdb, fmt.Sprintf(redisx.KeyProduct, "a"))
	require.NoError(t, err)
	assert.False(t, ok)

	// redelivery of the same event is a no-op
	require.NoError(t, rdb.Set(ctx, fmt.Sprintf(redisx.KeyProduct, "a"), "{}", 0).Err())
	require.NoError(t, c.Handle(ctx, msg))
	ok, err = redisx.Exists(ctx, rdb, fmt.Sprintf(redisx.KeyProduct, "a"))
	require.NoError(t, err)
	assert.True(t, ok)

	other := kafkax.NewEnvelope("OrderCreated", "api", "o1", map[string]string{})
	assert.NoError(t, c.Handle(ctx, kafkago.Message{Value: kafkax.MustMarshal(other)}))
	assert.NoError(t, c.Handle(ctx, kafkago.Message{Value: []byte("garbage")}))
}
