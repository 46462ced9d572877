package invalidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

// Cache drops the Redis entries the storefront serves reads from.
type Cache struct {
	Redis redis.Cmdable
}

// Drop removes the entries covered by t and reports how many went away.
// Types without a Redis-backed cache are accepted and drop nothing.
func (c *Cache) Drop(ctx context.Context, t Target) (int64, error) {
	switch t.Type {
	case TypeProducts:
		if id := pathID(t.SpecificPath, "products"); id != "" {
			return c.Redis.Del(ctx, fmt.Sprintf(redisx.KeyProduct, id)).Result()
		}
		return redisx.DeletePattern(ctx, c.Redis, fmt.Sprintf(redisx.KeyProduct, "*"))
	case TypeOrders:
		if id := pathID(t.SpecificPath, "orders"); id != "" {
			return c.Redis.Del(ctx, fmt.Sprintf(redisx.KeyOrderStatus, id)).Result()
		}
		return redisx.DeletePattern(ctx, c.Redis, fmt.Sprintf(redisx.KeyOrderStatus, "*"))
	}
	return 0, nil
}

// CacheNotifier drops entries directly, for single-process deployments.
type CacheNotifier struct{ Cache *Cache }

func (n CacheNotifier) Notify(ctx context.Context, t Target) error {
	_, err := n.Cache.Drop(ctx, t)
	return err
}

// Consumer applies cache.invalidate events.
type Consumer struct {
	Cache   *Cache
	Redis   redis.Cmdable
	Service string
	Log     zerolog.Logger
}

// Handle is installed as the kafka consumer handler.
func (c *Consumer) Handle(ctx context.Context, m kafkago.Message) error {
	var env kafkax.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		c.Log.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping undecodable event")
		return nil
	}
	if env.EventType != EventCacheInvalidate {
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, c.Service, env.EventID)
	fresh, err := c.Redis.SetNX(ctx, dkey, "1", redisx.TTLDedup).Result()
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	t, err := kafkax.UnwrapPayload[Target](env.Payload)
	if err == nil {
		err = t.Validate()
	}
	if err != nil {
		c.Log.Warn().Err(err).Str("event_id", env.EventID).Msg("skipping invalid target")
		return nil
	}

	n, err := c.Cache.Drop(ctx, t)
	if err != nil {
		// let the redelivery try again
		_ = c.Redis.Del(ctx, dkey).Err()
		return errors.Join(fmt.Errorf("drop %s", t), err)
	}
	c.Log.Info().Str("target", t.String()).Int64("dropped", n).Msg("cache invalidated")
	return nil
}
