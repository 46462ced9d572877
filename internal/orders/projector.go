package orders

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ariefcatur/go-storefront/internal/invalidate"
	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
)

// CacheProjector keeps the read caches in step with order events: a new
// order makes its products' cached stock stale, a status change makes the
// cached order status stale.
type CacheProjector struct {
	Cache   *invalidate.Cache
	Redis   redis.Cmdable
	Service string
	Log     zerolog.Logger
}

// Handle is installed as the consumer handler for the order topics.
func (p *CacheProjector) Handle(ctx context.Context, m kafkago.Message) error {
	var env kafkax.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		p.Log.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping undecodable event")
		return nil
	}

	var targets []invalidate.Target
	switch env.EventType {
	case EventOrderCreated:
		pl, err := kafkax.UnwrapPayload[OrderCreatedPayload](env.Payload)
		if err != nil {
			p.Log.Warn().Err(err).Str("event_id", env.EventID).Msg("skipping bad payload")
			return nil
		}
		for _, it := range pl.Items {
			targets = append(targets, invalidate.Product(it.ProductID))
		}
		targets = append(targets, invalidate.Products())
	case EventOrderStatusChanged:
		pl, err := kafkax.UnwrapPayload[OrderStatusChangedPayload](env.Payload)
		if err != nil {
			p.Log.Warn().Err(err).Str("event_id", env.EventID).Msg("skipping bad payload")
			return nil
		}
		targets = append(targets, invalidate.Target{Type: invalidate.TypeOrders, SpecificPath: "/orders/" + pl.OrderID})
	default:
		return nil
	}

	dkey := fmt.Sprintf(redisx.KeyDedup, p.Service, env.EventID)
	fresh, err := p.Redis.SetNX(ctx, dkey, "1", redisx.TTLDedup).Result()
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	var dropped int64
	for _, t := range targets {
		n, err := p.Cache.Drop(ctx, t)
		if err != nil {
			_ = p.Redis.Del(ctx, dkey).Err()
			return fmt.Errorf("drop %s: %w", t, err)
		}
		dropped += n
	}
	p.Log.Info().Str("event", env.EventType).Str("order_id", env.CorrelationID).Int64("dropped", dropped).Msg("order caches refreshed")
	return nil
}
