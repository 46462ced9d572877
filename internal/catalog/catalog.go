package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront/internal/docstore"
	"github.com/ariefcatur/go-storefront/internal/invalidate"
	"github.com/ariefcatur/go-storefront/internal/redisx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type Invalidator interface {
	Invalidate(ctx context.Context, targets ...invalidate.Target)
}

// Catalog reads products, coupons and the shipping fee from the store.
// Redis, when set, fronts CachedProduct.
type Catalog struct {
	Store       docstore.Store
	Redis       redis.Cmdable
	Invalidator Invalidator
	Log         zerolog.Logger
}

func ProductPath(id string) string { return docstore.Doc(CollectionProducts, id) }

func decodeProduct(snap docstore.Snapshot) (Product, error) {
	var p Product
	if err := snap.Decode(&p); err != nil {
		return Product{}, err
	}
	p.ID = snap.ID
	return p, nil
}

// Product reads the live document. Stock revalidation goes through here,
// never through the cache.
func (c *Catalog) Product(ctx context.Context, id string) (Product, error) {
	snap, err := c.Store.Get(ctx, ProductPath(id))
	if errors.Is(err, docstore.ErrNotFound) {
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, id)
	}
	if err != nil {
		return Product{}, err
	}
	return decodeProduct(snap)
}

// CachedProduct serves product pages from Redis, falling back to the store.
func (c *Catalog) CachedProduct(ctx context.Context, id string) (Product, error) {
	if c.Redis == nil {
		return c.Product(ctx, id)
	}
	key := fmt.Sprintf(redisx.KeyProduct, id)
	if b, err := c.Redis.Get(ctx, key).Bytes(); err == nil {
		var p Product
		if err := json.Unmarshal(b, &p); err == nil {
			p.ID = id
			return p, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.Log.Warn().Err(err).Str("product_id", id).Msg("product cache read failed")
	}

	p, err := c.Product(ctx, id)
	if err != nil {
		return Product{}, err
	}
	if b, err := json.Marshal(p); err == nil {
		if err := c.Redis.Set(ctx, key, b, redisx.TTLProduct).Err(); err != nil {
			c.Log.Warn().Err(err).Str("product_id", id).Msg("product cache write failed")
		}
	}
	return p, nil
}

func (c *Catalog) ListProducts(ctx context.Context) ([]Product, error) {
	snaps, err := c.Store.Query(ctx, docstore.Query{
		Collection: CollectionProducts,
		Where:      []docstore.Filter{{Field: "isPublished", Value: "true"}},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Product, 0, len(snaps))
	for _, s := range snaps {
		p, err := decodeProduct(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PutProduct is the admin write. Stock set here is last-writer-wins against
// other admin edits.
func (c *Catalog) PutProduct(ctx context.Context, p Product) error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidProduct)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := c.Store.Set(ctx, ProductPath(p.ID), p); err != nil {
		return fmt.Errorf("put product %s: %w", p.ID, err)
	}
	if c.Invalidator != nil {
		c.Invalidator.Invalidate(ctx, invalidate.Product(p.ID), invalidate.Products())
	}
	return nil
}

func (c *Catalog) CouponByCode(ctx context.Context, code string) (Coupon, error) {
	code = NormalizeCode(code)
	if code == "" {
		return Coupon{}, ErrCouponNotFound
	}
	snaps, err := c.Store.Query(ctx, docstore.Query{
		Collection: CollectionCoupons,
		Where: []docstore.Filter{
			{Field: "code", Value: code},
			{Field: "isActive", Value: "true"},
		},
		Limit: 1,
	})
	if err != nil {
		return Coupon{}, err
	}
	if len(snaps) == 0 {
		return Coupon{}, ErrCouponNotFound
	}
	var cp Coupon
	if err := snaps[0].Decode(&cp); err != nil {
		return Coupon{}, err
	}
	cp.ID = snaps[0].ID
	return cp, nil
}

// ShippingFee returns the store-wide default fee; none configured means free.
func (c *Catalog) ShippingFee(ctx context.Context) (ShippingFee, error) {
	snap, err := c.Store.Get(ctx, ShippingFeePath)
	if errors.Is(err, docstore.ErrNotFound) {
		return ShippingFee{ID: "defaultFee", Name: "Standard Shipping"}, nil
	}
	if err != nil {
		return ShippingFee{}, fmt.Errorf("shipping fee: %w", err)
	}
	var f ShippingFee
	if err := snap.Decode(&f); err != nil {
		return ShippingFee{}, err
	}
	f.ID = snap.ID
	if f.Name == "" {
		f.Name = "Standard Shipping"
	}
	return f, nil
}
