// Package cart keeps one logical cart per session across the anonymous
// (session-local) and authenticated (profile-backed) states.
package cart

import (
	"fmt"
	"time"

	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/shopspring/decimal"
)

// Item is one cart line. The name, price, image and stock fields are a
// snapshot taken when the line was added and can go stale.
type Item struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  string          `json:"imageUrl,omitempty"`
	Stock     int             `json:"stock"`
	SKU       string          `json:"sku,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
}

func itemFrom(p catalog.Product, qty int, now time.Time) Item {
	return Item{
		ProductID: p.ID,
		Quantity:  qty,
		Name:      p.Name,
		Price:     p.EffectivePrice(),
		ImageURL:  p.ImageURL,
		Stock:     p.Stock,
		SKU:       p.SKU,
		UpdatedAt: now,
	}
}

// Subtotal sums price times quantity over the snapshot prices.
func Subtotal(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return sum
}

func clone(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}

func indexOf(items []Item, productID string) int {
	for i, it := range items {
		if it.ProductID == productID {
			return i
		}
	}
	return -1
}

type MergePolicy string

const (
	// LocalWins overwrites the server quantity with the local one for lines
	// present on both sides.
	LocalWins MergePolicy = "local-wins"
	// LatestWins keeps whichever side touched the line last. Ties go to local.
	LatestWins MergePolicy = "latest-wins"
)

func ParseMergePolicy(s string) (MergePolicy, error) {
	switch MergePolicy(s) {
	case "", LocalWins:
		return LocalWins, nil
	case LatestWins:
		return LatestWins, nil
	}
	return "", fmt.Errorf("unknown cart merge policy %q", s)
}

// Merge folds the local cart into the server cart. Server order is kept and
// local-only lines are appended in local order. Merging the same local cart
// twice gives the same result as merging it once.
func Merge(server, local []Item, policy MergePolicy) []Item {
	out := make([]Item, 0, len(server)+len(local))
	for _, it := range server {
		if it.Quantity <= 0 || indexOf(out, it.ProductID) >= 0 {
			continue
		}
		out = append(out, it)
	}
	for _, l := range local {
		if l.Quantity <= 0 {
			continue
		}
		i := indexOf(out, l.ProductID)
		if i < 0 {
			out = append(out, l)
			continue
		}
		if policy == LatestWins && l.UpdatedAt.Before(out[i].UpdatedAt) {
			continue
		}
		out[i].Quantity = l.Quantity
		if l.UpdatedAt.After(out[i].UpdatedAt) {
			out[i].UpdatedAt = l.UpdatedAt
		}
	}
	return out
}
