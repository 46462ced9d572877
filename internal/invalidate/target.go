// Package invalidate tells the fronting cache which entries went stale.
// Signals are best effort: nothing here ever fails the caller.
package invalidate

import (
	"errors"
	"fmt"
	"strings"
)

type Type string

const (
	TypeProducts    Type = "products"
	TypeCategories  Type = "categories"
	TypeOrders      Type = "orders"
	TypeSiteContent Type = "site-content"
	TypePromotions  Type = "promotions"
	TypeCoupons     Type = "coupons"
)

const (
	TopicCacheInvalidate = "cache.invalidate"
	EventCacheInvalidate = "CacheInvalidate"
)

var ErrUnknownType = errors.New("unknown revalidation type")

var known = map[Type]bool{
	TypeProducts: true, TypeCategories: true, TypeOrders: true,
	TypeSiteContent: true, TypePromotions: true, TypeCoupons: true,
}

type Target struct {
	Type         Type   `json:"type"`
	SpecificPath string `json:"specificPath,omitempty"`
}

func (t Target) Validate() error {
	if t.Type == "" {
		return errors.New("revalidation type is required")
	}
	if !known[t.Type] {
		return fmt.Errorf("%w: %q", ErrUnknownType, t.Type)
	}
	return nil
}

func (t Target) String() string {
	if t.SpecificPath == "" {
		return string(t.Type)
	}
	return string(t.Type) + " " + t.SpecificPath
}

func Orders() Target { return Target{Type: TypeOrders} }

func Product(id string) Target {
	return Target{Type: TypeProducts, SpecificPath: "/products/" + id}
}

func Products() Target { return Target{Type: TypeProducts} }

// pathID returns the id in "/{prefix}/{id}" or "" when p has another shape.
func pathID(p, prefix string) string {
	rest, ok := strings.CutPrefix(p, "/"+prefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return ""
	}
	return rest
}
