package catalog

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	CollectionProducts = "products"
	CollectionCoupons  = "coupons"

	// shipping fee lives at siteContent/global/shipping/defaultFee
	ShippingFeePath = "siteContent/global/shipping/defaultFee"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrCouponNotFound  = errors.New("invalid or expired coupon code")
	ErrInvalidProduct  = errors.New("invalid product")
)

type Product struct {
	ID          string              `json:"-"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Price       decimal.Decimal     `json:"price"`
	SalePrice   decimal.NullDecimal `json:"salePrice"`
	Categories  []string            `json:"categories"`
	SKU         string              `json:"sku,omitempty"`
	ImageURL    string              `json:"imageUrl,omitempty"`
	Stock       int                 `json:"stock"`
	IsPublished bool                `json:"isPublished"`
}

func (p Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	}
	if !p.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", ErrInvalidProduct)
	}
	if p.SalePrice.Valid && (p.SalePrice.Decimal.IsNegative() || !p.SalePrice.Decimal.LessThan(p.Price)) {
		return fmt.Errorf("%w: sale price must be below price", ErrInvalidProduct)
	}
	if p.Stock < 0 {
		return fmt.Errorf("%w: stock cannot be negative", ErrInvalidProduct)
	}
	return nil
}

// EffectivePrice is the sale price when one is set, the list price otherwise.
func (p Product) EffectivePrice() decimal.Decimal {
	if p.SalePrice.Valid {
		return p.SalePrice.Decimal
	}
	return p.Price
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type Coupon struct {
	ID            string              `json:"-"`
	Code          string              `json:"code"`
	DiscountType  DiscountType        `json:"discountType"`
	DiscountValue decimal.Decimal     `json:"discountValue"`
	MinimumSpend  decimal.NullDecimal `json:"minimumSpend"`
	IsActive      bool                `json:"isActive"`
}

// MinimumSpendError means the subtotal does not reach the coupon's threshold.
type MinimumSpendError struct {
	Code    string
	Minimum decimal.Decimal
}

func (e *MinimumSpendError) Error() string {
	return fmt.Sprintf("coupon %s requires a minimum spend of %s", e.Code, e.Minimum.StringFixed(2))
}

// Discount computes the amount the coupon takes off subtotal. The result never
// exceeds the subtotal.
func (c Coupon) Discount(subtotal decimal.Decimal) (decimal.Decimal, error) {
	if !c.IsActive {
		return decimal.Zero, ErrCouponNotFound
	}
	if c.MinimumSpend.Valid && subtotal.LessThan(c.MinimumSpend.Decimal) {
		return decimal.Zero, &MinimumSpendError{Code: c.Code, Minimum: c.MinimumSpend.Decimal}
	}
	var d decimal.Decimal
	switch c.DiscountType {
	case DiscountPercentage:
		d = subtotal.Mul(c.DiscountValue).Div(decimal.NewFromInt(100)).Round(2)
	case DiscountFixed:
		d = c.DiscountValue
	default:
		return decimal.Zero, fmt.Errorf("coupon %s: unknown discount type %q", c.Code, c.DiscountType)
	}
	if d.IsNegative() {
		return decimal.Zero, nil
	}
	return decimal.Min(d, subtotal), nil
}

type ShippingFee struct {
	ID   string          `json:"-"`
	Name string          `json:"name"`
	Fee  decimal.Decimal `json:"fee"`
}

// NormalizeCode is the canonical form coupon codes are stored and looked up in.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
