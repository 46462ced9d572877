// Package checkout prices a validated cart and turns a successful payment
// into an order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrCartAdjusted = errors.New("cart changed during validation, review it before paying")
	ErrEmptyCart    = errors.New("cart is empty")
	ErrNotSignedIn  = errors.New("sign in to check out")
)

// AdjustedError carries the corrections validation made to the cart.
type AdjustedError struct {
	Notices []cart.Notice
}

func (e *AdjustedError) Error() string { return ErrCartAdjusted.Error() }

func (e *AdjustedError) Is(target error) bool { return target == ErrCartAdjusted }

type Catalog interface {
	CouponByCode(ctx context.Context, code string) (catalog.Coupon, error)
	ShippingFee(ctx context.Context) (catalog.ShippingFee, error)
}

type OrderCreator interface {
	CreateOrder(ctx context.Context, in orders.CreateOrderInput) (string, error)
	OrderForPayment(ctx context.Context, paymentRef, userID string) (string, error)
	Get(ctx context.Context, orderID string) (orders.Order, error)
}

type Quote struct {
	Items        []cart.Item     `json:"items"`
	Subtotal     decimal.Decimal `json:"subtotal"`
	CouponCode   string          `json:"couponCode,omitempty"`
	Discount     decimal.Decimal `json:"discount"`
	ShippingName string          `json:"shippingName"`
	Shipping     decimal.Decimal `json:"shipping"`
	Total        decimal.Decimal `json:"total"`
	Currency     string          `json:"currency"`
	// AmountMinor is Total in the currency's minor unit, as the payment
	// gateway expects it.
	AmountMinor  int64  `json:"amountMinor"`
	PaymentKeyID string `json:"paymentKeyId,omitempty"`
}

type CompleteRequest struct {
	PaymentReference string                 `json:"paymentReference"`
	CouponCode       string                 `json:"couponCode,omitempty"`
	ShippingAddress  orders.ShippingAddress `json:"shippingAddress"`
}

type Receipt struct {
	OrderID string `json:"orderId"`
	Quote   Quote  `json:"quote"`
}

type Service struct {
	Catalog      Catalog
	Orders       OrderCreator
	Currency     string
	PaymentKeyID string
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
}

// Quote prices items with the optional coupon and the store shipping fee.
func (s *Service) Quote(ctx context.Context, items []cart.Item, couponCode string) (Quote, error) {
	q := Quote{
		Items:        items,
		Subtotal:     cart.Subtotal(items),
		Discount:     decimal.Zero,
		Currency:     s.Currency,
		PaymentKeyID: s.PaymentKeyID,
	}
	if code := catalog.NormalizeCode(couponCode); code != "" {
		cp, err := s.Catalog.CouponByCode(ctx, code)
		if err != nil {
			return Quote{}, err
		}
		d, err := cp.Discount(q.Subtotal)
		if err != nil {
			return Quote{}, err
		}
		q.CouponCode = cp.Code
		q.Discount = d
	}
	fee, err := s.Catalog.ShippingFee(ctx)
	if err != nil {
		return Quote{}, err
	}
	q.ShippingName = fee.Name
	q.Shipping = fee.Fee

	q.Total = decimal.Max(q.Subtotal.Sub(q.Discount), decimal.Zero).Add(q.Shipping)
	q.AmountMinor = q.Total.Shift(2).Round(0).IntPart()
	return q, nil
}

// Begin revalidates the cart against live stock. A cart that had to be
// corrected blocks checkout with an *AdjustedError.
func (s *Service) Begin(ctx context.Context, eng *cart.Engine, couponCode string) (Quote, error) {
	if eng.State() != cart.Authenticated {
		return Quote{}, ErrNotSignedIn
	}
	ok, notices, err := eng.Validate(ctx)
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, &AdjustedError{Notices: notices}
	}
	items := eng.Items()
	if len(items) == 0 {
		return Quote{}, ErrEmptyCart
	}
	return s.Quote(ctx, items, couponCode)
}

// Complete handles the payment success callback. The cart is cleared only
// after the order is durable; on failure it is left as it was. A repeated
// callback for a payment that already has this user's order returns that
// order's receipt and leaves the cart alone.
func (s *Service) Complete(ctx context.Context, eng *cart.Engine, req CompleteRequest) (Receipt, error) {
	userID := eng.UserID()
	if eng.State() != cart.Authenticated || userID == "" {
		return Receipt{}, ErrNotSignedIn
	}
	if strings.TrimSpace(req.PaymentReference) == "" {
		return Receipt{}, orders.ErrMissingPaymentRef
	}
	orderID, err := s.Orders.OrderForPayment(ctx, req.PaymentReference, userID)
	switch {
	case err == nil:
		s.Log.Info().Str("order_id", orderID).Str("payment_ref", req.PaymentReference).Msg("payment callback repeated")
		return s.receiptFor(ctx, orderID)
	case !errors.Is(err, orders.ErrOrderNotFound):
		return Receipt{}, err
	}

	items := eng.Items()
	if len(items) == 0 {
		return Receipt{}, ErrEmptyCart
	}
	q, err := s.Quote(ctx, items, req.CouponCode)
	if err != nil {
		return Receipt{}, err
	}

	in := orders.CreateOrderInput{
		UserID:           userID,
		Items:            lineItems(items),
		TotalAmount:      q.Total,
		ShippingAddress:  req.ShippingAddress,
		ShippingCost:     decimal.NewNullDecimal(q.Shipping),
		PaymentReference: req.PaymentReference,
	}
	if q.CouponCode != "" {
		in.CouponCode = q.CouponCode
		in.DiscountAmount = decimal.NewNullDecimal(q.Discount)
	}
	orderID, err = s.Orders.CreateOrder(ctx, in)
	if err != nil {
		return Receipt{}, fmt.Errorf("payment %s succeeded but the order was not created: %w", req.PaymentReference, err)
	}

	eng.Clear(ctx)
	s.Log.Info().Str("order_id", orderID).Str("user_id", userID).Str("total", q.Total.StringFixed(2)).Msg("checkout complete")
	return Receipt{OrderID: orderID, Quote: q}, nil
}

// receiptFor rebuilds the receipt of an order that already exists.
func (s *Service) receiptFor(ctx context.Context, orderID string) (Receipt, error) {
	o, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		return Receipt{}, err
	}
	items := make([]cart.Item, 0, len(o.Items))
	for _, li := range o.Items {
		items = append(items, cart.Item{
			ProductID: li.ProductID,
			Name:      li.Name,
			Price:     li.Price,
			Quantity:  li.Quantity,
			SKU:       li.SKU,
			ImageURL:  li.ImageURL,
		})
	}
	q := Quote{
		Items:        items,
		Subtotal:     cart.Subtotal(items),
		CouponCode:   o.CouponCode,
		Discount:     o.DiscountAmount.Decimal,
		Shipping:     o.ShippingCost.Decimal,
		Total:        o.TotalAmount,
		Currency:     s.Currency,
		AmountMinor:  o.TotalAmount.Shift(2).Round(0).IntPart(),
		PaymentKeyID: s.PaymentKeyID,
	}
	return Receipt{OrderID: o.ID, Quote: q}, nil
}

// Fail records a payment the gateway reported as failed. Nothing else changes.
func (s *Service) Fail(_ context.Context, userID, description string) {
	if description == "" {
		description = "Something went wrong."
	}
	s.Metrics.PaymentFailed()
	s.Log.Warn().Str("user_id", userID).Str("description", description).Msg("payment failed")
}

func lineItems(items []cart.Item) []orders.LineItem {
	out := make([]orders.LineItem, 0, len(items))
	for _, it := range items {
		out = append(out, orders.LineItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Price:     it.Price,
			Quantity:  it.Quantity,
			SKU:       it.SKU,
			ImageURL:  it.ImageURL,
		})
	}
	return out
}
