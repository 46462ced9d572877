package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/docstore"
	"github.com/ariefcatur/go-storefront/internal/invalidate"
	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/ariefcatur/go-storefront/internal/redisx"
	"github.com/ariefcatur/go-storefront/internal/stock"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrNoItems           = errors.New("order has no items")
	ErrInvalidQuantity   = errors.New("order line quantity must be positive")
	ErrMissingUser       = errors.New("order requires a user id")
	ErrMissingPaymentRef = errors.New("order requires a payment reference")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidStatus     = errors.New("invalid order status")

	// ErrPaymentReferenceInUse means the payment reference already paid for
	// another user's order.
	ErrPaymentReferenceInUse = errors.New("payment reference belongs to another order")
)

type TransitionError struct {
	From, To Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order cannot move from %s to %s", e.From, e.To)
}

// EventPublisher must not block; it reports false when the event was dropped.
type EventPublisher interface {
	TryPublishEnvelope(key string, env kafkax.Envelope) bool
}

type Invalidator interface {
	Invalidate(ctx context.Context, targets ...invalidate.Target)
}

type CreateOrderInput struct {
	UserID           string
	Items            []LineItem
	TotalAmount      decimal.Decimal
	ShippingAddress  ShippingAddress
	ShippingCost     decimal.NullDecimal
	PaymentReference string
	CouponCode       string
	DiscountAmount   decimal.NullDecimal
}

func (in CreateOrderInput) validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return ErrMissingUser
	}
	if strings.TrimSpace(in.PaymentReference) == "" {
		return ErrMissingPaymentRef
	}
	if len(in.Items) == 0 {
		return ErrNoItems
	}
	for _, it := range in.Items {
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: product %s has quantity %d", ErrInvalidQuantity, it.ProductID, it.Quantity)
		}
	}
	return nil
}

// Manager is the order transaction manager. Store, Ledger and Log are
// required; Redis, Events and Invalidator are optional side channels.
type Manager struct {
	Store       docstore.Store
	Ledger      *stock.Ledger
	Redis       redis.Cmdable
	Events      EventPublisher
	Invalidator Invalidator
	Metrics     *metrics.Metrics
	Log         zerolog.Logger
	Service     string
}

type wantedQty struct {
	productID string
	qty       int
}

// aggregate folds duplicate product lines so each product is checked against
// the total quantity ordered.
func aggregate(items []LineItem) []wantedQty {
	idx := map[string]int{}
	var out []wantedQty
	for _, it := range items {
		if i, ok := idx[it.ProductID]; ok {
			out[i].qty += it.Quantity
			continue
		}
		idx[it.ProductID] = len(out)
		out = append(out, wantedQty{productID: it.ProductID, qty: it.Quantity})
	}
	return out
}

func OrderPath(id string) string { return docstore.Doc(CollectionOrders, id) }

// CreateOrder checks stock, writes the order and decrements stock in one
// store transaction. Either all of it commits or none of it does. A payment
// reference that already produced an order for the same user returns that
// order's id; for a different user it fails with ErrPaymentReferenceInUse.
func (m *Manager) CreateOrder(ctx context.Context, in CreateOrderInput) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	idemKey := fmt.Sprintf(redisx.KeyIdemOrderPayment, in.PaymentReference)
	if rec, ok := m.recalled(ctx, idemKey); ok {
		if rec.UserID != in.UserID {
			m.Metrics.OrderFailed("payment_ref_in_use")
			return "", fmt.Errorf("%w: %s", ErrPaymentReferenceInUse, in.PaymentReference)
		}
		return rec.OrderID, nil
	}

	wanted := aggregate(in.Items)
	orderID := docstore.NewID()
	payPath := docstore.Doc(CollectionPayments, in.PaymentReference)
	var existing paymentRecord

	err := m.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		existing = paymentRecord{}
		snap, err := tx.Get(ctx, payPath)
		switch {
		case err == nil:
			if err := snap.Decode(&existing); err != nil {
				return err
			}
			if existing.UserID != in.UserID {
				return fmt.Errorf("%w: %s", ErrPaymentReferenceInUse, in.PaymentReference)
			}
			return nil
		case !errors.Is(err, docstore.ErrNotFound):
			return err
		}

		products := make([]catalog.Product, 0, len(wanted))
		for _, w := range wanted {
			p, err := m.Ledger.Check(ctx, tx, w.productID, w.qty)
			if err != nil {
				return err
			}
			products = append(products, p)
		}

		order := Order{
			ID:               orderID,
			UserID:           in.UserID,
			Items:            in.Items,
			TotalAmount:      in.TotalAmount,
			ShippingAddress:  in.ShippingAddress,
			ShippingCost:     in.ShippingCost,
			OrderStatus:      StatusProcessing,
			PaymentStatus:    PaymentPaid,
			PaymentReference: in.PaymentReference,
			CouponCode:       in.CouponCode,
			DiscountAmount:   in.DiscountAmount,
		}
		if err := tx.Set(OrderPath(orderID), order); err != nil {
			return err
		}
		for i, p := range products {
			if err := m.Ledger.Decrement(tx, p, wanted[i].qty); err != nil {
				return err
			}
		}
		return tx.Set(payPath, paymentRecord{OrderID: orderID, UserID: in.UserID})
	})
	if err != nil {
		reason := failureReason(err)
		m.Metrics.OrderFailed(reason)
		lvl := zerolog.WarnLevel
		if reason == "error" {
			lvl = zerolog.ErrorLevel
		}
		m.Log.WithLevel(lvl).Err(err).Str("reason", reason).Str("user_id", in.UserID).
			Str("payment_ref", in.PaymentReference).Msg("create order failed")
		return "", err
	}

	if existing.OrderID != "" {
		m.Log.Info().Str("order_id", existing.OrderID).Str("payment_ref", in.PaymentReference).Msg("payment already has an order")
		m.remember(ctx, idemKey, existing)
		return existing.OrderID, nil
	}

	m.Metrics.OrderCreated()
	m.Log.Info().Str("order_id", orderID).Str("user_id", in.UserID).Int("lines", len(in.Items)).Msg("order created")
	m.remember(ctx, idemKey, paymentRecord{OrderID: orderID, UserID: in.UserID})
	m.cacheStatus(ctx, orderID, StatusView{Status: StatusProcessing, UserID: in.UserID})
	m.publishCreated(ctx, orderID, in, wanted)

	if m.Invalidator != nil {
		targets := []invalidate.Target{invalidate.Orders()}
		for _, w := range wanted {
			targets = append(targets, invalidate.Product(w.productID))
		}
		m.Invalidator.Invalidate(ctx, targets...)
	}
	return orderID, nil
}

func failureReason(err error) string {
	var ins *stock.InsufficientStockError
	var nf *stock.ProductNotFoundError
	switch {
	case errors.As(err, &ins):
		return "insufficient_stock"
	case errors.As(err, &nf):
		return "product_not_found"
	case errors.Is(err, docstore.ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPaymentReferenceInUse):
		return "payment_ref_in_use"
	default:
		return "error"
	}
}

func (m *Manager) remember(ctx context.Context, key string, rec paymentRecord) {
	if m.Redis == nil {
		return
	}
	b, _ := json.Marshal(rec)
	if err := m.Redis.Set(ctx, key, b, redisx.TTLIdempotency).Err(); err != nil {
		m.Log.Warn().Err(err).Str("order_id", rec.OrderID).Msg("idempotency key write failed")
	}
}

// recalled reads the idempotency fast path. Anything unreadable is a miss and
// the transaction decides.
func (m *Manager) recalled(ctx context.Context, key string) (paymentRecord, bool) {
	if m.Redis == nil {
		return paymentRecord{}, false
	}
	b, err := m.Redis.Get(ctx, key).Bytes()
	if err != nil {
		return paymentRecord{}, false
	}
	var rec paymentRecord
	if json.Unmarshal(b, &rec) != nil || rec.OrderID == "" || rec.UserID == "" {
		return paymentRecord{}, false
	}
	return rec, true
}

// OrderForPayment returns the order the payment reference already paid for.
// It fails with ErrOrderNotFound when there is none and with
// ErrPaymentReferenceInUse when the order belongs to someone else.
func (m *Manager) OrderForPayment(ctx context.Context, paymentRef, userID string) (string, error) {
	if strings.TrimSpace(paymentRef) == "" {
		return "", ErrMissingPaymentRef
	}
	idemKey := fmt.Sprintf(redisx.KeyIdemOrderPayment, paymentRef)
	rec, ok := m.recalled(ctx, idemKey)
	if !ok {
		snap, err := m.Store.Get(ctx, docstore.Doc(CollectionPayments, paymentRef))
		if errors.Is(err, docstore.ErrNotFound) {
			return "", fmt.Errorf("%w: no order for payment %s", ErrOrderNotFound, paymentRef)
		}
		if err != nil {
			return "", err
		}
		if err := snap.Decode(&rec); err != nil {
			return "", err
		}
		m.remember(ctx, idemKey, rec)
	}
	if rec.UserID != userID {
		return "", fmt.Errorf("%w: %s", ErrPaymentReferenceInUse, paymentRef)
	}
	return rec.OrderID, nil
}

// publish hands env to the event publisher without waiting on the broker.
func (m *Manager) publish(orderID string, env kafkax.Envelope) {
	if m.Events == nil {
		return
	}
	if !m.Events.TryPublishEnvelope(PartitionKey(orderID), env) {
		m.Metrics.EventDropped(env.EventType)
		m.Log.Warn().Str("order_id", orderID).Str("event_type", env.EventType).Msg("order event dropped")
	}
}

// StatusView is what status polls see: the status and who owns the order.
type StatusView struct {
	Status Status `json:"status"`
	UserID string `json:"userId"`
}

func (m *Manager) cacheStatus(ctx context.Context, orderID string, v StatusView) {
	if m.Redis == nil {
		return
	}
	b, _ := json.Marshal(v)
	if err := m.Redis.Set(ctx, fmt.Sprintf(redisx.KeyOrderStatus, orderID), b, redisx.TTLStatusCache).Err(); err != nil {
		m.Log.Warn().Err(err).Str("order_id", orderID).Msg("status cache write failed")
	}
}

func (m *Manager) publishCreated(ctx context.Context, orderID string, in CreateOrderInput, wanted []wantedQty) {
	if m.Events == nil {
		return
	}
	items := make([]ItemQty, 0, len(wanted))
	for _, w := range wanted {
		items = append(items, ItemQty{ProductID: w.productID, Qty: w.qty})
	}
	env := kafkax.NewEnvelope(EventOrderCreated, m.Service, orderID, OrderCreatedPayload{
		OrderID:     orderID,
		UserID:      in.UserID,
		PaymentRef:  in.PaymentReference,
		Items:       items,
		TotalAmount: in.TotalAmount,
		CouponCode:  in.CouponCode,
	})
	env.TraceID = middleware.GetReqID(ctx)
	m.publish(orderID, env)
}

// UpdateStatus moves an order along the status machine. Setting the current
// status again is a no-op.
func (m *Manager) UpdateStatus(ctx context.Context, orderID string, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}
	var from Status
	var owner string
	err := m.Store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		snap, err := tx.Get(ctx, OrderPath(orderID))
		if errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if err != nil {
			return err
		}
		var o Order
		if err := snap.Decode(&o); err != nil {
			return err
		}
		from, owner = o.OrderStatus, o.UserID
		if from == to {
			return nil
		}
		if !CanTransition(from, to) {
			return &TransitionError{From: from, To: to}
		}
		return tx.Update(OrderPath(orderID), map[string]any{"orderStatus": to})
	})
	if err != nil || from == to {
		return err
	}

	m.Log.Info().Str("order_id", orderID).Str("from", string(from)).Str("to", string(to)).Msg("order status changed")
	m.cacheStatus(ctx, orderID, StatusView{Status: to, UserID: owner})
	if m.Events != nil {
		env := kafkax.NewEnvelope(EventOrderStatusChanged, m.Service, orderID,
			OrderStatusChangedPayload{OrderID: orderID, From: from, To: to})
		env.TraceID = middleware.GetReqID(ctx)
		m.publish(orderID, env)
	}
	if m.Invalidator != nil {
		m.Invalidator.Invalidate(ctx, invalidate.Orders())
	}
	return nil
}

func decodeOrder(snap docstore.Snapshot) (Order, error) {
	var o Order
	if err := snap.Decode(&o); err != nil {
		return Order{}, err
	}
	o.ID = snap.ID
	o.CreatedAt = snap.CreateTime
	o.UpdatedAt = snap.UpdateTime
	return o, nil
}

func (m *Manager) Get(ctx context.Context, orderID string) (Order, error) {
	snap, err := m.Store.Get(ctx, OrderPath(orderID))
	if errors.Is(err, docstore.ErrNotFound) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return Order{}, err
	}
	return decodeOrder(snap)
}

// CachedStatus answers status polls from Redis, falling back to the store.
// Entries without an owner are treated as misses.
func (m *Manager) CachedStatus(ctx context.Context, orderID string) (StatusView, error) {
	if m.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		if b, err := m.Redis.Get(ctx, key).Bytes(); err == nil {
			var v StatusView
			if json.Unmarshal(b, &v) == nil && v.Status != "" && v.UserID != "" {
				return v, nil
			}
		}
	}
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return StatusView{}, err
	}
	v := StatusView{Status: o.OrderStatus, UserID: o.UserID}
	m.cacheStatus(ctx, orderID, v)
	return v, nil
}

// ListByUser returns the user's orders, newest first.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	return m.list(ctx, docstore.Query{
		Collection: CollectionOrders,
		Where:      []docstore.Filter{{Field: "userId", Value: userID}},
		Newest:     true,
	})
}

// ListAll returns every order, newest first.
func (m *Manager) ListAll(ctx context.Context) ([]Order, error) {
	return m.list(ctx, docstore.Query{Collection: CollectionOrders, Newest: true})
}

func (m *Manager) list(ctx context.Context, q docstore.Query) ([]Order, error) {
	snaps, err := m.Store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]Order, 0, len(snaps))
	for _, s := range snaps {
		o, err := decodeOrder(s)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
