package checkout

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/docstore"
	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/stock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	store *docstore.MemStore
	cat   *catalog.Catalog
	mgr   *orders.Manager
	svc   *Service
	eng   *cart.Engine
	reg   *prometheus.Registry
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store := docstore.NewMemStore()
	cat := &catalog.Catalog{Store: store, Log: zerolog.Nop()}
	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	mgr := &orders.Manager{Store: store, Ledger: &stock.Ledger{Store: store}, Log: zerolog.Nop()}

	require.NoError(t, cat.PutProduct(ctx, catalog.Product{ID: "a", Name: "Scarf", Price: dec("100"), Stock: 5}))
	require.NoError(t, cat.PutProduct(ctx, catalog.Product{ID: "b", Name: "Hat", Price: dec("40"), SalePrice: decimal.NewNullDecimal(dec("30")), Stock: 2}))
	require.NoError(t, store.Set(ctx, catalog.ShippingFeePath, map[string]any{"name": "Courier", "fee": "50"}))
	require.NoError(t, store.Set(ctx, docstore.Doc(catalog.CollectionCoupons, "c1"), map[string]any{
		"code": "SAVE10", "discountType": "percentage", "discountValue": "10", "minimumSpend": "150", "isActive": true,
	}))

	eng := cart.NewEngine(cart.Options{
		SessionID: "s1",
		Profile:   &cart.DocProfileStore{Store: store},
		Stock:     cat,
		Log:       zerolog.Nop(),
	})
	return &env{
		store: store, cat: cat, mgr: mgr, eng: eng, reg: reg,
		svc: &Service{Catalog: cat, Orders: mgr, Currency: "INR", PaymentKeyID: "rzp_test", Metrics: met, Log: zerolog.Nop()},
	}
}

func (e *env) add(t *testing.T, id string, qty int) {
	t.Helper()
	p, err := e.cat.Product(context.Background(), id)
	require.NoError(t, err)
	out := e.eng.Add(context.Background(), p, qty)
	require.True(t, out.Applied, "%+v", out.Notices)
}

func TestQuote(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	items := []cart.Item{
		{ProductID: "a", Quantity: 1, Price: dec("100")},
		{ProductID: "b", Quantity: 2, Price: dec("30")},
	}

	q, err := e.svc.Quote(ctx, items, "")
	require.NoError(t, err)
	assert.True(t, dec("160").Equal(q.Subtotal))
	assert.True(t, q.Discount.IsZero())
	assert.True(t, dec("50").Equal(q.Shipping))
	assert.Equal(t, "Courier", q.ShippingName)
	assert.True(t, dec("210").Equal(q.Total))
	assert.EqualValues(t, 21000, q.AmountMinor)
	assert.Equal(t, "INR", q.Currency)

	q, err = e.svc.Quote(ctx, items, " save10 ")
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", q.CouponCode)
	assert.True(t, dec("16").Equal(q.Discount))
	assert.True(t, dec("194").Equal(q.Total))

	var minErr *catalog.MinimumSpendError
	_, err = e.svc.Quote(ctx, items[:1], "SAVE10")
	require.ErrorAs(t, err, &minErr)

	_, err = e.svc.Quote(ctx, items, "NOPE")
	assert.ErrorIs(t, err, catalog.ErrCouponNotFound)
}

func TestBegin_RequiresSignInAndCleanCart(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.svc.Begin(ctx, e.eng, "")
	assert.ErrorIs(t, err, ErrNotSignedIn)

	e.eng.SignIn(ctx, "u1")
	_, err = e.svc.Begin(ctx, e.eng, "")
	assert.ErrorIs(t, err, ErrEmptyCart)

	e.add(t, "a", 4)
	require.NoError(t, e.cat.PutProduct(ctx, catalog.Product{ID: "a", Name: "Scarf", Price: dec("100"), Stock: 3}))

	_, err = e.svc.Begin(ctx, e.eng, "")
	var adj *AdjustedError
	require.ErrorAs(t, err, &adj)
	assert.ErrorIs(t, err, ErrCartAdjusted)
	require.Len(t, adj.Notices, 1)
	assert.Equal(t, cart.NoticeClamped, adj.Notices[0].Kind)

	q, err := e.svc.Begin(ctx, e.eng, "")
	require.NoError(t, err)
	assert.True(t, dec("350").Equal(q.Total))
}

func TestComplete_CreatesOrderThenClearsCart(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.eng.SignIn(ctx, "u1")
	e.add(t, "a", 2)
	e.add(t, "b", 1)

	r, err := e.svc.Complete(ctx, e.eng, CompleteRequest{
		PaymentReference: "pay_1",
		CouponCode:       "SAVE10",
		ShippingAddress:  orders.ShippingAddress{Name: "Ann", City: "Pune"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.OrderID)
	assert.Empty(t, e.eng.Items())

	o, err := e.mgr.Get(ctx, r.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "u1", o.UserID)
	assert.Equal(t, "SAVE10", o.CouponCode)
	assert.True(t, dec("23").Equal(o.DiscountAmount.Decimal))
	assert.True(t, dec("257").Equal(o.TotalAmount))
	assert.Len(t, o.Items, 2)

	n, err := e.mgr.Ledger.Available(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestComplete_FailureLeavesCartAndStock(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.eng.SignIn(ctx, "u1")
	e.add(t, "b", 2)
	require.NoError(t, e.mgr.Ledger.Set(ctx, "b", 1))

	_, err := e.svc.Complete(ctx, e.eng, CompleteRequest{PaymentReference: "pay_1"})
	var ins *stock.InsufficientStockError
	require.True(t, errors.As(err, &ins))
	assert.Equal(t, 1, ins.Shortfall())
	assert.Len(t, e.eng.Items(), 1)

	n, err := e.mgr.Ledger.Available(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.svc.Complete(ctx, e.eng, CompleteRequest{})
	assert.ErrorIs(t, err, orders.ErrMissingPaymentRef)
}

func TestComplete_RepeatedCallbackReturnsSameOrder(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.eng.SignIn(ctx, "u1")
	e.add(t, "a", 2)
	req := CompleteRequest{PaymentReference: "pay_1", ShippingAddress: orders.ShippingAddress{Name: "Ann"}}

	first, err := e.svc.Complete(ctx, e.eng, req)
	require.NoError(t, err)
	require.Empty(t, e.eng.Items())

	again, err := e.svc.Complete(ctx, e.eng, req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.True(t, first.Quote.Total.Equal(again.Quote.Total))
	require.Len(t, again.Quote.Items, 1)
	assert.Equal(t, 2, again.Quote.Items[0].Quantity)

	// a cart filled after the order is not consumed by the retry
	e.add(t, "b", 1)
	_, err = e.svc.Complete(ctx, e.eng, req)
	require.NoError(t, err)
	assert.Len(t, e.eng.Items(), 1)

	n, err := e.mgr.Ledger.Available(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// a fresh reference on an empty cart is still an empty cart
	e.eng.Clear(ctx)
	_, err = e.svc.Complete(ctx, e.eng, CompleteRequest{PaymentReference: "pay_2"})
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestComplete_PaymentReferenceOfAnotherUser(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	e.eng.SignIn(ctx, "u1")
	e.add(t, "a", 1)
	first, err := e.svc.Complete(ctx, e.eng, CompleteRequest{PaymentReference: "pay_1"})
	require.NoError(t, err)

	other := cart.NewEngine(cart.Options{
		SessionID: "s2",
		Profile:   &cart.DocProfileStore{Store: e.store},
		Stock:     e.cat,
		Log:       zerolog.Nop(),
	})
	other.SignIn(ctx, "u2")
	p, err := e.cat.Product(ctx, "b")
	require.NoError(t, err)
	require.True(t, other.Add(ctx, p, 1).Applied)

	r, err := e.svc.Complete(ctx, other, CompleteRequest{PaymentReference: "pay_1"})
	assert.ErrorIs(t, err, orders.ErrPaymentReferenceInUse)
	assert.Empty(t, r.OrderID)
	assert.Len(t, other.Items(), 1)

	n, err := e.mgr.Ledger.Available(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mine, err := e.mgr.ListByUser(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, mine)
	o, err := e.mgr.Get(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "u1", o.UserID)
}

func TestFail_CountsPayment(t *testing.T) {
	e := setup(t)
	e.svc.Fail(context.Background(), "u1", "")
	e.svc.Fail(context.Background(), "u1", "card declined")
	expected := `
# HELP storefront_payment_failures_total Payment failure callbacks received
# TYPE storefront_payment_failures_total counter
storefront_payment_failures_total 2
`
	assert.NoError(t, testutil.GatherAndCompare(e.reg, strings.NewReader(expected), "storefront_payment_failures_total"))
}
