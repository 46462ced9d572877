package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	CollectionOrders   = "orders"
	CollectionPayments = "payments"
)

type ShippingAddress struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zipCode"`
	Country string `json:"country"`
}

// LineItem is a snapshot of what was bought, not a live product reference.
type LineItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	SKU       string          `json:"sku,omitempty"`
	ImageURL  string          `json:"imageUrl,omitempty"`
}

type Order struct {
	ID               string              `json:"id"`
	UserID           string              `json:"userId"`
	Items            []LineItem          `json:"items"`
	TotalAmount      decimal.Decimal     `json:"totalAmount"`
	ShippingAddress  ShippingAddress     `json:"shippingAddress"`
	ShippingCost     decimal.NullDecimal `json:"shippingCost"`
	OrderStatus      Status              `json:"orderStatus"`
	PaymentStatus    PaymentStatus       `json:"paymentStatus"`
	PaymentReference string              `json:"paymentReference"`
	CouponCode       string              `json:"couponCode,omitempty"`
	DiscountAmount   decimal.NullDecimal `json:"discountAmount"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// paymentRecord maps a gateway payment reference to the order it paid for.
type paymentRecord struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
}
