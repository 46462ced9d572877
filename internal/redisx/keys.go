package redisx

import "time"

const (
	// Anonymous cart (the browser-local copy): cart:local:{session_id} -> JSON array of items
	KeyLocalCart = "cart:local:%s"

	// Payment idempotency: idem:order:payment:{payment_ref} -> order_id
	KeyIdemOrderPayment = "idem:order:payment:%s"

	// Cache status order: order_status:{order_id} -> {"status": "..."}
	KeyOrderStatus = "order_status:%s"

	// Fronting product cache: product:{product_id} -> product JSON
	KeyProduct = "product:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLLocalCart   = 30 * 24 * time.Hour
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLProduct     = 10 * time.Minute
	TTLDedup       = 48 * time.Hour
)
