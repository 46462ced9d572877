package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-storefront/internal/auth"
	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/checkout"
	"github.com/go-chi/chi/v5"
)

type CheckoutHandler struct {
	Checkout *checkout.Service
	Carts    *cart.Registry
}

type beginReq struct {
	CouponCode string `json:"couponCode"`
}

type failReq struct {
	Description string `json:"description"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser)
		r.Post("/checkout/begin", h.begin)
		r.Post("/checkout/complete", h.complete)
		r.Post("/checkout/fail", h.fail)
	})
}

func (h *CheckoutHandler) begin(w http.ResponseWriter, r *http.Request) {
	var req beginReq
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	eng := sessionEngine(w, r, h.Carts)
	q, err := h.Checkout.Begin(r.Context(), eng, req.CouponCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// complete is the payment success callback.
func (h *CheckoutHandler) complete(w http.ResponseWriter, r *http.Request) {
	var req checkout.CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	eng := sessionEngine(w, r, h.Carts)
	rec, err := h.Checkout.Complete(r.Context(), eng, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *CheckoutHandler) fail(w http.ResponseWriter, r *http.Request) {
	var req failReq
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	u, _ := currentUser(r)
	h.Checkout.Fail(r.Context(), u.ID, req.Description)
	w.WriteHeader(http.StatusNoContent)
}
