package httpx

import (
	"fmt"
	"net/http"

	"github.com/ariefcatur/go-storefront/internal/cart"
	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// HeaderCartSession carries the cart session id. A request without one gets a
// fresh id back in the same header.
const HeaderCartSession = "X-Cart-Session"

// sessionEngine resolves the request's cart and brings its auth state in line
// with the caller: a bearer signs the cart in, no bearer signs it out.
func sessionEngine(w http.ResponseWriter, r *http.Request, carts *cart.Registry) *cart.Engine {
	id := r.Header.Get(HeaderCartSession)
	if id == "" {
		id = cart.NewSessionID()
	}
	w.Header().Set(HeaderCartSession, id)

	eng := carts.Get(r.Context(), id)
	if u, ok := currentUser(r); ok {
		eng.SignIn(r.Context(), u.ID)
	} else {
		eng.SignOut(r.Context())
	}
	return eng
}

type CartHandler struct {
	Carts   *cart.Registry
	Catalog *catalog.Catalog
}

type cartView struct {
	SessionID string          `json:"sessionId"`
	State     string          `json:"state"`
	Items     []cart.Item     `json:"items"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type outcomeResp struct {
	cart.Outcome
	Cart cartView `json:"cart"`
}

type addItemReq struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type quantityReq struct {
	Quantity *int `json:"quantity"`
}

func view(eng *cart.Engine) cartView {
	items := eng.Items()
	return cartView{
		SessionID: eng.SessionID(),
		State:     eng.State().String(),
		Items:     items,
		Subtotal:  cart.Subtotal(items),
	}
}

func (h *CartHandler) Register(r chi.Router) {
	r.Route("/cart", func(r chi.Router) {
		r.Get("/", h.getCart)
		r.Delete("/", h.clearCart)
		r.Post("/items", h.addItem)
		r.Patch("/items/{productId}", h.updateItem)
		r.Delete("/items/{productId}", h.removeItem)
		r.Post("/validate", h.validate)
	})
}

func (h *CartHandler) getCart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, view(sessionEngine(w, r, h.Carts)))
}

func (h *CartHandler) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemReq
	if !decode(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "productId is required"})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}
	eng := sessionEngine(w, r, h.Carts)

	p, err := h.Catalog.Product(r.Context(), req.ProductID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !p.IsPublished {
		writeError(w, r, fmt.Errorf("%w: %s", catalog.ErrProductNotFound, req.ProductID))
		return
	}
	out := eng.Add(r.Context(), p, req.Quantity)
	writeJSON(w, http.StatusOK, outcomeResp{Outcome: out, Cart: view(eng)})
}

func (h *CartHandler) updateItem(w http.ResponseWriter, r *http.Request) {
	var req quantityReq
	if !decode(w, r, &req) {
		return
	}
	if req.Quantity == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "quantity is required"})
		return
	}
	eng := sessionEngine(w, r, h.Carts)
	out := eng.UpdateQuantity(r.Context(), chi.URLParam(r, "productId"), *req.Quantity)
	writeJSON(w, http.StatusOK, outcomeResp{Outcome: out, Cart: view(eng)})
}

func (h *CartHandler) removeItem(w http.ResponseWriter, r *http.Request) {
	eng := sessionEngine(w, r, h.Carts)
	out := eng.Remove(r.Context(), chi.URLParam(r, "productId"))
	writeJSON(w, http.StatusOK, outcomeResp{Outcome: out, Cart: view(eng)})
}

func (h *CartHandler) clearCart(w http.ResponseWriter, r *http.Request) {
	eng := sessionEngine(w, r, h.Carts)
	out := eng.Clear(r.Context())
	writeJSON(w, http.StatusOK, outcomeResp{Outcome: out, Cart: view(eng)})
}

func (h *CartHandler) validate(w http.ResponseWriter, r *http.Request) {
	eng := sessionEngine(w, r, h.Carts)
	ok, notices, err := eng.Validate(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      ok,
		"notices": notices,
		"cart":    view(eng),
	})
}
