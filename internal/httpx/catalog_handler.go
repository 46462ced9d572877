package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront/internal/auth"
	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/invalidate"
	"github.com/ariefcatur/go-storefront/internal/stock"
	"github.com/go-chi/chi/v5"
)

type CatalogHandler struct {
	Catalog *catalog.Catalog
	Ledger  *stock.Ledger
}

type productResponse struct {
	ID string `json:"id"`
	catalog.Product
}

type setStockReq struct {
	Stock *int `json:"stock"`
}

func (h *CatalogHandler) Register(r chi.Router) {
	r.Get("/products", h.listProducts)
	r.Get("/products/{id}", h.getProduct)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Put("/admin/products/{id}", h.putProduct)
		r.Put("/admin/products/{id}/stock", h.setStock)
	})
}

func (h *CatalogHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Catalog.ListProducts(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]productResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, productResponse{ID: p.ID, Product: p})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *CatalogHandler) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	p, err := h.Catalog.CachedProduct(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, productResponse{ID: p.ID, Product: p})
}

func (h *CatalogHandler) putProduct(w http.ResponseWriter, r *http.Request) {
	var p catalog.Product
	if !decode(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.Catalog.PutProduct(ctx, p); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, productResponse{ID: p.ID, Product: p})
}

func (h *CatalogHandler) setStock(w http.ResponseWriter, r *http.Request) {
	var req setStockReq
	if !decode(w, r, &req) {
		return
	}
	if req.Stock == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "stock is required"})
		return
	}
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.Ledger.Set(ctx, id, *req.Stock); err != nil {
		writeError(w, r, err)
		return
	}
	if h.Catalog.Invalidator != nil {
		h.Catalog.Invalidator.Invalidate(ctx, invalidate.Product(id), invalidate.Products())
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "stock": *req.Stock})
}
