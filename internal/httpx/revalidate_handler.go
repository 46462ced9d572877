package httpx

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront/internal/auth"
	"github.com/ariefcatur/go-storefront/internal/invalidate"
	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/go-chi/chi/v5"
)

// RevalidateHandler is the cache invalidation endpoint. Signed-in shoppers
// may only drop orders or a single product page, which is what checkout
// needs; every other type takes an admin.
type RevalidateHandler struct {
	Cache   *invalidate.Cache
	Metrics *metrics.Metrics
}

func (h *RevalidateHandler) Register(r chi.Router) {
	r.With(auth.RequireUser).Post("/api/revalidate-data", h.revalidate)
}

func checkoutAllowed(t invalidate.Target) bool {
	return t.Type == invalidate.TypeOrders || (t.Type == invalidate.TypeProducts && t.SpecificPath != "")
}

func (h *RevalidateHandler) revalidate(w http.ResponseWriter, r *http.Request) {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid content type"})
		return
	}
	var t invalidate.Target
	if !decode(w, r, &t) {
		return
	}
	if err := t.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	u, _ := currentUser(r)
	if !u.Admin && !checkoutAllowed(t) {
		h.Metrics.Invalidation(string(t.Type), "forbidden")
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "not allowed outside the admin interface"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	var dropped int64
	if h.Cache != nil {
		n, err := h.Cache.Drop(ctx, t)
		if err != nil {
			h.Metrics.Invalidation(string(t.Type), "error")
			writeError(w, r, fmt.Errorf("revalidate %s: %w", t, err))
			return
		}
		dropped = n
	}
	h.Metrics.Invalidation(string(t.Type), "applied")

	msg := "Cache revalidated for " + string(t.Type)
	if t.SpecificPath != "" {
		msg += " and path: " + t.SpecificPath
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   msg,
		"dropped":   dropped,
		"timestamp": time.Now().UTC(),
	})
}
