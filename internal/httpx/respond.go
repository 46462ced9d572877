package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-storefront/internal/auth"
	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/checkout"
	"github.com/ariefcatur/go-storefront/internal/docstore"
	"github.com/ariefcatur/go-storefront/internal/invalidate"
	"github.com/ariefcatur/go-storefront/internal/logger"
	"github.com/ariefcatur/go-storefront/internal/orders"
	"github.com/ariefcatur/go-storefront/internal/stock"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error     string `json:"error"`
	ProductID string `json:"productId,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
	Notices   any    `json:"notices,omitempty"`
}

func statusFor(err error) int {
	var (
		ins   *stock.InsufficientStockError
		adj   *checkout.AdjustedError
		trans *orders.TransitionError
		spend *catalog.MinimumSpendError
	)
	switch {
	case errors.As(err, &ins), errors.As(err, &adj), errors.As(err, &trans),
		errors.Is(err, orders.ErrPaymentReferenceInUse):
		return http.StatusConflict
	case errors.Is(err, catalog.ErrProductNotFound), errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkout.ErrNotSignedIn):
		return http.StatusUnauthorized
	case errors.Is(err, docstore.ErrConflict):
		return http.StatusServiceUnavailable
	case errors.As(err, &spend),
		errors.Is(err, catalog.ErrCouponNotFound),
		errors.Is(err, catalog.ErrInvalidProduct),
		errors.Is(err, stock.ErrNegativeStock),
		errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, orders.ErrNoItems),
		errors.Is(err, orders.ErrInvalidQuantity),
		errors.Is(err, orders.ErrMissingUser),
		errors.Is(err, orders.ErrMissingPaymentRef),
		errors.Is(err, orders.ErrInvalidStatus),
		errors.Is(err, invalidate.ErrUnknownType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError maps domain errors to a status and an actionable body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}

	var ins *stock.InsufficientStockError
	var adj *checkout.AdjustedError
	switch {
	case errors.As(err, &ins):
		body.ProductID = ins.ProductID
		body.Requested = ins.Requested
		body.Available = &ins.Available
	case errors.As(err, &adj):
		body.Notices = adj.Notices
	}

	if code >= http.StatusInternalServerError {
		logger.Error(r.Context()).Err(err).Str("path", r.URL.Path).Msg("request failed")
		if code == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, code, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return false
	}
	return true
}

func currentUser(r *http.Request) (auth.User, bool) {
	return auth.FromContext(r.Context())
}
