package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Authn attaches the caller, if any, to the request context.
type Authn interface {
	OptionalUser(next http.Handler) http.Handler
}

type RouterConfig struct {
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Auth     Authn
	Timeout  time.Duration
}

func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLog(cfg.Log, cfg.Metrics), middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Timeout))
	if cfg.Auth != nil {
		r.Use(cfg.Auth.OptionalUser)
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// requestLog logs and counts every request by its chi route pattern.
func requestLog(log zerolog.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			m.Request(r.Method, route, strconv.Itoa(status), elapsed.Seconds())
			log.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("route", route).
				Int("status", status).
				Dur("took", elapsed).
				Msg("request")
		})
	}
}
