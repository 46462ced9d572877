package cart

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Registry hands out one Engine per cart session.
type Registry struct {
	Local   LocalStore
	Profile ProfileStore
	Stock   StockReader
	Policy  MergePolicy
	Metrics *metrics.Metrics
	Log     zerolog.Logger
	Now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Engine
}

func NewSessionID() string { return uuid.NewString() }

// Get returns the engine for sessionID, creating it from local storage on
// first use.
func (r *Registry) Get(ctx context.Context, sessionID string) *Engine {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if ok {
		return e
	}

	e = NewEngine(Options{
		SessionID: sessionID,
		Local:     r.Local,
		Profile:   r.Profile,
		Stock:     r.Stock,
		Policy:    r.Policy,
		Metrics:   r.Metrics,
		Log:       r.Log,
		Now:       r.Now,
	})
	if err := e.Load(ctx); err != nil {
		r.Log.Warn().Err(err).Str("cart_session", sessionID).Msg("local cart load failed, starting empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions == nil {
		r.sessions = map[string]*Engine{}
	}
	if existing, ok := r.sessions[sessionID]; ok {
		return existing
	}
	r.sessions[sessionID] = e
	return e
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep forgets engines idle for longer than ttl. Their carts survive in
// local storage or the profile.
func (r *Registry) Sweep(ttl time.Duration) int {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	cutoff := now().Add(-ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.sessions {
		if e.idleSince().Before(cutoff) {
			delete(r.sessions, id)
			n++
		}
	}
	return n
}

// MinSweepInterval is the shortest interval Run accepts.
const MinSweepInterval = time.Second

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval, ttl time.Duration) {
	if interval < MinSweepInterval {
		interval = MinSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(ttl); n > 0 {
				r.Log.Debug().Int("evicted", n).Msg("cart sessions swept")
			}
		}
	}
}
