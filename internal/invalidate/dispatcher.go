package invalidate

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/rs/zerolog"
)

// Dispatcher queues invalidation targets and sends them from a background
// loop. Invalidate never blocks: when the queue is full the target is dropped
// and logged.
type Dispatcher struct {
	n       Notifier
	inbox   chan Target
	closeCh chan struct{}
	timeout time.Duration
	log     zerolog.Logger
	m       *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(n Notifier, buf int, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if buf <= 0 {
		buf = 256
	}
	return &Dispatcher{
		n:       n,
		inbox:   make(chan Target, buf),
		closeCh: make(chan struct{}),
		timeout: 5 * time.Second,
		log:     log,
		m:       m,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		defer close(d.closeCh)
		for t := range d.inbox {
			d.send(t)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			d.Close()
		case <-d.closeCh:
		}
	}()
}

func (d *Dispatcher) send(t Target) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.n.Notify(ctx, t); err != nil {
		d.log.Warn().Err(err).Str("target", t.String()).Msg("cache invalidation failed")
		d.m.Invalidation(string(t.Type), "error")
		return
	}
	d.m.Invalidation(string(t.Type), "ok")
}

func (d *Dispatcher) Invalidate(_ context.Context, targets ...Target) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, t := range targets {
		if d.closed {
			d.m.Invalidation(string(t.Type), "dropped")
			continue
		}
		select {
		case d.inbox <- t:
		default:
			d.log.Warn().Str("target", t.String()).Msg("invalidation queue full, dropped")
			d.m.Invalidation(string(t.Type), "dropped")
		}
	}
}

func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.inbox)
}

func (d *Dispatcher) WaitClosed() { <-d.closeCh }
