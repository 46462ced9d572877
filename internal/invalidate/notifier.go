package invalidate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	kafkax "github.com/ariefcatur/go-storefront/internal/kafka"
	kafkago "github.com/segmentio/kafka-go"
)

type Notifier interface {
	Notify(ctx context.Context, t Target) error
}

// TokenSource yields the bearer token sent with HTTP invalidation calls.
type TokenSource func(ctx context.Context) (string, error)

// HTTPNotifier posts {type, specificPath} to a revalidation endpoint.
type HTTPNotifier struct {
	URL    string
	Token  TokenSource
	Client *http.Client
}

func (n *HTTPNotifier) Notify(ctx context.Context, t Target) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Token != nil {
		tok, err := n.Token(ctx)
		if err != nil {
			return fmt.Errorf("revalidation token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("revalidate %s: status %d: %s", t, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

type publisher interface {
	TryPublish(key, value []byte, headers ...kafkago.Header) bool
}

// KafkaNotifier publishes targets to the cache.invalidate topic for the
// invalidator process.
type KafkaNotifier struct {
	Producer publisher
	Service  string
}

func (n *KafkaNotifier) Notify(_ context.Context, t Target) error {
	env := kafkax.NewEnvelope(EventCacheInvalidate, n.Service, string(t.Type), t)
	if !n.Producer.TryPublish([]byte(t.Type), kafkax.MustMarshal(env), env.Headers()...) {
		return fmt.Errorf("invalidate %s: producer inbox full or closed", t)
	}
	return nil
}

type Nop struct{}

func (Nop) Notify(context.Context, Target) error { return nil }
