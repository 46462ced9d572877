package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/docstore"
	"github.com/ariefcatur/go-storefront/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// LocalStore holds the anonymous cart of a session.
type LocalStore interface {
	Load(ctx context.Context, sessionID string) ([]Item, error)
	Save(ctx context.Context, sessionID string, items []Item) error
	Clear(ctx context.Context, sessionID string) error
}

// ProfileStore holds the cart of a signed-in user.
type ProfileStore interface {
	LoadCart(ctx context.Context, userID string) ([]Item, error)
	SaveCart(ctx context.Context, userID string, items []Item) error
}

// StockReader reads live product data. catalog.Catalog satisfies it.
type StockReader interface {
	Product(ctx context.Context, id string) (catalog.Product, error)
}

// PersistenceError reports a cart save that failed. The in-memory cart is
// still authoritative for the session.
type PersistenceError struct {
	Target string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist cart to %s: %v", e.Target, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

type RedisLocalStore struct {
	Redis redis.Cmdable
	TTL   time.Duration
}

func (s *RedisLocalStore) key(sessionID string) string {
	return fmt.Sprintf(redisx.KeyLocalCart, sessionID)
}

func (s *RedisLocalStore) Load(ctx context.Context, sessionID string) ([]Item, error) {
	b, err := s.Redis.Get(ctx, s.key(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return []Item{}, nil
	}
	if err != nil {
		return nil, err
	}
	var items []Item
	if err := json.Unmarshal(b, &items); err != nil {
		// unreadable local cart is treated as empty
		return []Item{}, nil
	}
	return clone(items), nil
}

func (s *RedisLocalStore) Save(ctx context.Context, sessionID string, items []Item) error {
	b, err := json.Marshal(clone(items))
	if err != nil {
		return err
	}
	ttl := s.TTL
	if ttl == 0 {
		ttl = redisx.TTLLocalCart
	}
	return s.Redis.Set(ctx, s.key(sessionID), b, ttl).Err()
}

func (s *RedisLocalStore) Clear(ctx context.Context, sessionID string) error {
	return s.Redis.Del(ctx, s.key(sessionID)).Err()
}

type MemoryLocalStore struct {
	mu    sync.Mutex
	carts map[string][]Item
}

func NewMemoryLocalStore() *MemoryLocalStore {
	return &MemoryLocalStore{carts: map[string][]Item{}}
}

func (s *MemoryLocalStore) Load(_ context.Context, sessionID string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.carts[sessionID]), nil
}

func (s *MemoryLocalStore) Save(_ context.Context, sessionID string, items []Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[sessionID] = clone(items)
	return nil
}

func (s *MemoryLocalStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, sessionID)
	return nil
}

const CollectionUsers = "users"

// DocProfileStore keeps the cart in the "cart" field of users/{uid}.
type DocProfileStore struct {
	Store docstore.Store
}

func (s *DocProfileStore) LoadCart(ctx context.Context, userID string) ([]Item, error) {
	snap, err := s.Store.Get(ctx, docstore.Doc(CollectionUsers, userID))
	if errors.Is(err, docstore.ErrNotFound) {
		return []Item{}, nil
	}
	if err != nil {
		return nil, err
	}
	var profile struct {
		Cart []Item `json:"cart"`
	}
	if err := snap.Decode(&profile); err != nil {
		return nil, err
	}
	return clone(profile.Cart), nil
}

func (s *DocProfileStore) SaveCart(ctx context.Context, userID string, items []Item) error {
	path := docstore.Doc(CollectionUsers, userID)
	err := s.Store.Update(ctx, path, map[string]any{"cart": clone(items)})
	if errors.Is(err, docstore.ErrNotFound) {
		return s.Store.Set(ctx, path, map[string]any{"cart": clone(items)})
	}
	return err
}
