package cart

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/metrics"
	"github.com/rs/zerolog"
)

type State int

const (
	Anonymous State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type NoticeKind string

const (
	NoticeAdded      NoticeKind = "added"
	NoticeWait       NoticeKind = "wait"
	NoticeOutOfStock NoticeKind = "out_of_stock"
	NoticeStockLimit NoticeKind = "stock_limit"
	NoticeInvalid    NoticeKind = "invalid_quantity"
	NoticeRemoved    NoticeKind = "removed"
	NoticeClamped    NoticeKind = "clamped"
	NoticeUnchecked  NoticeKind = "stock_unknown"
)

// Notice is a user-facing message about what happened to the cart.
type Notice struct {
	Kind      NoticeKind `json:"kind"`
	ProductID string     `json:"productId,omitempty"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
}

// Outcome of a mutating call. Applied is false when the cart did not change.
type Outcome struct {
	Applied bool     `json:"applied"`
	Notices []Notice `json:"notices,omitempty"`
}

var noticeWait = Notice{
	Kind:    NoticeWait,
	Title:   "Please wait",
	Message: "Syncing your data, please try again shortly.",
}

type Options struct {
	SessionID string
	Local     LocalStore
	Profile   ProfileStore
	Stock     StockReader
	Policy    MergePolicy
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	Now       func() time.Time
}

// Engine is the cart of one session. Every mutation runs under the engine's
// lock, so concurrent calls for the same cart never lose an update.
type Engine struct {
	// authMu serializes SignIn and SignOut; mu guards the cart itself.
	authMu sync.Mutex
	mu     sync.Mutex

	sessionID string
	state     State
	userID    string
	items     []Item
	lastUsed  time.Time
	// set when sign-in could not read the profile cart; the next profile
	// write folds the profile back in before saving
	mergePending bool

	local   LocalStore
	profile ProfileStore
	stock   StockReader
	policy  MergePolicy
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

func NewEngine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == "" {
		opts.Policy = LocalWins
	}
	if opts.Local == nil {
		opts.Local = NewMemoryLocalStore()
	}
	return &Engine{
		sessionID: opts.SessionID,
		items:     []Item{},
		local:     opts.Local,
		profile:   opts.Profile,
		stock:     opts.Stock,
		policy:    opts.Policy,
		metrics:   opts.Metrics,
		log:       opts.Log.With().Str("cart_session", opts.SessionID).Logger(),
		now:       opts.Now,
		lastUsed:  opts.Now(),
	}
}

// Load reads the anonymous cart of the session from local storage.
func (e *Engine) Load(ctx context.Context) error {
	items, err := e.local.Load(ctx, e.sessionID)
	if err != nil {
		return &PersistenceError{Target: "local", Err: err}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Anonymous {
		e.items = items
	}
	return nil
}

func (e *Engine) SessionID() string { return e.sessionID }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

func (e *Engine) Items() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = e.now()
	return clone(e.items)
}

func (e *Engine) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

// Add inserts the product or increments its line. It is refused with a
// notice when the product is out of stock or the line would exceed stock.
func (e *Engine) Add(ctx context.Context, p catalog.Product, qty int) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = e.now()

	if e.state == Authenticating {
		return refused(noticeWait)
	}
	if qty <= 0 {
		return refused(Notice{Kind: NoticeInvalid, ProductID: p.ID, Title: "Invalid quantity",
			Message: "Quantity must be at least 1."})
	}
	if p.Stock < 1 {
		e.metrics.CartAdjusted("add_out_of_stock")
		return refused(Notice{Kind: NoticeOutOfStock, ProductID: p.ID, Title: "Out of Stock",
			Message: fmt.Sprintf("Sorry, %s is currently out of stock.", p.Name)})
	}

	next := clone(e.items)
	i := indexOf(next, p.ID)
	total := qty
	if i >= 0 {
		total += next[i].Quantity
	}
	if total > p.Stock {
		e.metrics.CartAdjusted("add_stock_limit")
		return refused(Notice{Kind: NoticeStockLimit, ProductID: p.ID, Title: "Stock Limit Exceeded",
			Message: fmt.Sprintf("You can only add up to %d units of %s.", p.Stock, p.Name)})
	}
	if i >= 0 {
		next[i] = itemFrom(p, total, e.now())
	} else {
		next = append(next, itemFrom(p, qty, e.now()))
	}
	e.commit(ctx, next)
	return Outcome{Applied: true, Notices: []Notice{{Kind: NoticeAdded, ProductID: p.ID, Title: "Added to Cart",
		Message: fmt.Sprintf("%s has been added to your cart.", p.Name)}}}
}

// UpdateQuantity sets the line quantity, clamped to the stock snapshot.
// Lines without a snapshot are checked against live stock first. qty <= 0
// removes the line.
func (e *Engine) UpdateQuantity(ctx context.Context, productID string, qty int) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = e.now()

	if e.state == Authenticating {
		return refused(noticeWait)
	}
	if qty <= 0 {
		return e.remove(ctx, productID)
	}
	i := indexOf(e.items, productID)
	if i < 0 {
		return Outcome{}
	}
	var out Outcome
	limit := e.items[i].Stock
	if limit <= 0 {
		live, found, err := e.liveStock(ctx, productID)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Str("product_id", productID).Msg("live stock read failed")
			return refused(Notice{Kind: NoticeUnchecked, ProductID: productID, Title: "Please try again",
				Message: "We could not check stock for this item right now."})
		case !found || live <= 0:
			name := e.items[i].Name
			if name == "" {
				name = "This item"
			}
			e.metrics.CartAdjusted("update_removed")
			out = e.remove(ctx, productID)
			out.Notices = append(out.Notices, Notice{Kind: NoticeRemoved, ProductID: productID, Title: "Item Removed",
				Message: fmt.Sprintf("%s is no longer available and was removed from your cart.", name)})
			return out
		}
		limit = live
		e.items[i].Stock = live
	}
	if qty > limit {
		qty = limit
		out.Notices = append(out.Notices, Notice{Kind: NoticeClamped, ProductID: productID, Title: "Stock Limit Exceeded",
			Message: fmt.Sprintf("You can only have up to %d units.", limit)})
		e.metrics.CartAdjusted("update_clamped")
	}
	if qty == e.items[i].Quantity {
		return out
	}
	next := clone(e.items)
	next[i].Quantity = qty
	next[i].UpdatedAt = e.now()
	e.commit(ctx, next)
	out.Applied = true
	return out
}

// liveStock reads the product's current stock. found is false when the
// product no longer exists.
func (e *Engine) liveStock(ctx context.Context, productID string) (int, bool, error) {
	if e.stock == nil {
		return 0, false, errors.New("no stock reader")
	}
	p, err := e.stock.Product(ctx, productID)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return p.Stock, true, nil
}

// Remove drops the line. Removing an absent product is a no-op.
func (e *Engine) Remove(ctx context.Context, productID string) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = e.now()

	if e.state == Authenticating {
		return refused(noticeWait)
	}
	return e.remove(ctx, productID)
}

func (e *Engine) remove(ctx context.Context, productID string) Outcome {
	i := indexOf(e.items, productID)
	if i < 0 {
		return Outcome{}
	}
	next := make([]Item, 0, len(e.items)-1)
	next = append(next, e.items[:i]...)
	next = append(next, e.items[i+1:]...)
	e.commit(ctx, next)
	return Outcome{Applied: true}
}

// Clear empties the cart. Call it only once the order is durable.
func (e *Engine) Clear(ctx context.Context) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = e.now()

	if e.state == Authenticating {
		return refused(noticeWait)
	}
	if len(e.items) == 0 {
		return Outcome{}
	}
	e.commit(ctx, []Item{})
	return Outcome{Applied: true}
}

// Validate re-reads live stock for every line. Missing or sold-out products
// are dropped, lines above stock are clamped, and stale stock snapshots are
// refreshed silently. It reports true only when nothing had to be corrected;
// false must block checkout. On a read error the cart is left untouched.
func (e *Engine) Validate(ctx context.Context) (bool, []Notice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastUsed = e.now()

	if e.state == Authenticating {
		return false, []Notice{noticeWait}, nil
	}

	next := make([]Item, 0, len(e.items))
	var notices []Notice
	changed := false
	for _, it := range e.items {
		p, err := e.stock.Product(ctx, it.ProductID)
		if err != nil && !errors.Is(err, catalog.ErrProductNotFound) {
			return false, nil, fmt.Errorf("validate cart line %s: %w", it.ProductID, err)
		}
		switch {
		case err != nil || p.Stock <= 0:
			notices = append(notices, Notice{Kind: NoticeRemoved, ProductID: it.ProductID, Title: "Item Removed",
				Message: fmt.Sprintf("%s is no longer available and was removed from your cart.", it.Name)})
			e.metrics.CartAdjusted("validate_removed")
			changed = true
			continue
		case p.Stock < it.Quantity:
			notices = append(notices, Notice{Kind: NoticeClamped, ProductID: it.ProductID, Title: "Quantity Updated",
				Message: fmt.Sprintf("Only %d units of %s are available; your cart was updated.", p.Stock, it.Name)})
			e.metrics.CartAdjusted("validate_clamped")
			it.Quantity = p.Stock
			it.Stock = p.Stock
			it.UpdatedAt = e.now()
			changed = true
		case p.Stock != it.Stock:
			it.Stock = p.Stock
			changed = true
		}
		next = append(next, it)
	}
	if changed {
		e.commit(ctx, next)
	}
	return len(notices) == 0, notices, nil
}

// SignIn moves the cart to the user's profile, merging in whatever the
// session collected while anonymous.
func (e *Engine) SignIn(ctx context.Context, userID string) {
	e.authMu.Lock()
	defer e.authMu.Unlock()

	e.mu.Lock()
	if e.state == Authenticated && e.userID == userID {
		e.mu.Unlock()
		return
	}
	if e.state == Authenticated {
		// different account on the same session: drop the old user's cart
		e.items = []Item{}
	}
	local := clone(e.items)
	e.state = Authenticating
	e.userID = userID
	e.lastUsed = e.now()
	e.mu.Unlock()

	server, loadErr := e.loadProfile(ctx, userID)
	if loadErr != nil {
		e.log.Warn().Err(loadErr).Str("user_id", userID).Msg("profile cart load failed, merging append-only")
		e.metrics.CartPersistFailed("profile_load")
		server = []Item{}
	}

	merged := server
	if len(local) > 0 {
		merged = Merge(server, local, e.policy)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.items = merged
	e.state = Authenticated
	if loadErr != nil {
		// the profile may hold lines we could not see; keep local storage
		// and do not overwrite the profile until it has been read
		e.mergePending = len(local) > 0
		return
	}
	if len(local) == 0 {
		return
	}
	if err := e.saveProfile(ctx, userID, merged); err != nil {
		return
	}
	if err := e.local.Clear(ctx, e.sessionID); err != nil {
		e.log.Warn().Err(err).Msg("local cart clear failed")
	}
	e.log.Info().Str("user_id", userID).Int("lines", len(merged)).Msg("cart merged into profile")
}

// resolvePending retries the profile read that failed at sign-in and merges
// the current cart into it, current lines winning.
func (e *Engine) resolvePending(ctx context.Context) bool {
	server, err := e.loadProfile(ctx, e.userID)
	if err != nil {
		e.log.Warn().Err(err).Str("user_id", e.userID).Msg("profile cart still unreadable")
		e.metrics.CartPersistFailed("profile_load")
		return false
	}
	e.items = Merge(server, e.items, e.policy)
	e.mergePending = false
	return true
}

// SignOut detaches the session from the user. No merge happens; the cart
// goes back to whatever local storage holds.
func (e *Engine) SignOut(ctx context.Context) {
	e.authMu.Lock()
	defer e.authMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == Anonymous {
		return
	}
	e.state = Anonymous
	e.userID = ""
	e.mergePending = false
	e.lastUsed = e.now()
	items, err := e.local.Load(ctx, e.sessionID)
	if err != nil {
		e.log.Warn().Err(err).Msg("local cart load failed")
		items = []Item{}
	}
	e.items = items
}

func (e *Engine) loadProfile(ctx context.Context, userID string) ([]Item, error) {
	if e.profile == nil {
		return nil, errors.New("no profile store")
	}
	return e.profile.LoadCart(ctx, userID)
}

func (e *Engine) saveProfile(ctx context.Context, userID string, items []Item) error {
	if e.profile == nil {
		return nil
	}
	if err := e.profile.SaveCart(ctx, userID, items); err != nil {
		perr := &PersistenceError{Target: "profile", Err: err}
		e.log.Warn().Err(perr).Str("user_id", userID).Msg("cart save failed")
		e.metrics.CartPersistFailed("profile")
		return perr
	}
	return nil
}

// commit swaps in the new cart and persists it to the store that owns the
// current state. Persistence failures are logged, never returned.
func (e *Engine) commit(ctx context.Context, items []Item) {
	e.items = items
	if e.state != Authenticated {
		e.saveLocal(ctx, items)
		return
	}
	pending := e.mergePending
	if pending && !e.resolvePending(ctx) {
		e.saveLocal(ctx, e.items)
		return
	}
	if err := e.saveProfile(ctx, e.userID, e.items); err != nil {
		if pending {
			e.saveLocal(ctx, e.items)
		}
		return
	}
	if pending {
		if err := e.local.Clear(ctx, e.sessionID); err != nil {
			e.log.Warn().Err(err).Msg("local cart clear failed")
		}
	}
}

func (e *Engine) saveLocal(ctx context.Context, items []Item) {
	if err := e.local.Save(ctx, e.sessionID, items); err != nil {
		e.log.Warn().Err(&PersistenceError{Target: "local", Err: err}).Msg("cart save failed")
		e.metrics.CartPersistFailed("local")
	}
}

func refused(n Notice) Outcome {
	return Outcome{Notices: []Notice{n}}
}
