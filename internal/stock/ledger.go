// Package stock reads and writes the per-product stock counts. Product.stock
// is the one field with concurrent writers; during checkout it is only
// changed through Check followed by Decrement inside one store transaction.
package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-storefront/internal/catalog"
	"github.com/ariefcatur/go-storefront/internal/docstore"
)

var ErrNegativeStock = errors.New("stock cannot be negative")

type InsufficientStockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	name := e.Name
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("not enough stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

// Shortfall is how many units are missing.
func (e *InsufficientStockError) Shortfall() int { return e.Requested - e.Available }

type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

func (e *ProductNotFoundError) Is(target error) bool { return target == catalog.ErrProductNotFound }

type Ledger struct {
	Store docstore.Store
}

func (l *Ledger) Available(ctx context.Context, productID string) (int, error) {
	snap, err := l.Store.Get(ctx, catalog.ProductPath(productID))
	if errors.Is(err, docstore.ErrNotFound) {
		return 0, &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return 0, err
	}
	var p catalog.Product
	if err := snap.Decode(&p); err != nil {
		return 0, err
	}
	return p.Stock, nil
}

// Set overwrites the count outside of checkout (admin restock, inventory
// correction). Last writer wins.
func (l *Ledger) Set(ctx context.Context, productID string, n int) error {
	if n < 0 {
		return ErrNegativeStock
	}
	err := l.Store.Update(ctx, catalog.ProductPath(productID), map[string]any{"stock": n})
	if errors.Is(err, docstore.ErrNotFound) {
		return &ProductNotFoundError{ProductID: productID}
	}
	return err
}

// Check reads the product inside tx and verifies qty units are available.
func (l *Ledger) Check(ctx context.Context, tx docstore.Tx, productID string, qty int) (catalog.Product, error) {
	snap, err := tx.Get(ctx, catalog.ProductPath(productID))
	if errors.Is(err, docstore.ErrNotFound) {
		return catalog.Product{}, &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return catalog.Product{}, err
	}
	var p catalog.Product
	if err := snap.Decode(&p); err != nil {
		return catalog.Product{}, err
	}
	p.ID = snap.ID
	if p.Stock < qty {
		return catalog.Product{}, &InsufficientStockError{
			ProductID: productID, Name: p.Name, Requested: qty, Available: p.Stock,
		}
	}
	return p, nil
}

// Decrement writes the new absolute count computed from p, which must be the
// value Check returned in the same transaction.
func (l *Ledger) Decrement(tx docstore.Tx, p catalog.Product, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("decrement %s: invalid quantity %d", p.ID, qty)
	}
	next := p.Stock - qty
	if next < 0 {
		return &InsufficientStockError{ProductID: p.ID, Name: p.Name, Requested: qty, Available: p.Stock}
	}
	return tx.Update(catalog.ProductPath(p.ID), map[string]any{"stock": next})
}
