package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

var (
	ErrUnknownProduct = errors.New("unknown product")
	ErrOutOfStock     = errors.New("not enough units on the shelf")
)

// Shelf simulates the camera and product recognition. It tracks units per
// product and prices removals from the catalog.
type Shelf struct {
	mu       sync.Mutex
	stock    domain.Inventory
	products map[string]domain.Product
}

func NewShelf(products []domain.Product, initial domain.Inventory) *Shelf {
	s := &Shelf{
		stock:    make(domain.Inventory, len(products)),
		products: make(map[string]domain.Product, len(products)),
	}
	for _, p := range products {
		s.products[p.ID] = p
		s.stock[p.ID] = 0
	}
	for id, qty := range initial {
		s.stock[id] = qty
	}
	return s
}

// Take removes units as a customer would.
func (s *Shelf) Take(productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[productID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	if s.stock[productID] < qty {
		return fmt.Errorf("%w: %s has %d, want %d", ErrOutOfStock, productID, s.stock[productID], qty)
	}
	s.stock[productID] -= qty
	return nil
}

// Restock adds units, capped at the product capacity when one is set.
func (s *Shelf) Restock(productID string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	next := s.stock[productID] + qty
	if p.Capacity > 0 && next > p.Capacity {
		next = p.Capacity
	}
	s.stock[productID] = next
	return nil
}

func (s *Shelf) SnapshotInventory(ctx context.Context) (domain.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stock.Clone(), nil
}

func (s *Shelf) Diff(ctx context.Context, before, after domain.Inventory) ([]domain.LineItem, error) {
	ids := make([]string, 0, len(before))
	for id := range before {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	s.mu.Lock()
	defer s.mu.Unlock()

	var items []domain.LineItem
	for _, id := range ids {
		removed := before[id] - after[id]
		if removed <= 0 {
			continue
		}
		p, ok := s.products[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, id)
		}
		items = append(items, domain.LineItem{
			ProductID: id,
			Quantity:  removed,
			UnitPrice: p.Price,
		})
	}
	return items, nil
}

// Price returns the catalog price of a product.
func (s *Shelf) Price(productID string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	return p.Price, ok
}
