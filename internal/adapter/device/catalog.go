package device

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rl1809/smart-fridge/internal/config"
	"github.com/rl1809/smart-fridge/internal/core/domain"
)

// StaticCatalog serves a fixed product list.
type StaticCatalog struct {
	products []domain.Product
}

func NewStaticCatalog(products []domain.Product) *StaticCatalog {
	return &StaticCatalog{products: append([]domain.Product(nil), products...)}
}

// CatalogFromConfig builds the catalog and the starting shelf contents from
// the configured product list.
func CatalogFromConfig(products []config.ProductConfig) (*StaticCatalog, domain.Inventory, error) {
	out := make([]domain.Product, 0, len(products))
	initial := make(domain.Inventory, len(products))
	for _, p := range products {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("product %s price: %w", p.ID, err)
		}
		out = append(out, domain.Product{
			ID:       p.ID,
			Name:     p.Name,
			Price:    price,
			Capacity: p.Capacity,
		})
		initial[p.ID] = p.InitialStock
	}
	return NewStaticCatalog(out), initial, nil
}

func (c *StaticCatalog) Products(ctx context.Context) ([]domain.Product, error) {
	return append([]domain.Product(nil), c.products...), nil
}
