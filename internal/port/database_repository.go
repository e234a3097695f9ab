package port

import (
	"context"
	"time"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

type LedgerRepository interface {
	// AppendSales persists sales records, ignoring ones already stored for the same transaction and product
	AppendSales(ctx context.Context, records []domain.SalesRecord) error

	// LoadSales returns records sold at or after since, oldest first
	LoadSales(ctx context.Context, since time.Time) ([]domain.SalesRecord, error)
}

type ProductCatalog interface {
	// Products lists every product the cabinet is stocked with
	Products(ctx context.Context) ([]domain.Product, error)
}
