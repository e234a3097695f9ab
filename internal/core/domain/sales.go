package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SalesRecord struct {
	TransactionID string
	ProductID     string
	Quantity      int
	UnitPrice     decimal.Decimal
	Timestamp     time.Time
}

func (r SalesRecord) Amount() decimal.Decimal {
	return r.UnitPrice.Mul(decimal.NewFromInt(int64(r.Quantity)))
}

type TrendPoint struct {
	Quantity  int
	Timestamp time.Time
}

// ProductAggregate is the rolling per-product view maintained by the ledger.
type ProductAggregate struct {
	ProductID     string
	TotalQuantity int
	TotalRevenue  decimal.Decimal
	FirstSale     time.Time
	LastSale      time.Time
	Hourly        [24]int
	Weekday       [7]int
	Trend         []TrendPoint
}

func (a ProductAggregate) Clone() ProductAggregate {
	out := a
	out.Trend = append([]TrendPoint(nil), a.Trend...)
	return out
}

type ProductSales struct {
	Quantity int             `json:"quantity"`
	Revenue  decimal.Decimal `json:"revenue"`
}

type SalesAnalytics struct {
	Since         time.Time               `json:"since"`
	Until         time.Time               `json:"until"`
	TotalQuantity int                     `json:"total_quantity"`
	TotalRevenue  decimal.Decimal         `json:"total_revenue"`
	ByProduct     map[string]ProductSales `json:"by_product"`
	ByDay         map[string]ProductSales `json:"by_day"`
}
