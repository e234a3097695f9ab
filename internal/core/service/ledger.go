package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/port"
)

const (
	DefaultTrendWindow = 100
	MaxSalesHistory    = 10000
)

// LedgerStore keeps the append-only sales history and the per-product
// aggregates the predictor reads. Aggregates cover every record ever applied;
// the raw history kept in memory is capped at MaxSalesHistory.
type LedgerStore struct {
	mu          sync.RWMutex
	repo        port.LedgerRepository
	records     []domain.SalesRecord
	aggregates  map[string]*domain.ProductAggregate
	trendWindow int
	loc         *time.Location
	logger      *slog.Logger
}

func NewLedgerStore(repo port.LedgerRepository, trendWindow int, logger *slog.Logger) *LedgerStore {
	if trendWindow <= 0 {
		trendWindow = DefaultTrendWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerStore{
		repo:        repo,
		aggregates:  make(map[string]*domain.ProductAggregate),
		trendWindow: trendWindow,
		loc:         time.Local,
		logger:      logger,
	}
}

// SetLocation sets the zone the hour and weekday histograms are kept in.
// Call it before Load or Append.
func (l *LedgerStore) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	l.mu.Lock()
	l.loc = loc
	l.mu.Unlock()
}

func (l *LedgerStore) Location() *time.Location {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loc
}

// Load replays the persisted history into memory.
func (l *LedgerStore) Load(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}

	records, err := l.repo.LoadSales(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("load sales history: %w", err)
	}

	l.mu.Lock()
	for _, r := range records {
		l.apply(r)
	}
	l.mu.Unlock()

	l.logger.Info("Sales history loaded", "records", len(records))
	return nil
}

// Append records sales in memory, then persists them. A persistence failure
// is returned but the in-memory ledger keeps the records.
func (l *LedgerStore) Append(ctx context.Context, records ...domain.SalesRecord) error {
	if len(records) == 0 {
		return nil
	}

	l.mu.Lock()
	for _, r := range records {
		l.apply(r)
	}
	l.mu.Unlock()

	if l.repo == nil {
		return nil
	}
	if err := l.repo.AppendSales(ctx, records); err != nil {
		l.logger.Error("Failed to persist sales records", "records", len(records), "error", err)
		return fmt.Errorf("persist sales records: %w", err)
	}
	return nil
}

func (l *LedgerStore) apply(r domain.SalesRecord) {
	l.records = append(l.records, r)
	if over := len(l.records) - MaxSalesHistory; over > 0 {
		l.records = append([]domain.SalesRecord(nil), l.records[over:]...)
	}

	agg, ok := l.aggregates[r.ProductID]
	if !ok {
		agg = &domain.ProductAggregate{
			ProductID:    r.ProductID,
			TotalRevenue: decimal.Zero,
			FirstSale:    r.Timestamp,
			LastSale:     r.Timestamp,
		}
		l.aggregates[r.ProductID] = agg
	}

	agg.TotalQuantity += r.Quantity
	agg.TotalRevenue = agg.TotalRevenue.Add(r.Amount())
	if r.Timestamp.Before(agg.FirstSale) {
		agg.FirstSale = r.Timestamp
	}
	if r.Timestamp.After(agg.LastSale) {
		agg.LastSale = r.Timestamp
	}
	// replayed rows come back in UTC, live ones in device time
	local := r.Timestamp.In(l.loc)
	agg.Hourly[local.Hour()] += r.Quantity
	agg.Weekday[int(local.Weekday())] += r.Quantity

	agg.Trend = append(agg.Trend, domain.TrendPoint{Quantity: r.Quantity, Timestamp: r.Timestamp})
	if over := len(agg.Trend) - l.trendWindow; over > 0 {
		agg.Trend = append([]domain.TrendPoint(nil), agg.Trend[over:]...)
	}
}

// Aggregate returns a copy of the product's aggregate.
func (l *LedgerStore) Aggregate(productID string) (domain.ProductAggregate, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	agg, ok := l.aggregates[productID]
	if !ok {
		return domain.ProductAggregate{}, false
	}
	return agg.Clone(), true
}

// Products lists every product with at least one sale, sorted.
func (l *LedgerStore) Products() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.aggregates))
	for id := range l.aggregates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *LedgerStore) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Analytics summarizes the retained history sold within [since, until].
func (l *LedgerStore) Analytics(since, until time.Time) domain.SalesAnalytics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := domain.SalesAnalytics{
		Since:        since,
		Until:        until,
		TotalRevenue: decimal.Zero,
		ByProduct:    make(map[string]domain.ProductSales),
		ByDay:        make(map[string]domain.ProductSales),
	}

	for _, r := range l.records {
		if r.Timestamp.Before(since) || r.Timestamp.After(until) {
			continue
		}
		amount := r.Amount()
		out.TotalQuantity += r.Quantity
		out.TotalRevenue = out.TotalRevenue.Add(amount)
		out.ByProduct[r.ProductID] = addSales(out.ByProduct[r.ProductID], r.Quantity, amount)
		day := r.Timestamp.Format("2006-01-02")
		out.ByDay[day] = addSales(out.ByDay[day], r.Quantity, amount)
	}
	return out
}

func addSales(s domain.ProductSales, qty int, amount decimal.Decimal) domain.ProductSales {
	s.Quantity += qty
	s.Revenue = s.Revenue.Add(amount)
	return s
}
