package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/port"
)

const (
	StrategySimple     = "simple"
	StrategyPredictive = "predictive"
	StrategyML         = "ml"
)

const (
	DefaultThreshold        = 0.2
	DefaultMaxStock         = 10
	DefaultPredictionWindow = 24.0 // hours

	noHistoryPrediction = 1.0
	minPrediction       = 0.1
	maxPriority         = 100.0
	trendMin            = 0.5
	trendMax            = 2.0
	trendSpan           = 7 * 24 * time.Hour
)

// Predictor ranks restock needs from the ledger and a live inventory snapshot.
type Predictor struct {
	ledger  *LedgerStore
	catalog port.ProductCatalog
	config  port.ConfigStore
	clock   Clock
	logger  *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	dirty  atomic.Bool
	mu     sync.RWMutex
	latest domain.RestockRequest
}

func NewPredictor(ledger *LedgerStore, catalog port.ProductCatalog, config port.ConfigStore, clock Clock, logger *slog.Logger) *Predictor {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Predictor{
		ledger:  ledger,
		catalog: catalog,
		config:  config,
		clock:   clock,
		logger:  logger,
		rng:     rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// SetRandSource replaces the source behind the ml strategy's multiplier.
func (p *Predictor) SetRandSource(src rand.Source) {
	p.rngMu.Lock()
	p.rng = rand.New(src)
	p.rngMu.Unlock()
}

// ObserveTransaction is the sales-update hook called after a transaction is finalized.
func (p *Predictor) ObserveTransaction(txn *domain.Transaction) {
	if txn == nil || len(txn.Items) == 0 {
		return
	}
	p.dirty.Store(true)
}

// Dirty reports whether sales arrived since the last evaluation.
func (p *Predictor) Dirty() bool {
	return p.dirty.Load()
}

// Latest returns the most recent restock request.
func (p *Predictor) Latest() domain.RestockRequest {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

func (p *Predictor) strategy() string {
	s := settingString(p.config, keyAlgorithm, StrategyPredictive)
	switch s {
	case StrategySimple, StrategyPredictive, StrategyML:
		return s
	}
	p.logger.Warn("Unknown replenishment algorithm, using predictive", "algorithm", s)
	return StrategyPredictive
}

// Predict returns the expected demand for a product over the prediction window.
func (p *Predictor) Predict(productID string) float64 {
	return p.predict(productID, p.strategy(), p.clock.Now())
}

func (p *Predictor) predict(productID, strategy string, now time.Time) float64 {
	agg, ok := p.ledger.Aggregate(productID)
	if !ok {
		return noHistoryPrediction
	}

	window := settingFloat(p.config, keyPredictionWindow, DefaultPredictionWindow)
	base := simplePrediction(agg, window)
	if strategy == StrategySimple {
		return base
	}

	result := combinePrediction(base, demandWeight(agg, now.In(p.ledger.Location())), trendFactor(agg, now))
	if strategy == StrategyML {
		p.rngMu.Lock()
		r := p.rng.Float64()
		p.rngMu.Unlock()
		result *= 0.8 + r*0.4
	}
	return result
}

func simplePrediction(agg domain.ProductAggregate, windowHours float64) float64 {
	days := agg.LastSale.Sub(agg.FirstSale).Seconds()/86400 + 1
	if days < 1 {
		days = 1
	}
	return float64(agg.TotalQuantity) / days * (windowHours / 24)
}

// demandWeight averages the current hour's and weekday's share of sales.
func demandWeight(agg domain.ProductAggregate, now time.Time) float64 {
	hourly := 1.0
	if total := sum(agg.Hourly[:]); total > 0 {
		hourly = float64(agg.Hourly[now.Hour()]) / float64(total)
	}
	daily := 1.0
	if total := sum(agg.Weekday[:]); total > 0 {
		daily = float64(agg.Weekday[int(now.Weekday())]) / float64(total)
	}
	return (hourly + daily) / 2
}

// trendFactor compares the last 7 days of sales with the 7 days before them.
func trendFactor(agg domain.ProductAggregate, now time.Time) float64 {
	if len(agg.Trend) < 2 {
		return 1.0
	}

	var recent, older int
	for _, pt := range agg.Trend {
		age := now.Sub(pt.Timestamp)
		switch {
		case age <= trendSpan:
			recent += pt.Quantity
		case age <= 2*trendSpan:
			older += pt.Quantity
		}
	}
	if older == 0 {
		return 1.0
	}
	return math.Max(trendMin, math.Min(trendMax, float64(recent)/float64(older)))
}

func combinePrediction(base, weight, trend float64) float64 {
	return math.Max(base*weight*trend, minPrediction)
}

func restockPriority(stock int, predicted float64, agg domain.ProductAggregate, hasHistory bool) float64 {
	if stock == 0 {
		return maxPriority
	}
	coverage := float64(stock) / math.Max(predicted, minPrediction)
	priority := 1 / math.Max(coverage, 0.01)
	if hasHistory {
		priority *= math.Min(float64(agg.TotalQuantity)/10, 2.0)
	}
	return math.Min(priority, maxPriority)
}

// Evaluate builds a new restock request that replaces the previous one.
func (p *Predictor) Evaluate(ctx context.Context, inventory domain.Inventory) (domain.RestockRequest, error) {
	products := make(map[string]domain.Product)
	if p.catalog != nil {
		list, err := p.catalog.Products(ctx)
		if err != nil {
			return domain.RestockRequest{}, fmt.Errorf("load product catalog: %w", err)
		}
		for _, prod := range list {
			products[prod.ID] = prod
		}
	}
	for id := range inventory {
		if _, ok := products[id]; !ok {
			products[id] = domain.Product{ID: id}
		}
	}

	now := p.clock.Now()
	strategy := p.strategy()
	threshold := settingFloat(p.config, keyThreshold, DefaultThreshold)
	defaultMax := settingInt(p.config, keyMaxStock, DefaultMaxStock)

	req := domain.RestockRequest{GeneratedAt: now, Strategy: strategy, Lines: []domain.RestockLine{}}
	for id, prod := range products {
		maxStock := defaultMax
		if prod.Capacity > 0 {
			maxStock = prod.Capacity
		}

		stock := inventory[id]
		predicted := p.predict(id, strategy, now)
		if float64(stock) > threshold*float64(maxStock) || predicted <= 0 {
			continue
		}
		suggested := maxStock - stock
		if suggested <= 0 {
			continue
		}

		agg, hasHistory := p.ledger.Aggregate(id)
		req.Lines = append(req.Lines, domain.RestockLine{
			ProductID:         id,
			Name:              prod.Name,
			CurrentStock:      stock,
			PredictedDemand:   predicted,
			SuggestedQuantity: suggested,
			Priority:          restockPriority(stock, predicted, agg, hasHistory),
		})
	}

	sort.Slice(req.Lines, func(i, j int) bool {
		if req.Lines[i].Priority != req.Lines[j].Priority {
			return req.Lines[i].Priority > req.Lines[j].Priority
		}
		return req.Lines[i].ProductID < req.Lines[j].ProductID
	})

	p.mu.Lock()
	p.latest = req
	p.mu.Unlock()
	p.dirty.Store(false)

	if !req.Empty() {
		p.logger.Info("Restock needed", "products", len(req.Lines), "strategy", strategy)
	}
	return req, nil
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}
