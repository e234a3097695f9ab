package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/port"
)

var errOffline = errors.New("offline")

// Fake clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Log capture
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) Count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

func newTestLogger() (*slog.Logger, *logBuffer) {
	buf := &logBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

// Mock ConfigStore
type mapConfig struct {
	mu     sync.Mutex
	values map[string]interface{}
}

func newMapConfig(values map[string]interface{}) *mapConfig {
	if values == nil {
		values = make(map[string]interface{})
	}
	return &mapConfig{values: values}
}

func (m *mapConfig) Get(keyPath string, def interface{}) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.values[keyPath]; ok {
		return v
	}
	return def
}

func (m *mapConfig) Apply(partial map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range partial {
		m.values[k] = v
	}
	return nil
}

// Mock RemotePlatform
type mockPlatform struct {
	mu          sync.Mutex
	online      bool
	calls       int
	connects    int
	statuses    []domain.TelemetryItem
	batches     map[domain.TelemetryKind][][]domain.TelemetryItem
	configDelta map[string]interface{}
	manifest    *domain.OTAManifest
	onBatch     func() // runs while a batch call is in flight
}

func newMockPlatform(online bool) *mockPlatform {
	return &mockPlatform{
		online:  online,
		batches: make(map[domain.TelemetryKind][][]domain.TelemetryItem),
	}
}

func (m *mockPlatform) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

func (m *mockPlatform) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockPlatform) call() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if !m.online {
		return errOffline
	}
	return nil
}

func (m *mockPlatform) Connect(ctx context.Context, hello domain.DeviceHello) error {
	if err := m.call(); err != nil {
		return err
	}
	m.mu.Lock()
	m.connects++
	m.mu.Unlock()
	return nil
}

func (m *mockPlatform) Heartbeat(ctx context.Context, deviceID string) error {
	return m.call()
}

func (m *mockPlatform) PushStatus(ctx context.Context, deviceID string, item domain.TelemetryItem) error {
	if err := m.call(); err != nil {
		return err
	}
	m.mu.Lock()
	m.statuses = append(m.statuses, item)
	m.mu.Unlock()
	return nil
}

func (m *mockPlatform) PushBatch(ctx context.Context, deviceID string, kind domain.TelemetryKind, items []domain.TelemetryItem) error {
	if err := m.call(); err != nil {
		return err
	}
	if m.onBatch != nil {
		m.onBatch()
	}
	m.mu.Lock()
	m.batches[kind] = append(m.batches[kind], append([]domain.TelemetryItem(nil), items...))
	m.mu.Unlock()
	return nil
}

func (m *mockPlatform) PullConfig(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	if err := m.call(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configDelta, nil
}

func (m *mockPlatform) PullOTAManifest(ctx context.Context, deviceID, version string) (*domain.OTAManifest, error) {
	if err := m.call(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manifest, nil
}

func (m *mockPlatform) Sent(kind domain.TelemetryKind) []domain.TelemetryItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TelemetryItem
	for _, batch := range m.batches[kind] {
		out = append(out, batch...)
	}
	return out
}

// Mock QueueStore
type mockQueueStore struct {
	mu     sync.Mutex
	queues map[domain.TelemetryKind][]domain.TelemetryItem
	saves  int
}

func newMockQueueStore() *mockQueueStore {
	return &mockQueueStore{queues: make(map[domain.TelemetryKind][]domain.TelemetryItem)}
}

func (m *mockQueueStore) SaveQueue(ctx context.Context, kind domain.TelemetryKind, items []domain.TelemetryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.queues[kind] = append([]domain.TelemetryItem(nil), items...)
	return nil
}

func (m *mockQueueStore) LoadQueue(ctx context.Context, kind domain.TelemetryKind) ([]domain.TelemetryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TelemetryItem(nil), m.queues[kind]...), nil
}

// Mock LedgerRepository
type mockLedgerRepo struct {
	mu      sync.Mutex
	records []domain.SalesRecord
	fail    bool
}

func (m *mockLedgerRepo) AppendSales(ctx context.Context, records []domain.SalesRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("database unavailable")
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *mockLedgerRepo) LoadSales(ctx context.Context, since time.Time) ([]domain.SalesRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SalesRecord
	for _, r := range m.records {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Mock ProductCatalog
type mockCatalog []domain.Product

func (m mockCatalog) Products(ctx context.Context) ([]domain.Product, error) {
	return m, nil
}

// Mock FinalizationGuard
type mockGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *mockGuard) MarkFinalized(ctx context.Context, txnID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[txnID] {
		return false, nil
	}
	m.seen[txnID] = true
	return true, nil
}

// Mock DoorOracle
type mockDoor struct {
	mu       sync.Mutex
	state    domain.DoorState
	identity domain.Identity
	err      error
}

func (m *mockDoor) Set(state domain.DoorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *mockDoor) DoorStatus(ctx context.Context) (domain.DoorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.state == "" {
		return domain.DoorClosed, nil
	}
	return m.state, nil
}

func (m *mockDoor) LastAuth(ctx context.Context) (domain.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity, nil
}

// Mock VisionOracle: diff prices removed units from a fixed price list.
type mockVision struct {
	mu        sync.Mutex
	shelf     domain.Inventory   // when set, every snapshot returns it
	snapshots []domain.Inventory // consumed in order, last one repeats
	prices    map[string]decimal.Decimal
	err       error
	panicMsg  string
}

func (m *mockVision) SnapshotInventory(ctx context.Context) (domain.Inventory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.shelf != nil {
		return m.shelf.Clone(), nil
	}
	if len(m.snapshots) == 0 {
		return domain.Inventory{}, nil
	}
	inv := m.snapshots[0]
	if len(m.snapshots) > 1 {
		m.snapshots = m.snapshots[1:]
	}
	return inv.Clone(), nil
}

func (m *mockVision) SetShelf(inv domain.Inventory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shelf = inv
}

func (m *mockVision) Diff(ctx context.Context, before, after domain.Inventory) ([]domain.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []domain.LineItem
	for id, qty := range before {
		if taken := qty - after[id]; taken > 0 {
			items = append(items, domain.LineItem{ProductID: id, Quantity: taken, UnitPrice: m.prices[id]})
		}
	}
	return items, nil
}

// Mock PaymentProvider
type mockPayment struct {
	mu       sync.Mutex
	requests []string
	amounts  []decimal.Decimal
	status   domain.PaymentStatus
	openErr  error
	pollErr  error
	polls    int
}

func (m *mockPayment) OpenRequest(ctx context.Context, txnID, identity string, amount decimal.Decimal, memo string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return "", m.openErr
	}
	ref := fmt.Sprintf("pay-%d", len(m.requests)+1)
	m.requests = append(m.requests, ref)
	m.amounts = append(m.amounts, amount)
	return ref, nil
}

func (m *mockPayment) Poll(ctx context.Context, requestRef string) (domain.PaymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	if m.pollErr != nil {
		return "", m.pollErr
	}
	if m.status == "" {
		return domain.PaymentPending, nil
	}
	return m.status, nil
}

func (m *mockPayment) SetStatus(status domain.PaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Mock Thermometer and SensorOracle
type mockThermometer struct {
	mu   sync.Mutex
	temp float64
}

func (m *mockThermometer) Set(t float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.temp = t
}

func (m *mockThermometer) Temperature(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.temp, nil
}

type mockSensors struct {
	mu      sync.Mutex
	reading port.SensorReading
}

func (m *mockSensors) Set(r port.SensorReading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reading = r
}

func (m *mockSensors) ReadSensors(ctx context.Context) (port.SensorReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reading, nil
}
