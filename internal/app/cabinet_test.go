package app

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rl1809/smart-fridge/internal/config"
	"github.com/rl1809/smart-fridge/internal/core/domain"
)

const testConfig = `
device:
  device_id: fridge-test
cloud:
  transport: grpc
  address: localhost:50051
payment:
  variant: wechat
products:
  - id: A
    name: Cola
    price: "2.00"
    capacity: 10
    initial_stock: 5
  - id: B
    name: Water
    price: "1.50"
    capacity: 10
    initial_stock: 3
`

type stubRemote struct {
	mu      sync.Mutex
	batches map[domain.TelemetryKind]int
}

func (s *stubRemote) Connect(ctx context.Context, hello domain.DeviceHello) error { return nil }
func (s *stubRemote) Heartbeat(ctx context.Context, deviceID string) error       { return nil }
func (s *stubRemote) PushStatus(ctx context.Context, deviceID string, item domain.TelemetryItem) error {
	return nil
}
func (s *stubRemote) PushBatch(ctx context.Context, deviceID string, kind domain.TelemetryKind, items []domain.TelemetryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batches == nil {
		s.batches = make(map[domain.TelemetryKind]int)
	}
	s.batches[kind] += len(items)
	return nil
}
func (s *stubRemote) PullConfig(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	return nil, nil
}
func (s *stubRemote) PullOTAManifest(ctx context.Context, deviceID, version string) (*domain.OTAManifest, error) {
	return &domain.OTAManifest{Version: version}, nil
}

func newTestCabinet(t *testing.T) (*Cabinet, *stubRemote) {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	remote := &stubRemote{}
	cab, err := NewCabinet(context.Background(), cfg, Backends{Remote: remote})
	if err != nil {
		t.Fatalf("NewCabinet() error = %v", err)
	}
	return cab, remote
}

func TestCabinet_PurchaseFlow(t *testing.T) {
	cab, remote := newTestCabinet(t)
	ctx := context.Background()

	if err := cab.Loop.Tick(ctx); err != nil {
		t.Fatalf("initial Tick() error = %v", err)
	}

	cab.Devices.Lock.Unlock("u1", domain.AuthFace)
	if err := cab.Loop.Tick(ctx); err != nil {
		t.Fatalf("open Tick() error = %v", err)
	}
	txn, ok := cab.Coordinator.Current()
	if !ok || txn.CustomerID != "u1" {
		t.Fatalf("transaction after open = %+v, %v", txn, ok)
	}

	if err := cab.Devices.Shelf.Take("A", 1); err != nil {
		t.Fatalf("Take() error = %v", err)
	}
	cab.Devices.Lock.Close()
	if err := cab.Loop.Tick(ctx); err != nil {
		t.Fatalf("close Tick() error = %v", err)
	}

	txn, _ = cab.Coordinator.Current()
	if txn.Status != domain.TransactionPendingPayment {
		t.Fatalf("status = %s, want pending_payment", txn.Status)
	}
	if !txn.Total.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("total = %s, want 2.00", txn.Total)
	}
	req, ok := cab.Gateway.Request(txn.PaymentRef)
	if !ok || req.QRCodeData == "" {
		t.Fatalf("payment request = %+v", req)
	}

	if err := cab.Gateway.Complete(txn.PaymentRef); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := cab.Loop.Tick(ctx); err != nil {
		t.Fatalf("payment Tick() error = %v", err)
	}

	if _, active := cab.Coordinator.Current(); active {
		t.Error("transaction still active after payment")
	}
	if cab.Ledger.Len() != 1 {
		t.Errorf("ledger records = %d, want 1", cab.Ledger.Len())
	}
	if got := len(cab.Buffer.Pending(domain.KindTransaction)); got != 1 {
		t.Errorf("buffered transactions = %d, want 1", got)
	}

	if err := cab.Buffer.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := cab.Buffer.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	remote.mu.Lock()
	defer remote.mu.Unlock()
	if remote.batches[domain.KindTransaction] != 1 {
		t.Errorf("delivered transactions = %d, want 1", remote.batches[domain.KindTransaction])
	}
}

func TestCabinet_TemperatureAlertFromSettings(t *testing.T) {
	cab, _ := newTestCabinet(t)
	ctx := context.Background()

	cab.Devices.Thermometer.Set(9)
	_ = cab.Loop.Tick(ctx)
	if got := len(cab.Loop.Alerts().Active(domain.SeverityWarning)); got != 1 {
		t.Fatalf("warnings = %d, want 1", got)
	}

	// a remote delta widens the range and the condition clears
	if err := cab.Settings.Apply(map[string]interface{}{"hardware.temperature_control.range.max": 10}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	_ = cab.Loop.Tick(ctx)
	if got := len(cab.Loop.Alerts().Active(domain.SeverityWarning)); got != 0 {
		t.Errorf("warnings = %d, want 0", got)
	}
}

func TestCabinet_StopWithoutStart(t *testing.T) {
	cab, _ := newTestCabinet(t)
	cab.Stop()
}
