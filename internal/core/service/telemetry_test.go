package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/port"
)

func newTestBuffer(platform *mockPlatform, store port.QueueStore, capacity int) (*TelemetryBuffer, *logBuffer) {
	logger, logs := newTestLogger()
	cfg := BufferConfig{DeviceID: "fridge-001", Version: "1.0.0", Capacity: capacity}
	return NewTelemetryBuffer(cfg, platform, store, newMapConfig(nil), newFakeClock(baseTime), logger), logs
}

func alertMessage(t *testing.T, item domain.TelemetryItem) string {
	t.Helper()
	var a domain.Alert
	if err := json.Unmarshal(item.Payload, &a); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return a.Message
}

func TestReport_BufferedWhileDisconnected(t *testing.T) {
	platform := newMockPlatform(false)
	buffer, _ := newTestBuffer(platform, nil, 0)

	for i := 0; i < 50; i++ {
		res, err := buffer.ReportError(domain.Alert{Message: fmt.Sprintf("e%d", i)})
		if err != nil {
			t.Fatalf("ReportError() error = %v", err)
		}
		if res != ReportBuffered {
			t.Fatalf("ReportError() = %s, want buffered", res)
		}
	}

	if got := len(buffer.Pending(domain.KindError)); got != 50 {
		t.Errorf("queued = %d, want 50", got)
	}
	if platform.Calls() != 0 {
		t.Errorf("platform calls = %d, want 0 while disconnected", platform.Calls())
	}
	if err := buffer.Flush(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Flush() error = %v, want ErrNotConnected", err)
	}
}

func TestReport_EvictsOldestFirst(t *testing.T) {
	buffer, logs := newTestBuffer(newMockPlatform(false), nil, 1000)

	for i := 0; i < 1200; i++ {
		_, _ = buffer.ReportWarning(domain.Alert{Message: fmt.Sprintf("w%d", i)})
	}

	pending := buffer.Pending(domain.KindWarning)
	if len(pending) != 1000 {
		t.Fatalf("retained = %d, want 1000", len(pending))
	}
	if got := alertMessage(t, pending[0]); got != "w200" {
		t.Errorf("oldest retained = %s, want w200", got)
	}
	if got := alertMessage(t, pending[999]); got != "w1199" {
		t.Errorf("newest retained = %s, want w1199", got)
	}
	if n := logs.Count("Telemetry queue full"); n != 1 {
		t.Errorf("eviction warnings logged = %d, want 1", n)
	}
	if evicted := buffer.Stats().Evicted[domain.KindWarning]; evicted != 200 {
		t.Errorf("evicted = %d, want 200", evicted)
	}
}

func TestReport_EvictionWarningPerBurst(t *testing.T) {
	platform := newMockPlatform(true)
	buffer, logs := newTestBuffer(platform, nil, 10)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		_, _ = buffer.ReportWarning(domain.Alert{Message: fmt.Sprintf("a%d", i)})
	}
	if n := logs.Count("Telemetry queue full"); n != 1 {
		t.Fatalf("eviction warnings logged = %d, want 1", n)
	}

	// the queue never drains fully, but it has room after the flush
	_ = buffer.Connect(ctx)
	platform.onBatch = func() {
		for i := 0; i < 4; i++ {
			_, _ = buffer.ReportWarning(domain.Alert{Message: fmt.Sprintf("b%d", i)})
		}
	}
	if err := buffer.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	platform.onBatch = nil
	if got := len(buffer.Pending(domain.KindWarning)); got != 4 {
		t.Fatalf("pending = %d, want 4", got)
	}

	for i := 0; i < 10; i++ {
		_, _ = buffer.ReportWarning(domain.Alert{Message: fmt.Sprintf("c%d", i)})
	}
	if n := logs.Count("Telemetry queue full"); n != 2 {
		t.Errorf("eviction warnings logged = %d, want 2 after a second burst", n)
	}
}

func TestLogEvictions_SummarisesEachCycle(t *testing.T) {
	buffer, logs := newTestBuffer(newMockPlatform(false), nil, 10)

	for i := 0; i < 13; i++ {
		_, _ = buffer.ReportError(domain.Alert{Message: fmt.Sprintf("e%d", i)})
	}
	buffer.logEvictions()
	if n := logs.Count("evicted=3"); n != 1 {
		t.Errorf("summaries with evicted=3 = %d, want 1", n)
	}

	// still full and offline: every cycle reports what it lost
	for i := 0; i < 2; i++ {
		_, _ = buffer.ReportError(domain.Alert{Message: fmt.Sprintf("f%d", i)})
	}
	buffer.logEvictions()
	buffer.logEvictions()
	if n := logs.Count("Telemetry items evicted"); n != 2 {
		t.Errorf("eviction summaries = %d, want 2", n)
	}
	if n := logs.Count("evicted=2"); n != 1 {
		t.Errorf("summaries with evicted=2 = %d, want 1", n)
	}
}

func TestFlush_DeliversRetainedItemsOnce(t *testing.T) {
	platform := newMockPlatform(false)
	buffer, _ := newTestBuffer(platform, nil, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = buffer.ReportError(domain.Alert{Message: fmt.Sprintf("e%d", i)})
	}

	platform.SetOnline(true)
	if err := buffer.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := buffer.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := buffer.Flush(ctx); err != nil {
		t.Fatalf("second Flush() error = %v", err)
	}

	sent := platform.Sent(domain.KindError)
	if len(sent) != 5 {
		t.Fatalf("sent = %d, want 5", len(sent))
	}
	seen := map[string]bool{}
	for _, item := range sent {
		if seen[item.ID] {
			t.Errorf("item %s sent twice", item.ID)
		}
		seen[item.ID] = true
	}
	if len(buffer.Pending(domain.KindError)) != 0 {
		t.Errorf("error queue should be empty after ack")
	}
	if buffer.Stats().Sent != 5 {
		t.Errorf("sent counter = %d, want 5", buffer.Stats().Sent)
	}
}

func TestFlush_StatusLatestWins(t *testing.T) {
	platform := newMockPlatform(true)
	buffer, _ := newTestBuffer(platform, nil, 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = buffer.ReportStatus(domain.StatusSnapshot{DeviceID: "fridge-001", Temperature: float64(i)})
	}
	_ = buffer.Connect(ctx)
	if err := buffer.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	if len(platform.statuses) != 1 {
		t.Fatalf("statuses pushed = %d, want 1", len(platform.statuses))
	}
	var snap domain.StatusSnapshot
	_ = json.Unmarshal(platform.statuses[0].Payload, &snap)
	if snap.Temperature != 2 {
		t.Errorf("pushed status temperature = %v, want the latest (2)", snap.Temperature)
	}
	if len(buffer.Pending(domain.KindStatus)) != 0 {
		t.Errorf("superseded statuses should be cleared")
	}
}

func TestFlush_FailureLeavesQueueUntouched(t *testing.T) {
	platform := newMockPlatform(true)
	buffer, _ := newTestBuffer(platform, nil, 0)
	ctx := context.Background()

	_ = buffer.Connect(ctx)
	_, _ = buffer.ReportTransaction(&domain.Transaction{ID: "T1"})
	platform.SetOnline(false)

	if err := buffer.Flush(ctx); err == nil {
		t.Fatal("expected flush error")
	}

	pending := buffer.Pending(domain.KindTransaction)
	if len(pending) != 1 {
		t.Fatalf("queued = %d, want 1", len(pending))
	}
	if pending[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", pending[0].Attempts)
	}
	if buffer.Stats().FailedFlushes != 1 {
		t.Errorf("failed flushes = %d, want 1", buffer.Stats().FailedFlushes)
	}
}

func TestFlush_ItemsEnqueuedDuringSendSurvive(t *testing.T) {
	platform := newMockPlatform(true)
	buffer, _ := newTestBuffer(platform, nil, 0)
	ctx := context.Background()
	_ = buffer.Connect(ctx)

	_, _ = buffer.ReportWarning(domain.Alert{Message: "before"})
	platform.onBatch = func() {
		_, _ = buffer.ReportWarning(domain.Alert{Message: "during"})
	}

	if err := buffer.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	pending := buffer.Pending(domain.KindWarning)
	if len(pending) != 1 || alertMessage(t, pending[0]) != "during" {
		t.Fatalf("pending = %+v, want only the item enqueued during the send", pending)
	}
}

func TestHeartbeatFailureDisconnects(t *testing.T) {
	platform := newMockPlatform(true)
	buffer, _ := newTestBuffer(platform, nil, 0)
	ctx := context.Background()

	_ = buffer.Connect(ctx)
	_, _ = buffer.ReportError(domain.Alert{Message: "kept"})
	platform.SetOnline(false)

	if err := buffer.Heartbeat(ctx); err == nil {
		t.Fatal("expected heartbeat error")
	}
	if buffer.Connected() {
		t.Errorf("heartbeat failure should mark the buffer disconnected")
	}
	if len(buffer.Pending(domain.KindError)) != 1 {
		t.Errorf("buffered data must survive a heartbeat failure")
	}

	res, _ := buffer.ReportError(domain.Alert{Message: "later"})
	if res != ReportBuffered {
		t.Errorf("report after disconnect = %s, want buffered", res)
	}
}

func TestSyncConfigAppliesDelta(t *testing.T) {
	platform := newMockPlatform(true)
	platform.configDelta = map[string]interface{}{keyThreshold: 0.4}
	cfg := newMapConfig(nil)
	buffer := NewTelemetryBuffer(BufferConfig{DeviceID: "fridge-001"}, platform, nil, cfg, nil, nil)
	ctx := context.Background()

	if err := buffer.SyncConfig(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SyncConfig() while disconnected = %v", err)
	}

	_ = buffer.Connect(ctx)
	if err := buffer.SyncConfig(ctx); err != nil {
		t.Fatalf("SyncConfig() error = %v", err)
	}
	if got := settingFloat(cfg, keyThreshold, 0); got != 0.4 {
		t.Errorf("threshold = %v, want 0.4", got)
	}
}

func TestCheckOTAStoresManifest(t *testing.T) {
	platform := newMockPlatform(true)
	platform.manifest = &domain.OTAManifest{HasUpdate: true, Version: "1.1.0"}
	buffer, _ := newTestBuffer(platform, nil, 0)
	ctx := context.Background()
	_ = buffer.Connect(ctx)

	m, err := buffer.CheckOTA(ctx)
	if err != nil {
		t.Fatalf("CheckOTA() error = %v", err)
	}
	if m == nil || buffer.Manifest().Version != "1.1.0" {
		t.Errorf("manifest = %+v", buffer.Manifest())
	}
}

type fakeUpdater struct {
	calls int
	err   error
}

func (u *fakeUpdater) Install(ctx context.Context, m domain.OTAManifest) (string, error) {
	u.calls++
	if u.err != nil {
		return "", u.err
	}
	return "/data/ota/ota_update_" + m.Version + ".bin", nil
}

func otaResults(t *testing.T, buffer *TelemetryBuffer) []domain.OTAResult {
	t.Helper()
	var out []domain.OTAResult
	for _, item := range buffer.Pending(domain.KindOTAResult) {
		var r domain.OTAResult
		if err := json.Unmarshal(item.Payload, &r); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestCheckOTA_StagesUpdateOnceAndReports(t *testing.T) {
	platform := newMockPlatform(true)
	platform.manifest = &domain.OTAManifest{HasUpdate: true, Version: "1.1.0", DownloadURL: "https://fw.local/1.1.0.bin"}
	buffer, _ := newTestBuffer(platform, nil, 0)
	updater := &fakeUpdater{err: errors.New("connection reset")}
	buffer.SetUpdater(updater)
	ctx := context.Background()
	_ = buffer.Connect(ctx)

	if _, err := buffer.CheckOTA(ctx); err != nil {
		t.Fatalf("CheckOTA() error = %v", err)
	}
	updater.err = nil
	_, _ = buffer.CheckOTA(ctx)
	_, _ = buffer.CheckOTA(ctx)

	if updater.calls != 2 {
		t.Errorf("install attempts = %d, want 2 (one retry, then staged)", updater.calls)
	}
	if buffer.StagedVersion() != "1.1.0" {
		t.Errorf("StagedVersion() = %q", buffer.StagedVersion())
	}

	results := otaResults(t, buffer)
	if len(results) != 2 {
		t.Fatalf("ota results = %+v, want 2", results)
	}
	if results[0].Success || results[0].Error != "connection reset" {
		t.Errorf("first result = %+v", results[0])
	}
	if !results[1].Success || results[1].Path != "/data/ota/ota_update_1.1.0.bin" {
		t.Errorf("second result = %+v", results[1])
	}
}

func TestCheckOTA_NoUpdateSkipsInstall(t *testing.T) {
	platform := newMockPlatform(true)
	platform.manifest = &domain.OTAManifest{HasUpdate: false, Version: "1.0.0"}
	buffer, _ := newTestBuffer(platform, nil, 0)
	updater := &fakeUpdater{}
	buffer.SetUpdater(updater)
	ctx := context.Background()
	_ = buffer.Connect(ctx)

	_, _ = buffer.CheckOTA(ctx)
	if updater.calls != 0 || len(buffer.Pending(domain.KindOTAResult)) != 0 {
		t.Errorf("calls = %d, results = %d", updater.calls, len(buffer.Pending(domain.KindOTAResult)))
	}
}

func TestPersistAndRestore(t *testing.T) {
	store := newMockQueueStore()
	first, _ := newTestBuffer(newMockPlatform(false), store, 0)
	ctx := context.Background()

	_, _ = first.ReportTransaction(&domain.Transaction{ID: "T1"})
	_, _ = first.ReportWarning(domain.Alert{Message: "w"})
	if err := first.Persist(ctx); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	second, _ := newTestBuffer(newMockPlatform(false), store, 0)
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if got := second.Pending(domain.KindTransaction); len(got) != 1 || got[0].ID != first.Pending(domain.KindTransaction)[0].ID {
		t.Errorf("restored transactions = %+v", got)
	}
	if len(second.Pending(domain.KindWarning)) != 1 {
		t.Errorf("restored warnings missing")
	}
}

func TestStartDeliversInBackground(t *testing.T) {
	platform := newMockPlatform(true)
	cfg := BufferConfig{
		DeviceID:          "fridge-001",
		HeartbeatInterval: 10 * time.Millisecond,
		FlushInterval:     20 * time.Millisecond,
	}
	buffer := NewTelemetryBuffer(cfg, platform, newMockQueueStore(), nil, nil, nil)

	if err := buffer.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer buffer.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for !buffer.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !buffer.Connected() {
		t.Fatal("buffer never connected")
	}

	_, _ = buffer.ReportError(domain.Alert{Message: "boom"})
	for len(platform.Sent(domain.KindError)) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(platform.Sent(domain.KindError)) != 1 {
		t.Fatalf("error item not delivered by the background flush")
	}
}
