package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/port"
)

var (
	ErrNotConnected = errors.New("remote platform not connected")
	ErrBufferClosed = errors.New("telemetry buffer stopped")
)

// ReportResult tells the caller whether an item can go out right away or
// waits in the buffer for the platform to come back.
type ReportResult string

const (
	ReportAccepted ReportResult = "accepted"
	ReportBuffered ReportResult = "buffered"
)

const DefaultQueueCapacity = 1000

type BufferConfig struct {
	DeviceID           string
	Version            string
	Capacity           int
	HeartbeatInterval  time.Duration
	FlushInterval      time.Duration
	ConfigPollInterval time.Duration
	OTAEnabled         bool
	OTACheckInterval   time.Duration
	CallTimeout        time.Duration
	BatchTimeout       time.Duration
	PersistInterval    time.Duration
	OTATimeout         time.Duration
}

func (c *BufferConfig) withDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = DefaultQueueCapacity
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 300 * time.Second
	}
	if c.ConfigPollInterval <= 0 {
		c.ConfigPollInterval = 600 * time.Second
	}
	if c.OTACheckInterval <= 0 {
		c.OTACheckInterval = time.Hour
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.PersistInterval <= 0 {
		c.PersistInterval = 5 * time.Second
	}
	if c.OTATimeout <= 0 {
		c.OTATimeout = 5 * time.Minute
	}
}

type kindQueue struct {
	mu       sync.Mutex
	items    []domain.TelemetryItem
	evicted  uint64
	burst    uint64 // evicted since the last summary
	evicting bool   // a warning was logged for the current eviction burst
	dirty    bool   // changed since last persisted
}

type BufferStats struct {
	Connected     bool                            `json:"connected"`
	Queued        map[domain.TelemetryKind]int    `json:"queued"`
	Evicted       map[domain.TelemetryKind]uint64 `json:"evicted"`
	Sent          uint64                          `json:"sent"`
	FailedFlushes uint64                          `json:"failed_flushes"`
	LastFlush     time.Time                       `json:"last_flush,omitempty"`
}

// TelemetryBuffer is the store-and-forward pipe to the remote platform.
// Report calls only touch the in-memory queues; every network call happens on
// the buffer's own goroutines.
type TelemetryBuffer struct {
	cfg    BufferConfig
	remote port.RemotePlatform
	store  port.QueueStore
	config port.ConfigStore
	clock  Clock
	logger *slog.Logger

	queues map[domain.TelemetryKind]*kindQueue

	connected     atomic.Bool
	sent          atomic.Uint64
	failedFlushes atomic.Uint64
	flushMu       sync.Mutex
	lastFlush     atomic.Int64

	manifestMu sync.RWMutex
	manifest   *domain.OTAManifest
	updater    port.FirmwareUpdater
	staged     string // version of the last successfully staged image

	kick    chan struct{}
	persist chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// NewTelemetryBuffer creates a buffer. store and config may be nil.
func NewTelemetryBuffer(cfg BufferConfig, remote port.RemotePlatform, store port.QueueStore, config port.ConfigStore, clock Clock, logger *slog.Logger) *TelemetryBuffer {
	cfg.withDefaults()
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &TelemetryBuffer{
		cfg:     cfg,
		remote:  remote,
		store:   store,
		config:  config,
		clock:   clock,
		logger:  logger,
		queues:  make(map[domain.TelemetryKind]*kindQueue, len(domain.TelemetryKinds)),
		kick:    make(chan struct{}, 1),
		persist: make(chan struct{}, 1),
	}
	for _, kind := range domain.TelemetryKinds {
		b.queues[kind] = &kindQueue{}
	}
	return b
}

// Restore loads items persisted by a previous run. Call before Start.
func (b *TelemetryBuffer) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}

	var errs []error
	for _, kind := range domain.TelemetryKinds {
		items, err := b.store.LoadQueue(ctx, kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s queue: %w", kind, err))
			continue
		}
		if len(items) == 0 {
			continue
		}

		q := b.queues[kind]
		q.mu.Lock()
		q.items = append(items, q.items...)
		b.trim(kind, q)
		q.mu.Unlock()

		b.logger.Info("Restored buffered telemetry", "kind", kind, "items", len(items))
	}
	return errors.Join(errs...)
}

func (b *TelemetryBuffer) ReportStatus(snapshot domain.StatusSnapshot) (ReportResult, error) {
	return b.Report(domain.KindStatus, snapshot)
}

func (b *TelemetryBuffer) ReportTransaction(txn *domain.Transaction) (ReportResult, error) {
	return b.Report(domain.KindTransaction, txn)
}

func (b *TelemetryBuffer) ReportError(alert domain.Alert) (ReportResult, error) {
	return b.Report(domain.KindError, alert)
}

func (b *TelemetryBuffer) ReportWarning(alert domain.Alert) (ReportResult, error) {
	return b.Report(domain.KindWarning, alert)
}

func (b *TelemetryBuffer) ReportRestock(req domain.RestockRequest) (ReportResult, error) {
	return b.Report(domain.KindRestockRequest, req)
}

// Report enqueues a payload of the given kind. The only error is a payload
// that cannot be encoded.
func (b *TelemetryBuffer) Report(kind domain.TelemetryKind, payload interface{}) (ReportResult, error) {
	q, ok := b.queues[kind]
	if !ok {
		return "", fmt.Errorf("unknown telemetry kind %q", kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", kind, err)
	}

	item := domain.TelemetryItem{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    data,
		EnqueuedAt: b.clock.Now(),
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	b.trim(kind, q)
	q.dirty = true
	q.mu.Unlock()

	signal(b.persist)

	if !b.connected.Load() {
		return ReportBuffered, nil
	}
	signal(b.kick)
	return ReportAccepted, nil
}

// trim drops the oldest items above capacity. Caller holds q.mu.
func (b *TelemetryBuffer) trim(kind domain.TelemetryKind, q *kindQueue) {
	over := len(q.items) - b.cfg.Capacity
	if over <= 0 {
		return
	}

	q.items = append([]domain.TelemetryItem(nil), q.items[over:]...)
	q.evicted += uint64(over)
	q.burst += uint64(over)
	q.dirty = true

	if !q.evicting {
		q.evicting = true
		b.logger.Warn("Telemetry queue full, evicting oldest items",
			"kind", kind,
			"capacity", b.cfg.Capacity,
		)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (b *TelemetryBuffer) Connected() bool {
	return b.connected.Load()
}

// Connect performs the handshake with the platform.
func (b *TelemetryBuffer) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	hello := domain.DeviceHello{DeviceID: b.cfg.DeviceID, Version: b.cfg.Version, Timestamp: b.clock.Now()}
	if err := b.remote.Connect(ctx, hello); err != nil {
		b.connected.Store(false)
		return fmt.Errorf("connect to platform: %w", err)
	}

	if !b.connected.Swap(true) {
		b.logger.Info("Connected to platform", "device_id", b.cfg.DeviceID)
		signal(b.kick)
	}
	return nil
}

// Heartbeat re-asserts liveness. Failure marks the buffer disconnected and
// keeps every queued item.
func (b *TelemetryBuffer) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	if err := b.remote.Heartbeat(ctx, b.cfg.DeviceID); err != nil {
		if b.connected.Swap(false) {
			b.logger.Warn("Platform heartbeat failed, buffering telemetry", "error", err)
		}
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Flush drains the queues once. Status sends only the newest item; the other
// kinds send their whole queue in one batch and drop only what was sent.
func (b *TelemetryBuffer) Flush(ctx context.Context) error {
	if !b.connected.Load() {
		return ErrNotConnected
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	var errs []error
	if err := b.flushStatus(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, kind := range domain.TelemetryKinds {
		if kind == domain.KindStatus {
			continue
		}
		if err := b.flushKind(ctx, kind); err != nil {
			errs = append(errs, err)
		}
	}

	b.lastFlush.Store(b.clock.Now().UnixNano())
	signal(b.persist)

	if err := errors.Join(errs...); err != nil {
		b.failedFlushes.Add(1)
		b.logger.Warn("Telemetry flush incomplete", "error", err)
		return err
	}
	return nil
}

func (b *TelemetryBuffer) flushStatus(ctx context.Context) error {
	q := b.queues[domain.KindStatus]

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	latest := q.items[len(q.items)-1]
	q.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	if err := b.remote.PushStatus(callCtx, b.cfg.DeviceID, latest); err != nil {
		b.markAttempt(q, map[string]struct{}{latest.ID: {}})
		return fmt.Errorf("push status: %w", err)
	}

	// everything up to the sent item is superseded
	q.mu.Lock()
	for i, item := range q.items {
		if item.ID == latest.ID {
			q.items = append([]domain.TelemetryItem(nil), q.items[i+1:]...)
			break
		}
	}
	b.settle(q)
	q.mu.Unlock()

	b.sent.Add(1)
	return nil
}

func (b *TelemetryBuffer) flushKind(ctx context.Context, kind domain.TelemetryKind) error {
	q := b.queues[kind]

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	batch := append([]domain.TelemetryItem(nil), q.items...)
	q.mu.Unlock()

	ids := make(map[string]struct{}, len(batch))
	for _, item := range batch {
		ids[item.ID] = struct{}{}
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.BatchTimeout)
	defer cancel()

	if err := b.remote.PushBatch(callCtx, b.cfg.DeviceID, kind, batch); err != nil {
		b.markAttempt(q, ids)
		return fmt.Errorf("push %s batch: %w", kind, err)
	}

	q.mu.Lock()
	kept := q.items[:0:0]
	for _, item := range q.items {
		if _, sent := ids[item.ID]; !sent {
			kept = append(kept, item)
		}
	}
	q.items = kept
	b.settle(q)
	q.mu.Unlock()

	b.sent.Add(uint64(len(batch)))
	b.logger.Debug("Telemetry batch delivered", "kind", kind, "items", len(batch))
	return nil
}

func (b *TelemetryBuffer) markAttempt(q *kindQueue, ids map[string]struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if _, ok := ids[q.items[i].ID]; ok {
			q.items[i].Attempts++
		}
	}
	q.dirty = true
}

// settle runs after a successful send. Caller holds q.mu.
func (b *TelemetryBuffer) settle(q *kindQueue) {
	q.dirty = true
	if len(q.items) < b.cfg.Capacity {
		q.evicting = false
	}
}

// logEvictions summarises what each queue dropped since the previous call.
// A queue with room again starts a new burst.
func (b *TelemetryBuffer) logEvictions() {
	for _, kind := range domain.TelemetryKinds {
		q := b.queues[kind]
		q.mu.Lock()
		burst, retained := q.burst, len(q.items)
		q.burst = 0
		if retained < b.cfg.Capacity {
			q.evicting = false
		}
		q.mu.Unlock()

		if burst > 0 {
			b.logger.Warn("Telemetry items evicted",
				"kind", kind,
				"evicted", burst,
				"retained", retained,
			)
		}
	}
}

// SyncConfig pulls a configuration delta and applies it.
func (b *TelemetryBuffer) SyncConfig(ctx context.Context) error {
	if !b.connected.Load() {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	delta, err := b.remote.PullConfig(ctx, b.cfg.DeviceID)
	if err != nil {
		return fmt.Errorf("pull config: %w", err)
	}
	if len(delta) == 0 || b.config == nil {
		return nil
	}
	if err := b.config.Apply(delta); err != nil {
		return fmt.Errorf("apply config delta: %w", err)
	}

	b.logger.Info("Applied remote configuration", "keys", len(delta))
	return nil
}

// CheckOTA asks the platform for a firmware manifest newer than our version.
func (b *TelemetryBuffer) CheckOTA(ctx context.Context) (*domain.OTAManifest, error) {
	if !b.connected.Load() {
		return nil, ErrNotConnected
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.BatchTimeout)
	defer cancel()

	manifest, err := b.remote.PullOTAManifest(callCtx, b.cfg.DeviceID, b.cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("pull ota manifest: %w", err)
	}
	if manifest == nil {
		return nil, nil
	}

	b.manifestMu.Lock()
	b.manifest = manifest
	b.manifestMu.Unlock()

	if manifest.HasUpdate {
		b.logger.Info("Firmware update available", "version", manifest.Version, "url", manifest.DownloadURL)
		b.installUpdate(ctx, *manifest)
	}
	return manifest, nil
}

// SetUpdater enables fetching the firmware an OTA manifest announces. Call it
// before Start.
func (b *TelemetryBuffer) SetUpdater(u port.FirmwareUpdater) {
	b.manifestMu.Lock()
	b.updater = u
	b.manifestMu.Unlock()
}

// installUpdate stages a new image once per version and reports the outcome
// as an ota_result item. A failed attempt is retried on the next check.
func (b *TelemetryBuffer) installUpdate(ctx context.Context, manifest domain.OTAManifest) {
	b.manifestMu.RLock()
	updater, staged := b.updater, b.staged
	b.manifestMu.RUnlock()
	if updater == nil || staged == manifest.Version {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.OTATimeout)
	defer cancel()

	result := domain.OTAResult{Version: manifest.Version, Checksum: manifest.Checksum}
	path, err := updater.Install(ctx, manifest)
	result.Timestamp = b.clock.Now()
	if err != nil {
		result.Error = err.Error()
		b.logger.Error("Firmware update failed", "version", manifest.Version, "error", err)
	} else {
		result.Success = true
		result.Path = path
		b.manifestMu.Lock()
		b.staged = manifest.Version
		b.manifestMu.Unlock()
	}

	if _, err := b.Report(domain.KindOTAResult, result); err != nil {
		b.logger.Error("Failed to report firmware update result", "version", manifest.Version, "error", err)
	}
}

// StagedVersion is the firmware version waiting to be applied, if any.
func (b *TelemetryBuffer) StagedVersion() string {
	b.manifestMu.RLock()
	defer b.manifestMu.RUnlock()
	return b.staged
}

func (b *TelemetryBuffer) Manifest() *domain.OTAManifest {
	b.manifestMu.RLock()
	defer b.manifestMu.RUnlock()
	return b.manifest
}

// Pending returns a copy of the items queued for kind.
func (b *TelemetryBuffer) Pending(kind domain.TelemetryKind) []domain.TelemetryItem {
	q, ok := b.queues[kind]
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.TelemetryItem(nil), q.items...)
}

func (b *TelemetryBuffer) Stats() BufferStats {
	stats := BufferStats{
		Connected:     b.connected.Load(),
		Queued:        make(map[domain.TelemetryKind]int, len(b.queues)),
		Evicted:       make(map[domain.TelemetryKind]uint64, len(b.queues)),
		Sent:          b.sent.Load(),
		FailedFlushes: b.failedFlushes.Load(),
	}
	if ns := b.lastFlush.Load(); ns > 0 {
		stats.LastFlush = time.Unix(0, ns)
	}
	for kind, q := range b.queues {
		q.mu.Lock()
		stats.Queued[kind] = len(q.items)
		stats.Evicted[kind] = q.evicted
		q.mu.Unlock()
	}
	return stats
}

// Persist writes every changed queue to the queue store.
func (b *TelemetryBuffer) Persist(ctx context.Context) error {
	if b.store == nil {
		return nil
	}

	var errs []error
	for _, kind := range domain.TelemetryKinds {
		q := b.queues[kind]
		q.mu.Lock()
		if !q.dirty {
			q.mu.Unlock()
			continue
		}
		items := append([]domain.TelemetryItem(nil), q.items...)
		q.dirty = false
		q.mu.Unlock()

		if err := b.store.SaveQueue(ctx, kind, items); err != nil {
			q.mu.Lock()
			q.dirty = true
			q.mu.Unlock()
			errs = append(errs, fmt.Errorf("save %s queue: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

// Start launches the liveness, flush, sync and persist loops.
func (b *TelemetryBuffer) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.stopped {
		return ErrBufferClosed
	}
	if b.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(4)
	go b.livenessLoop(ctx)
	go b.flushLoop(ctx)
	go b.syncLoop(ctx)
	go b.persistLoop(ctx)

	b.logger.Info("Telemetry buffer started",
		"heartbeat_interval", b.cfg.HeartbeatInterval,
		"flush_interval", b.cfg.FlushInterval,
		"capacity", b.cfg.Capacity,
	)
	return nil
}

// Stop cancels the loops, waits for them and persists what is left.
func (b *TelemetryBuffer) Stop() {
	b.runMu.Lock()
	if b.stopped {
		b.runMu.Unlock()
		return
	}
	b.stopped = true
	cancel := b.cancel
	b.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()

	ctx, done := context.WithTimeout(context.Background(), b.cfg.CallTimeout)
	defer done()
	if err := b.Persist(ctx); err != nil {
		b.logger.Error("Failed to persist telemetry on shutdown", "error", err)
	}
	b.logger.Info("Telemetry buffer stopped")
}

func (b *TelemetryBuffer) livenessLoop(ctx context.Context) {
	defer b.wg.Done()

	if err := b.Connect(ctx); err != nil {
		b.logger.Warn("Initial platform connect failed", "error", err)
	}

	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !b.connected.Load() {
				if err := b.Connect(ctx); err != nil {
					b.logger.Debug("Platform still unreachable", "error", err)
				}
				continue
			}
			_ = b.Heartbeat(ctx)
		}
	}
}

func (b *TelemetryBuffer) flushLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.logEvictions()
		case <-b.kick:
		}
		if !b.connected.Load() {
			continue
		}
		_ = b.Flush(ctx)
	}
}

func (b *TelemetryBuffer) syncLoop(ctx context.Context) {
	defer b.wg.Done()

	configTicker := time.NewTicker(b.cfg.ConfigPollInterval)
	defer configTicker.Stop()

	var otaC <-chan time.Time
	if b.cfg.OTAEnabled {
		otaTicker := time.NewTicker(b.cfg.OTACheckInterval)
		defer otaTicker.Stop()
		otaC = otaTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-configTicker.C:
			if err := b.SyncConfig(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
				b.logger.Warn("Config sync failed", "error", err)
			}
		case <-otaC:
			if _, err := b.CheckOTA(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
				b.logger.Warn("OTA check failed", "error", err)
			}
		}
	}
}

func (b *TelemetryBuffer) persistLoop(ctx context.Context) {
	defer b.wg.Done()
	if b.store == nil {
		return
	}

	ticker := time.NewTicker(b.cfg.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.persist:
		}
		if err := b.Persist(ctx); err != nil {
			b.logger.Warn("Failed to persist telemetry queues", "error", err)
		}
	}
}
