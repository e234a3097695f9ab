package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/port"
)

var ErrTickPanic = errors.New("control tick panicked")

const (
	taskStatusReport  = "status_report"
	taskRestock       = "restock_evaluation"
	taskDoorOpenAlarm = "door_open_alarm"

	msgTemperatureLow  = "temperature below range"
	msgTemperatureHigh = "temperature above range"
	msgPowerOutage     = "power outage detected"
	msgIntrusion       = "intrusion attempt detected"
	msgDoorLeftOpen    = "door left open"
)

type LoopConfig struct {
	DeviceID        string
	FirmwareVersion string
	Tick            time.Duration
	ErrorBackoff    time.Duration
	StatusInterval  time.Duration
	RestockInterval time.Duration
}

func (c *LoopConfig) withDefaults() {
	if c.Tick <= 0 {
		c.Tick = 100 * time.Millisecond
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = time.Minute
	}
	if c.RestockInterval <= 0 {
		c.RestockInterval = 5 * time.Minute
	}
}

type LoopDeps struct {
	Door        port.DoorOracle
	Vision      port.VisionOracle
	Thermometer port.Thermometer
	Sensors     port.SensorOracle // optional
	Coordinator *Coordinator
	Predictor   *Predictor
	Buffer      *TelemetryBuffer
	Config      port.ConfigStore // optional
	Clock       Clock
	Logger      *slog.Logger
}

// ControlLoop polls the cabinet on a fixed period and drives everything else.
type ControlLoop struct {
	cfg    LoopConfig
	deps   LoopDeps
	alerts *AlertRegistry
	sched  *Scheduler

	// touched only from the loop goroutine
	lastDoor domain.DoorState

	mu        sync.RWMutex
	door      domain.DoorState
	temp      float64
	humidity  float64
	inventory domain.Inventory

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewControlLoop(cfg LoopConfig, deps LoopDeps) *ControlLoop {
	cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	l := &ControlLoop{
		cfg:      cfg,
		deps:     deps,
		alerts:   NewAlertRegistry(deps.Clock),
		sched:    NewScheduler(deps.Clock),
		lastDoor: domain.DoorClosed,
		door:     domain.DoorClosed,
		stopCh:   make(chan struct{}),
	}
	l.sched.Every(taskStatusReport, cfg.StatusInterval, l.reportStatus)
	l.sched.Every(taskRestock, cfg.RestockInterval, l.evaluateRestock)
	return l
}

func (l *ControlLoop) Alerts() *AlertRegistry { return l.alerts }

func (l *ControlLoop) Scheduler() *Scheduler { return l.sched }

func (l *ControlLoop) Running() bool { return l.running.Load() }

// Run ticks until ctx is done or Stop is called. A failed tick is followed by
// the longer back-off before the next one.
func (l *ControlLoop) Run(ctx context.Context) error {
	l.running.Store(true)
	defer l.running.Store(false)
	defer l.sched.Stop()

	l.deps.Logger.Info("Control loop started", "tick", l.cfg.Tick, "device_id", l.cfg.DeviceID)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.deps.Logger.Info("Control loop stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-l.stopCh:
			l.deps.Logger.Info("Control loop stopped")
			return nil
		case <-timer.C:
		}

		wait := l.cfg.Tick
		if err := l.Tick(ctx); err != nil {
			l.deps.Logger.Error("Control tick failed", "error", err, "backoff", l.cfg.ErrorBackoff)
			wait = l.cfg.ErrorBackoff
		}
		timer.Reset(wait)
	}
}

func (l *ControlLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Tick runs one control cycle. Step failures are joined; a panic from a
// collaborator is recovered and returned as ErrTickPanic.
func (l *ControlLoop) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTickPanic, r)
		}
	}()

	var errs []error
	if err := l.checkDoor(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := l.checkTemperature(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := l.checkSensors(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := l.deps.Coordinator.PollPayment(ctx); err != nil {
		errs = append(errs, err)
	}

	if l.deps.Predictor != nil && l.deps.Predictor.Dirty() {
		l.sched.Trigger(taskRestock)
	}
	if err := l.sched.RunDue(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l *ControlLoop) checkDoor(ctx context.Context) error {
	state, err := l.deps.Door.DoorStatus(ctx)
	if err != nil {
		return fmt.Errorf("door status: %w", err)
	}

	l.mu.Lock()
	l.door = state
	l.mu.Unlock()

	if state == l.lastDoor {
		return nil
	}

	switch state {
	case domain.DoorOpen:
		err = l.deps.Coordinator.HandleDoorOpen(ctx)
		if err != nil && !errors.Is(err, ErrTransactionActive) {
			return err
		}
		l.sched.After(taskDoorOpenAlarm, l.doorAlarmDelay(), l.doorLeftOpen)
	case domain.DoorClosed:
		err = l.deps.Coordinator.HandleDoorClose(ctx)
		if err != nil && !errors.Is(err, ErrNoActiveTransaction) && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
		l.sched.Cancel(taskDoorOpenAlarm)
		l.alerts.Resolve(msgDoorLeftOpen)
	default:
		return fmt.Errorf("unknown door state %q", state)
	}

	l.lastDoor = state
	return nil
}

func (l *ControlLoop) doorAlarmDelay() time.Duration {
	return settingSeconds(l.deps.Config, keyDoorOpenAlarm, 30*time.Second)
}

func (l *ControlLoop) doorLeftOpen(ctx context.Context) error {
	l.raise(domain.SeverityWarning, "lock", msgDoorLeftOpen, fmt.Sprintf("open longer than %s", l.doorAlarmDelay()))
	return nil
}

func (l *ControlLoop) checkTemperature(ctx context.Context) error {
	if l.deps.Thermometer == nil {
		return nil
	}
	temp, err := l.deps.Thermometer.Temperature(ctx)
	if err != nil {
		return fmt.Errorf("temperature: %w", err)
	}

	l.mu.Lock()
	l.temp = temp
	l.mu.Unlock()

	lo := settingFloat(l.deps.Config, keyTemperatureMin, 2.0)
	hi := settingFloat(l.deps.Config, keyTemperatureMax, 8.0)
	detail := fmt.Sprintf("%.1f°C outside %.1f..%.1f", temp, lo, hi)

	switch {
	case temp < lo:
		l.raise(domain.SeverityWarning, "temperature", msgTemperatureLow, detail)
		l.alerts.Resolve(msgTemperatureHigh)
	case temp > hi:
		l.raise(domain.SeverityWarning, "temperature", msgTemperatureHigh, detail)
		l.alerts.Resolve(msgTemperatureLow)
	default:
		l.alerts.Resolve(msgTemperatureLow)
		l.alerts.Resolve(msgTemperatureHigh)
	}
	return nil
}

func (l *ControlLoop) checkSensors(ctx context.Context) error {
	if l.deps.Sensors == nil {
		return nil
	}
	reading, err := l.deps.Sensors.ReadSensors(ctx)
	if err != nil {
		return fmt.Errorf("sensors: %w", err)
	}

	l.mu.Lock()
	l.humidity = reading.Humidity
	l.mu.Unlock()

	if reading.PowerOutage {
		l.raise(domain.SeverityError, "power", msgPowerOutage, "")
	} else {
		l.alerts.Resolve(msgPowerOutage)
	}
	if reading.IntrusionDetected {
		l.raise(domain.SeverityError, "security", msgIntrusion, "")
	} else {
		l.alerts.Resolve(msgIntrusion)
	}
	return nil
}

// raise reports an alert unless an identical one is still unresolved.
func (l *ControlLoop) raise(severity domain.Severity, source, message, detail string) {
	alert, fresh := l.alerts.Raise(severity, source, message, detail)
	if !fresh {
		return
	}

	var err error
	if severity == domain.SeverityError {
		l.deps.Logger.Error("Alert raised", "message", message, "detail", detail)
		_, err = l.deps.Buffer.ReportError(alert)
	} else {
		l.deps.Logger.Warn("Alert raised", "message", message, "detail", detail)
		_, err = l.deps.Buffer.ReportWarning(alert)
	}
	if err != nil {
		l.deps.Logger.Error("Failed to report alert", "message", message, "error", err)
	}
}

func (l *ControlLoop) refreshInventory(ctx context.Context) (domain.Inventory, error) {
	inv, err := l.deps.Vision.SnapshotInventory(ctx)
	if err != nil {
		return nil, fmt.Errorf("inventory snapshot: %w", err)
	}
	l.mu.Lock()
	l.inventory = inv.Clone()
	l.mu.Unlock()
	return inv, nil
}

func (l *ControlLoop) reportStatus(ctx context.Context) error {
	// a stale inventory still makes a useful status report
	_, invErr := l.refreshInventory(ctx)

	if _, err := l.deps.Buffer.ReportStatus(l.Snapshot()); err != nil {
		return errors.Join(invErr, err)
	}
	return invErr
}

func (l *ControlLoop) evaluateRestock(ctx context.Context) error {
	if l.deps.Predictor == nil {
		return nil
	}
	inv, err := l.refreshInventory(ctx)
	if err != nil {
		return err
	}

	req, err := l.deps.Predictor.Evaluate(ctx, inv)
	if err != nil {
		return err
	}
	if req.Empty() {
		return nil
	}
	_, err = l.deps.Buffer.ReportRestock(req)
	return err
}

// Snapshot assembles a status report from the latest readings.
func (l *ControlLoop) Snapshot() domain.StatusSnapshot {
	l.mu.RLock()
	snap := domain.StatusSnapshot{
		DeviceID:        l.cfg.DeviceID,
		Timestamp:       l.deps.Clock.Now(),
		Running:         l.running.Load(),
		Door:            l.door,
		Temperature:     l.temp,
		Humidity:        l.humidity,
		Inventory:       l.inventory.Clone(),
		FirmwareVersion: l.cfg.FirmwareVersion,
	}
	l.mu.RUnlock()

	if txn, ok := l.deps.Coordinator.Current(); ok {
		snap.TransactionID = txn.ID
		snap.TransactionStatus = txn.Status
	}
	snap.Errors = l.alerts.Active(domain.SeverityError)
	snap.Warnings = l.alerts.Active(domain.SeverityWarning)
	snap.PlatformConnected = l.deps.Buffer.Connected()
	if m := l.deps.Buffer.Manifest(); m != nil && m.HasUpdate {
		snap.AvailableUpdate = m.Version
	}
	return snap
}
