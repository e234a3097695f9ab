// Package app assembles a complete cabinet controller from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rl1809/smart-fridge/internal/adapter/device"
	"github.com/rl1809/smart-fridge/internal/adapter/firmware"
	"github.com/rl1809/smart-fridge/internal/adapter/payment"
	"github.com/rl1809/smart-fridge/internal/config"
	"github.com/rl1809/smart-fridge/internal/core/service"
	"github.com/rl1809/smart-fridge/internal/port"
)

// Backends are the optional external systems. Nil fields fall back to
// in-memory behavior, except Remote which is required.
type Backends struct {
	Remote  port.RemotePlatform
	Ledger  port.LedgerRepository
	Queue   port.QueueStore
	Guard   port.FinalizationGuard
	Catalog port.ProductCatalog
	Clock   service.Clock
	Logger  *slog.Logger
}

// Devices are the simulated cabinet peripherals.
type Devices struct {
	Lock        *device.Lock
	Shelf       *device.Shelf
	Thermometer *device.Thermometer
	Sensors     *device.Sensors
}

type Cabinet struct {
	Config      *config.Config
	Settings    *config.Store
	Devices     Devices
	Gateway     *payment.Gateway
	Ledger      *service.LedgerStore
	Predictor   *service.Predictor
	Buffer      *service.TelemetryBuffer
	Coordinator *service.Coordinator
	Loop        *service.ControlLoop

	logger  *slog.Logger
	loopErr chan error
	started bool
	once    sync.Once
}

func NewCabinet(ctx context.Context, cfg *config.Config, b Backends) (*Cabinet, error) {
	if b.Remote == nil {
		return nil, errors.New("remote platform is required")
	}
	if b.Clock == nil {
		b.Clock = service.SystemClock()
	}
	if b.Logger == nil {
		b.Logger = slog.Default()
	}

	static, initial, err := device.CatalogFromConfig(cfg.Products)
	if err != nil {
		return nil, err
	}
	catalog := b.Catalog
	if catalog == nil {
		catalog = static
	}
	products, err := catalog.Products(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	settings := config.NewStore(cfg.Document())
	if err := settings.Apply(runtimeSettings(cfg)); err != nil {
		return nil, err
	}

	devices := Devices{
		Lock:        device.NewLock(),
		Shelf:       device.NewShelf(products, initial),
		Thermometer: device.NewThermometer((cfg.Hardware.TemperatureControl.Range.Min + cfg.Hardware.TemperatureControl.Range.Max) / 2),
		Sensors:     device.NewSensors(50),
	}

	variant, err := payment.ParseVariant(cfg.Payment.Variant)
	if err != nil {
		return nil, err
	}
	gateway, err := payment.NewGateway(variant, cfg.Payment.SimulatedSettle(), b.Logger)
	if err != nil {
		return nil, err
	}

	ledger := service.NewLedgerStore(b.Ledger, cfg.Replenishment.TrendWindow, b.Logger)
	if err := ledger.Load(ctx); err != nil {
		return nil, fmt.Errorf("load sales history: %w", err)
	}

	predictor := service.NewPredictor(ledger, catalog, settings, b.Clock, b.Logger)

	buffer := service.NewTelemetryBuffer(service.BufferConfig{
		DeviceID:           cfg.Device.ID,
		Version:            cfg.Device.Version,
		Capacity:           cfg.Cloud.QueueCapacity,
		HeartbeatInterval:  cfg.Cloud.HeartbeatInterval(),
		FlushInterval:      cfg.Cloud.DataSyncInterval(),
		ConfigPollInterval: cfg.Cloud.ConfigPollInterval(),
		OTAEnabled:         cfg.Cloud.OTA.Enabled,
		OTACheckInterval:   cfg.Cloud.OTA.CheckInterval(),
		CallTimeout:        cfg.Cloud.CallTimeout(),
		BatchTimeout:       cfg.Cloud.BatchTimeout(),
		OTATimeout:         cfg.Cloud.OTA.DownloadTimeout(),
	}, b.Remote, b.Queue, settings, b.Clock, b.Logger)
	if cfg.Cloud.OTA.Enabled {
		buffer.SetUpdater(firmware.NewStager(cfg.Cloud.OTA.DownloadDir, cfg.Cloud.OTA.DownloadTimeout(), b.Logger))
	}

	ids, err := service.NewTransactionIDs(cfg.Device.NodeID)
	if err != nil {
		return nil, err
	}
	coordinator, err := service.NewCoordinator(service.CoordinatorDeps{
		Door:     devices.Lock,
		Vision:   devices.Shelf,
		Payment:  gateway,
		Ledger:   ledger,
		Reporter: buffer,
		Observer: predictor,
		Guard:    b.Guard,
		Config:   settings,
		Clock:    b.Clock,
		NewID:    ids,
		Logger:   b.Logger,
	})
	if err != nil {
		return nil, err
	}

	loop := service.NewControlLoop(service.LoopConfig{
		DeviceID:        cfg.Device.ID,
		FirmwareVersion: cfg.Device.Version,
		Tick:            cfg.Control.Tick(),
		ErrorBackoff:    cfg.Control.ErrorBackoff(),
		StatusInterval:  cfg.Control.StatusInterval(),
		RestockInterval: cfg.Replenishment.EvaluateInterval(),
	}, service.LoopDeps{
		Door:        devices.Lock,
		Vision:      devices.Shelf,
		Thermometer: devices.Thermometer,
		Sensors:     devices.Sensors,
		Coordinator: coordinator,
		Predictor:   predictor,
		Buffer:      buffer,
		Config:      settings,
		Clock:       b.Clock,
		Logger:      b.Logger,
	})

	return &Cabinet{
		Config:      cfg,
		Settings:    settings,
		Devices:     devices,
		Gateway:     gateway,
		Ledger:      ledger,
		Predictor:   predictor,
		Buffer:      buffer,
		Coordinator: coordinator,
		Loop:        loop,
		logger:      b.Logger,
		loopErr:     make(chan error, 1),
	}, nil
}

// Start restores buffered telemetry, starts the buffer loops and runs the
// control loop in the background.
func (c *Cabinet) Start(ctx context.Context) error {
	if err := c.Buffer.Restore(ctx); err != nil {
		c.logger.Warn("Some buffered telemetry could not be restored", "error", err)
	}
	if err := c.Buffer.Start(ctx); err != nil {
		return err
	}
	c.started = true
	go func() {
		c.loopErr <- c.Loop.Run(ctx)
	}()
	return nil
}

// Stop halts the control loop first so nothing reports into a stopped buffer.
func (c *Cabinet) Stop() {
	c.once.Do(func() {
		c.Loop.Stop()
		if c.started {
			if err := <-c.loopErr; err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("Control loop exited with error", "error", err)
			}
		}
		c.Buffer.Stop()
	})
}

// runtimeSettings are the validated values that may later change through
// remote config deltas. Seeding them overrides omitted keys with defaults.
func runtimeSettings(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"hardware": map[string]interface{}{
			"temperature_control": map[string]interface{}{
				"range": map[string]interface{}{
					"min": cfg.Hardware.TemperatureControl.Range.Min,
					"max": cfg.Hardware.TemperatureControl.Range.Max,
				},
			},
			"lock_control": map[string]interface{}{
				"door_open_alarm": cfg.Hardware.LockControl.DoorOpenAlarmS,
			},
		},
		"payment": map[string]interface{}{
			"pending_timeout": cfg.Payment.PendingTimeoutS,
		},
		"replenishment": map[string]interface{}{
			"algorithm":         cfg.Replenishment.Algorithm,
			"threshold":         cfg.Replenishment.Threshold,
			"max_stock":         cfg.Replenishment.MaxStock,
			"prediction_window": cfg.Replenishment.PredictionWindowH,
		},
	}
}
