package config

import (
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-]+$`)

var (
	knownTransports = map[string]bool{"grpc": true, "mqtt": true}
	knownVariants   = map[string]bool{"wechat": true, "alipay": true, "unionpay": true, "generic": true}
	knownAlgorithms = map[string]bool{"simple": true, "predictive": true, "ml": true}
)

// Validate checks the configuration and fills defaults for omitted values.
func Validate(cfg *Config) error {
	if cfg.Device.ID == "" {
		return fmt.Errorf("device.device_id is required")
	}
	if !deviceIDPattern.MatchString(cfg.Device.ID) {
		return fmt.Errorf("device.device_id must match pattern [A-Za-z0-9-]+")
	}
	if cfg.Device.NodeID < 0 || cfg.Device.NodeID > 1023 {
		return fmt.Errorf("device.node_id must be within 0-1023, got %d", cfg.Device.NodeID)
	}
	if cfg.Device.Version == "" {
		cfg.Device.Version = "1.0.0"
	}

	if err := validateCloud(&cfg.Cloud); err != nil {
		return err
	}

	if cfg.Payment.Variant == "" {
		cfg.Payment.Variant = "generic"
	}
	if !knownVariants[cfg.Payment.Variant] {
		return fmt.Errorf("payment.variant: unknown variant '%s'", cfg.Payment.Variant)
	}
	if cfg.Payment.PendingTimeoutS < 0 {
		return fmt.Errorf("payment.pending_timeout must be >= 0")
	}

	if err := validateReplenishment(&cfg.Replenishment); err != nil {
		return err
	}

	tr := &cfg.Hardware.TemperatureControl.Range
	if tr.Min == 0 && tr.Max == 0 {
		tr.Min, tr.Max = 2.0, 8.0
	}
	if tr.Min >= tr.Max {
		return fmt.Errorf("hardware.temperature_control.range: min %.1f must be below max %.1f", tr.Min, tr.Max)
	}
	if cfg.Hardware.LockControl.DoorOpenAlarmS <= 0 {
		cfg.Hardware.LockControl.DoorOpenAlarmS = 30
	}

	if cfg.Control.TickMS <= 0 {
		cfg.Control.TickMS = 100
	}
	if cfg.Control.ErrorBackoffMS <= 0 {
		cfg.Control.ErrorBackoffMS = 1000
	}
	if cfg.Control.StatusIntervalS <= 0 {
		cfg.Control.StatusIntervalS = 60
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}

	return validateProducts(cfg.Products)
}

func validateCloud(c *CloudConfig) error {
	if c.Transport == "" {
		c.Transport = "grpc"
	}
	if !knownTransports[c.Transport] {
		return fmt.Errorf("cloud.transport: unknown transport '%s' (must be 'grpc' or 'mqtt')", c.Transport)
	}
	if c.Transport == "grpc" && c.Address == "" {
		c.Address = "localhost:50051"
	}
	if c.Transport == "mqtt" && c.MQTTBroker == "" {
		return fmt.Errorf("cloud.mqtt_broker is required for mqtt transport")
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "fridge"
	}
	if c.HeartbeatIntervalS <= 0 {
		c.HeartbeatIntervalS = 30
	}
	if c.ReportIntervalS <= 0 {
		c.ReportIntervalS = 60
	}
	if c.DataSyncIntervalS <= 0 {
		c.DataSyncIntervalS = 300
	}
	if c.ConfigPollIntervalS <= 0 {
		c.ConfigPollIntervalS = 10 * c.ReportIntervalS
	}
	if c.CallTimeoutS <= 0 {
		c.CallTimeoutS = 10
	}
	if c.BatchTimeoutS <= 0 {
		c.BatchTimeoutS = 30
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1000
	}
	if c.OTA.CheckIntervalS <= 0 {
		c.OTA.CheckIntervalS = 3600
	}
	if c.OTA.DownloadDir == "" {
		c.OTA.DownloadDir = "data/ota"
	}
	if c.OTA.DownloadTimeoutS <= 0 {
		c.OTA.DownloadTimeoutS = 300
	}
	return nil
}

func validateReplenishment(r *ReplenishmentConfig) error {
	if r.Algorithm == "" {
		r.Algorithm = "predictive"
	}
	if !knownAlgorithms[r.Algorithm] {
		return fmt.Errorf("replenishment.algorithm: unknown algorithm '%s'", r.Algorithm)
	}
	if r.Threshold == 0 {
		r.Threshold = 0.2
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("replenishment.threshold must be within (0,1], got %.2f", r.Threshold)
	}
	if r.PredictionWindowH <= 0 {
		r.PredictionWindowH = 24
	}
	if r.MaxStock <= 0 {
		r.MaxStock = 10
	}
	if r.EvaluateIntervalS <= 0 {
		r.EvaluateIntervalS = 300
	}
	if r.TrendWindow <= 0 {
		r.TrendWindow = 100
	}
	return nil
}

func validateProducts(products []ProductConfig) error {
	seen := make(map[string]bool, len(products))
	for i, p := range products {
		if p.ID == "" {
			return fmt.Errorf("products[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("products[%d]: duplicate id '%s'", i, p.ID)
		}
		seen[p.ID] = true

		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return fmt.Errorf("product '%s': invalid price '%s': %w", p.ID, p.Price, err)
		}
		if price.IsNegative() {
			return fmt.Errorf("product '%s': price must not be negative", p.ID)
		}
		if p.Capacity < 0 || p.InitialStock < 0 {
			return fmt.Errorf("product '%s': capacity and initial_stock must be >= 0", p.ID)
		}
	}
	return nil
}
