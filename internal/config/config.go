package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the typed view of the cabinet configuration file.
type Config struct {
	Device        DeviceConfig        `yaml:"device"`
	Cloud         CloudConfig         `yaml:"cloud"`
	Payment       PaymentConfig       `yaml:"payment"`
	Replenishment ReplenishmentConfig `yaml:"replenishment"`
	Hardware      HardwareConfig      `yaml:"hardware"`
	Control       ControlConfig       `yaml:"control"`
	Storage       StorageConfig       `yaml:"storage"`
	HTTP          HTTPConfig          `yaml:"http"`
	Products      []ProductConfig     `yaml:"products"`

	raw map[string]interface{}
}

type DeviceConfig struct {
	ID      string `yaml:"device_id"`
	NodeID  int64  `yaml:"node_id"` // snowflake node, 0-1023
	Version string `yaml:"version"`
}

type CloudConfig struct {
	Transport           string    `yaml:"transport"` // grpc, mqtt
	Address             string    `yaml:"address"`
	MQTTBroker          string    `yaml:"mqtt_broker"`
	TopicPrefix         string    `yaml:"topic_prefix"`
	HeartbeatIntervalS  int       `yaml:"heartbeat_interval"`
	ReportIntervalS     int       `yaml:"report_interval"`
	DataSyncIntervalS   int       `yaml:"data_sync_interval"`
	ConfigPollIntervalS int       `yaml:"config_poll_interval"` // default 10x report_interval
	CallTimeoutS        int       `yaml:"call_timeout"`
	BatchTimeoutS       int       `yaml:"batch_timeout"`
	QueueCapacity       int       `yaml:"queue_capacity"`
	OTA                 OTAConfig `yaml:"ota_update"`
}

type OTAConfig struct {
	Enabled          bool   `yaml:"enabled"`
	CheckIntervalS   int    `yaml:"check_interval"`
	DownloadDir      string `yaml:"download_dir"`
	DownloadTimeoutS int    `yaml:"download_timeout"`
}

type PaymentConfig struct {
	Variant          string `yaml:"variant"` // wechat, alipay, unionpay, generic
	PendingTimeoutS  int    `yaml:"pending_timeout"`
	SimulatedSettleS int    `yaml:"simulated_settle"`
}

type ReplenishmentConfig struct {
	Algorithm         string  `yaml:"algorithm"` // simple, predictive, ml
	Threshold         float64 `yaml:"threshold"`
	PredictionWindowH float64 `yaml:"prediction_window"`
	MaxStock          int     `yaml:"max_stock"`
	EvaluateIntervalS int     `yaml:"evaluate_interval"`
	TrendWindow       int     `yaml:"trend_window"`
}

type HardwareConfig struct {
	TemperatureControl TemperatureConfig `yaml:"temperature_control"`
	LockControl        LockConfig        `yaml:"lock_control"`
}

type TemperatureConfig struct {
	Range TemperatureRange `yaml:"range"`
}

type TemperatureRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type LockConfig struct {
	DoorOpenAlarmS int `yaml:"door_open_alarm"`
}

type ControlConfig struct {
	TickMS          int `yaml:"tick_ms"`
	ErrorBackoffMS  int `yaml:"error_backoff_ms"`
	StatusIntervalS int `yaml:"status_interval"`
}

type StorageConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	MySQLDSN  string `yaml:"mysql_dsn"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type ProductConfig struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Price        string `yaml:"price"`
	Capacity     int    `yaml:"capacity"`
	InitialStock int    `yaml:"initial_stock"`
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.raw = raw

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Document returns the raw YAML document, used to seed the runtime Store.
func (c *Config) Document() map[string]interface{} {
	if c.raw == nil {
		return map[string]interface{}{}
	}
	return c.raw
}

// ApplyEnv overrides connection settings from FRIDGE_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FRIDGE_DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv("FRIDGE_MYSQL_DSN"); v != "" {
		c.Storage.MySQLDSN = v
	}
	if v := os.Getenv("FRIDGE_REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("FRIDGE_PLATFORM_ADDR"); v != "" {
		c.Cloud.Address = v
	}
	if v := os.Getenv("FRIDGE_MQTT_BROKER"); v != "" {
		c.Cloud.MQTTBroker = v
	}
	if v := os.Getenv("FRIDGE_NODE_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Device.NodeID = id
		}
	}
}

func seconds(s int) time.Duration {
	return time.Duration(s) * time.Second
}

func (c CloudConfig) HeartbeatInterval() time.Duration  { return seconds(c.HeartbeatIntervalS) }
func (c CloudConfig) ReportInterval() time.Duration     { return seconds(c.ReportIntervalS) }
func (c CloudConfig) DataSyncInterval() time.Duration   { return seconds(c.DataSyncIntervalS) }
func (c CloudConfig) ConfigPollInterval() time.Duration { return seconds(c.ConfigPollIntervalS) }
func (c CloudConfig) CallTimeout() time.Duration        { return seconds(c.CallTimeoutS) }
func (c CloudConfig) BatchTimeout() time.Duration       { return seconds(c.BatchTimeoutS) }
func (c OTAConfig) CheckInterval() time.Duration        { return seconds(c.CheckIntervalS) }
func (c OTAConfig) DownloadTimeout() time.Duration      { return seconds(c.DownloadTimeoutS) }

func (c PaymentConfig) SimulatedSettle() time.Duration { return seconds(c.SimulatedSettleS) }

func (c ControlConfig) Tick() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

func (c ControlConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffMS) * time.Millisecond
}

func (c ControlConfig) StatusInterval() time.Duration { return seconds(c.StatusIntervalS) }

func (c ReplenishmentConfig) EvaluateInterval() time.Duration { return seconds(c.EvaluateIntervalS) }
