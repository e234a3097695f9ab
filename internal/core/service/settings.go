package service

import (
	"strconv"
	"time"

	"github.com/rl1809/smart-fridge/internal/port"
)

// Runtime-tunable keys, read through the config store on every use so a
// delta pulled from the platform takes effect on the next evaluation.
const (
	keyTemperatureMin   = "hardware.temperature_control.range.min"
	keyTemperatureMax   = "hardware.temperature_control.range.max"
	keyDoorOpenAlarm    = "hardware.lock_control.door_open_alarm"
	keyPendingTimeout   = "payment.pending_timeout"
	keyAlgorithm        = "replenishment.algorithm"
	keyThreshold        = "replenishment.threshold"
	keyMaxStock         = "replenishment.max_stock"
	keyPredictionWindow = "replenishment.prediction_window"
)

func settingFloat(store port.ConfigStore, key string, def float64) float64 {
	if store == nil {
		return def
	}
	switch v := store.Get(key, def).(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func settingInt(store port.ConfigStore, key string, def int) int {
	return int(settingFloat(store, key, float64(def)))
}

func settingString(store port.ConfigStore, key, def string) string {
	if store == nil {
		return def
	}
	if v, ok := store.Get(key, def).(string); ok && v != "" {
		return v
	}
	return def
}

// settingSeconds reads a number of seconds, or a duration string such as "5m".
func settingSeconds(store port.ConfigStore, key string, def time.Duration) time.Duration {
	if store == nil {
		return def
	}
	if s, ok := store.Get(key, nil).(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	secs := settingFloat(store, key, def.Seconds())
	return time.Duration(secs * float64(time.Second))
}
