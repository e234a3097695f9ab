package platform

import (
	"time"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

type ConnectRequest struct {
	DeviceID  string    `json:"device_id"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatRequest struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

type StatusRequest struct {
	DeviceID string               `json:"device_id"`
	Item     domain.TelemetryItem `json:"item"`
}

type BatchRequest struct {
	DeviceID string                 `json:"device_id"`
	Kind     domain.TelemetryKind   `json:"kind"`
	Items    []domain.TelemetryItem `json:"items"`
}

type ConfigRequest struct {
	DeviceID string `json:"device_id"`
}

type OTARequest struct {
	DeviceID string `json:"device_id"`
	Version  string `json:"version"`
}

// Response is the envelope every call answers with.
type Response struct {
	Status   string                 `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Accepted int                    `json:"accepted,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty"`
	Manifest *domain.OTAManifest    `json:"manifest,omitempty"`
}
