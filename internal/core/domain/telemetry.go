package domain

import (
	"encoding/json"
	"time"
)

type TelemetryKind string

const (
	KindStatus         TelemetryKind = "status"
	KindTransaction    TelemetryKind = "transaction"
	KindError          TelemetryKind = "error"
	KindWarning        TelemetryKind = "warning"
	KindRestockRequest TelemetryKind = "restock_request"
	KindOTAResult      TelemetryKind = "ota_result"
)

// TelemetryKinds lists every kind in flush order.
var TelemetryKinds = []TelemetryKind{
	KindStatus,
	KindTransaction,
	KindError,
	KindWarning,
	KindRestockRequest,
	KindOTAResult,
}

type TelemetryItem struct {
	ID         string          `json:"id" msgpack:"id"`
	Kind       TelemetryKind   `json:"kind" msgpack:"kind"`
	Payload    json.RawMessage `json:"payload" msgpack:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at" msgpack:"enqueued_at"`
	Attempts   int             `json:"attempts" msgpack:"attempts"`
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

type Alert struct {
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Source    string    `json:"source,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

type StatusSnapshot struct {
	DeviceID          string            `json:"device_id"`
	Timestamp         time.Time         `json:"timestamp"`
	Running           bool              `json:"running"`
	Door              DoorState         `json:"door"`
	Temperature       float64           `json:"temperature"`
	Humidity          float64           `json:"humidity"`
	Inventory         Inventory         `json:"inventory"`
	TransactionID     string            `json:"transaction_id,omitempty"`
	TransactionStatus TransactionStatus `json:"transaction_status,omitempty"`
	Errors            []Alert           `json:"errors"`
	Warnings          []Alert           `json:"warnings"`
	PlatformConnected bool              `json:"platform_connected"`
	FirmwareVersion   string            `json:"firmware_version,omitempty"`
	AvailableUpdate   string            `json:"available_update,omitempty"`
}

type OTAManifest struct {
	HasUpdate   bool   `json:"has_update"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
}

// OTAResult reports the outcome of fetching a firmware update.
type OTAResult struct {
	Version   string    `json:"version"`
	Success   bool      `json:"success"`
	Path      string    `json:"path,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceHello is exchanged during the connect handshake.
type DeviceHello struct {
	DeviceID  string    `json:"device_id"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}
