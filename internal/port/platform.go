package port

import (
	"context"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

// RemotePlatform is the request/response surface of the fleet backend. Every
// push is idempotent by item id on the remote side.
type RemotePlatform interface {
	Connect(ctx context.Context, hello domain.DeviceHello) error
	Heartbeat(ctx context.Context, deviceID string) error
	PushStatus(ctx context.Context, deviceID string, item domain.TelemetryItem) error
	PushBatch(ctx context.Context, deviceID string, kind domain.TelemetryKind, items []domain.TelemetryItem) error
	PullConfig(ctx context.Context, deviceID string) (map[string]interface{}, error)
	PullOTAManifest(ctx context.Context, deviceID, version string) (*domain.OTAManifest, error)
}

type FirmwareUpdater interface {
	// Install fetches and stages the firmware a manifest points to, returning where it was staged
	Install(ctx context.Context, manifest domain.OTAManifest) (string, error)
}

type ConfigStore interface {
	// Get returns the value at a dotted key path, or def when absent
	Get(keyPath string, def interface{}) interface{}

	// Apply merges a partial update, last write wins per key path
	Apply(partial map[string]interface{}) error
}
