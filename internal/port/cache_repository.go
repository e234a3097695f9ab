package port

import (
	"context"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

type QueueStore interface {
	// SaveQueue replaces the persisted items of one telemetry kind
	SaveQueue(ctx context.Context, kind domain.TelemetryKind, items []domain.TelemetryItem) error

	// LoadQueue returns the persisted items of one telemetry kind, oldest first
	LoadQueue(ctx context.Context, kind domain.TelemetryKind) ([]domain.TelemetryItem, error)
}

type FinalizationGuard interface {
	// MarkFinalized records a transaction id, returns false if it was already recorded
	MarkFinalized(ctx context.Context, txnID string) (bool, error)
}
