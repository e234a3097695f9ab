package port

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

type DoorOracle interface {
	// DoorStatus reports whether the cabinet door is open or closed
	DoorStatus(ctx context.Context) (domain.DoorState, error)

	// LastAuth returns the identity that most recently unlocked the door
	LastAuth(ctx context.Context) (domain.Identity, error)
}

type VisionOracle interface {
	// SnapshotInventory counts the products currently visible on the shelves
	SnapshotInventory(ctx context.Context) (domain.Inventory, error)

	// Diff returns the products removed between two snapshots, priced
	Diff(ctx context.Context, before, after domain.Inventory) ([]domain.LineItem, error)
}

type PaymentProvider interface {
	// OpenRequest asks the customer to pay amount and returns the request reference
	OpenRequest(ctx context.Context, txnID, identity string, amount decimal.Decimal, memo string) (string, error)

	// Poll returns the current state of a payment request
	Poll(ctx context.Context, requestRef string) (domain.PaymentStatus, error)
}

type Thermometer interface {
	// Temperature returns the cabinet temperature in degrees Celsius
	Temperature(ctx context.Context) (float64, error)
}

type SensorReading struct {
	Humidity          float64
	PowerOutage       bool
	IntrusionDetected bool
}

type SensorOracle interface {
	// ReadSensors samples the auxiliary sensors
	ReadSensors(ctx context.Context) (SensorReading, error)
}
