package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionStatus string

const (
	TransactionInProgress     TransactionStatus = "in_progress"
	TransactionPendingPayment TransactionStatus = "pending_payment"
	TransactionCompleted      TransactionStatus = "completed"
	TransactionCancelled      TransactionStatus = "cancelled"
)

type AuthMethod string

const (
	AuthFace    AuthMethod = "face"
	AuthQR      AuthMethod = "qr"
	AuthUnknown AuthMethod = "unknown"
)

const UnknownCustomer = "unknown"

type Identity struct {
	UserID string
	Method AuthMethod
}

type DoorState string

const (
	DoorOpen   DoorState = "open"
	DoorClosed DoorState = "closed"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l LineItem) Amount() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func SumLineItems(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Amount())
	}
	return total
}

type Transaction struct {
	ID         string            `json:"id"`
	CustomerID string            `json:"customer_id"`
	AuthMethod AuthMethod        `json:"auth_method"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at,omitempty"`
	Before     Inventory         `json:"before"`
	After      Inventory         `json:"after,omitempty"`
	Items      []LineItem        `json:"items"`
	Total      decimal.Decimal   `json:"total"`
	Status     TransactionStatus `json:"status"`
	PaymentRef string            `json:"payment_ref,omitempty"`
}

// SalesRecords expands the line items into ledger entries stamped with at.
func (t *Transaction) SalesRecords(at time.Time) []SalesRecord {
	records := make([]SalesRecord, 0, len(t.Items))
	for _, item := range t.Items {
		if item.Quantity <= 0 {
			continue
		}
		records = append(records, SalesRecord{
			TransactionID: t.ID,
			ProductID:     item.ProductID,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			Timestamp:     at,
		})
	}
	return records
}
