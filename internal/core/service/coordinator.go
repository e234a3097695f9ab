package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/rl1809/smart-fridge/internal/core/domain"
	"github.com/rl1809/smart-fridge/internal/port"
)

var (
	ErrTransactionActive   = errors.New("transaction already active")
	ErrNoActiveTransaction = errors.New("no active transaction")
	ErrInvalidTransition   = errors.New("invalid transaction transition")
)

// finalizedMemory bounds the ids remembered for local idempotence.
const finalizedMemory = 1024

// Reporter is the part of the telemetry buffer the coordinator reports to.
type Reporter interface {
	ReportTransaction(txn *domain.Transaction) (ReportResult, error)
	ReportWarning(alert domain.Alert) (ReportResult, error)
}

// SalesObserver is notified after a transaction is finalized.
type SalesObserver interface {
	ObserveTransaction(txn *domain.Transaction)
}

// NewTransactionIDs returns a generator of time-derived ids "T<snowflake>".
func NewTransactionIDs(node int64) (func() string, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("create snowflake node: %w", err)
	}
	return func() string {
		return "T" + n.Generate().String()
	}, nil
}

type CoordinatorDeps struct {
	Door     port.DoorOracle
	Vision   port.VisionOracle
	Payment  port.PaymentProvider
	Ledger   *LedgerStore
	Reporter Reporter
	Observer SalesObserver          // optional
	Guard    port.FinalizationGuard // optional
	Config   port.ConfigStore       // optional
	Clock    Clock
	NewID    func() string
	Logger   *slog.Logger
}

// Coordinator runs the per-interaction state machine. At most one
// transaction is active at a time.
type Coordinator struct {
	deps CoordinatorDeps

	// opMu serializes transitions, mu guards reads of the current transaction.
	opMu         sync.Mutex
	mu           sync.RWMutex
	current      *domain.Transaction
	pendingSince time.Time

	finalized      map[string]struct{}
	finalizedOrder []string
}

func NewCoordinator(deps CoordinatorDeps) (*Coordinator, error) {
	if deps.Door == nil || deps.Vision == nil || deps.Payment == nil || deps.Ledger == nil || deps.Reporter == nil {
		return nil, errors.New("coordinator requires door, vision, payment, ledger and reporter")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewID == nil {
		ids, err := NewTransactionIDs(0)
		if err != nil {
			return nil, err
		}
		deps.NewID = ids
	}
	return &Coordinator{
		deps:      deps,
		finalized: make(map[string]struct{}),
	}, nil
}

// Current returns a copy of the active transaction.
func (c *Coordinator) Current() (domain.Transaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return domain.Transaction{}, false
	}
	txn := *c.current
	txn.Items = append([]domain.LineItem(nil), c.current.Items...)
	return txn, true
}

func (c *Coordinator) setCurrent(txn *domain.Transaction) {
	c.mu.Lock()
	c.current = txn
	c.mu.Unlock()
}

// HandleDoorOpen starts a transaction. A second open while one is active is
// rejected with ErrTransactionActive.
func (c *Coordinator) HandleDoorOpen(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.current != nil {
		c.deps.Logger.Info("Door opened during active transaction, ignoring",
			"txn_id", c.current.ID,
			"status", c.current.Status,
		)
		return ErrTransactionActive
	}

	identity, err := c.deps.Door.LastAuth(ctx)
	if err != nil || identity.UserID == "" {
		if err != nil {
			c.deps.Logger.Warn("Auth lookup failed, treating customer as unknown", "error", err)
		}
		identity = domain.Identity{UserID: domain.UnknownCustomer, Method: domain.AuthUnknown}
	}

	before, err := c.deps.Vision.SnapshotInventory(ctx)
	if err != nil {
		c.deps.Logger.Error("Failed to capture inventory before transaction", "error", err)
		return fmt.Errorf("snapshot before: %w", err)
	}

	txn := &domain.Transaction{
		ID:         c.deps.NewID(),
		CustomerID: identity.UserID,
		AuthMethod: identity.Method,
		StartedAt:  c.deps.Clock.Now(),
		Before:     before,
		Status:     domain.TransactionInProgress,
	}
	c.setCurrent(txn)

	c.deps.Logger.Info("Transaction started",
		"txn_id", txn.ID,
		"customer", txn.CustomerID,
		"auth_method", txn.AuthMethod,
	)
	return nil
}

// HandleDoorClose computes what was taken and opens a payment request, or
// cancels the transaction when nothing was taken. A vision or payment failure
// leaves the transaction in progress for the next attempt.
func (c *Coordinator) HandleDoorClose(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	txn := c.current
	if txn == nil {
		c.deps.Logger.Info("Door closed with no active transaction")
		return ErrNoActiveTransaction
	}
	if txn.Status != domain.TransactionInProgress {
		c.deps.Logger.Info("Door closed while transaction not in progress", "txn_id", txn.ID, "status", txn.Status)
		return fmt.Errorf("%w: door close in %s", ErrInvalidTransition, txn.Status)
	}

	after, err := c.deps.Vision.SnapshotInventory(ctx)
	if err != nil {
		c.deps.Logger.Error("Failed to capture inventory after transaction", "txn_id", txn.ID, "error", err)
		return fmt.Errorf("snapshot after: %w", err)
	}

	delta, err := c.deps.Vision.Diff(ctx, txn.Before, after)
	if err != nil {
		c.deps.Logger.Error("Failed to compute inventory delta", "txn_id", txn.ID, "error", err)
		return fmt.Errorf("inventory diff: %w", err)
	}

	items := make([]domain.LineItem, 0, len(delta))
	units := 0
	for _, item := range delta {
		if item.Quantity <= 0 {
			continue
		}
		items = append(items, item)
		units += item.Quantity
	}
	total := domain.SumLineItems(items)
	now := c.deps.Clock.Now()

	if len(items) == 0 || total.IsZero() {
		c.mu.Lock()
		txn.After = after
		txn.Status = domain.TransactionCancelled
		txn.EndedAt = now
		c.current = nil
		c.mu.Unlock()

		c.deps.Logger.Info("Transaction cancelled, nothing taken", "txn_id", txn.ID)
		return nil
	}

	memo := fmt.Sprintf("Smart fridge purchase %s, %d item(s)", txn.ID, units)
	ref, err := c.deps.Payment.OpenRequest(ctx, txn.ID, txn.CustomerID, total, memo)
	if err != nil {
		c.deps.Logger.Error("Failed to open payment request", "txn_id", txn.ID, "error", err)
		return fmt.Errorf("open payment request: %w", err)
	}

	c.mu.Lock()
	txn.After = after
	txn.Items = items
	txn.Total = total
	txn.EndedAt = now
	txn.PaymentRef = ref
	txn.Status = domain.TransactionPendingPayment
	c.pendingSince = now
	c.mu.Unlock()

	c.deps.Logger.Info("Payment requested",
		"txn_id", txn.ID,
		"amount", total.StringFixed(2),
		"payment_ref", ref,
	)
	return nil
}

// PollPayment asks the payment provider about the pending transaction, if any.
func (c *Coordinator) PollPayment(ctx context.Context) error {
	c.opMu.Lock()
	txn := c.current
	if txn == nil || txn.Status != domain.TransactionPendingPayment {
		c.opMu.Unlock()
		return nil
	}

	timeout := settingSeconds(c.deps.Config, keyPendingTimeout, 0)
	if timeout > 0 && c.deps.Clock.Now().Sub(c.pendingSince) >= timeout {
		c.cancelLocked(txn, "payment timed out")
		c.opMu.Unlock()
		return nil
	}
	ref := txn.PaymentRef
	id := txn.ID
	c.opMu.Unlock()

	status, err := c.deps.Payment.Poll(ctx, ref)
	if err != nil {
		c.deps.Logger.Warn("Payment poll failed", "txn_id", id, "payment_ref", ref, "error", err)
		return fmt.Errorf("poll payment: %w", err)
	}
	return c.HandlePaymentStatus(ctx, id, status)
}

// HandlePaymentStatus applies a payment status to a transaction. A completed
// status for a transaction that was already finalized is a no-op.
func (c *Coordinator) HandlePaymentStatus(ctx context.Context, txnID string, status domain.PaymentStatus) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if _, done := c.finalized[txnID]; done {
		c.deps.Logger.Debug("Payment status for finalized transaction ignored", "txn_id", txnID, "status", status)
		return nil
	}

	txn := c.current
	if txn == nil || txn.ID != txnID {
		return fmt.Errorf("%w: %s", ErrNoActiveTransaction, txnID)
	}
	if txn.Status != domain.TransactionPendingPayment {
		return fmt.Errorf("%w: payment status in %s", ErrInvalidTransition, txn.Status)
	}

	switch status {
	case domain.PaymentPending:
		return nil
	case domain.PaymentFailed:
		c.cancelLocked(txn, "payment failed")
		return nil
	case domain.PaymentCompleted:
		return c.finalizeLocked(ctx, txn)
	default:
		return fmt.Errorf("unknown payment status %q", status)
	}
}

func (c *Coordinator) finalizeLocked(ctx context.Context, txn *domain.Transaction) error {
	if c.deps.Guard != nil {
		first, err := c.deps.Guard.MarkFinalized(ctx, txn.ID)
		if err != nil {
			return fmt.Errorf("finalization guard: %w", err)
		}
		if !first {
			c.deps.Logger.Warn("Transaction already finalized, dropping", "txn_id", txn.ID)
			c.rememberFinalized(txn.ID)
			c.setCurrent(nil)
			return nil
		}
	}
	c.rememberFinalized(txn.ID)

	now := c.deps.Clock.Now()
	c.mu.Lock()
	txn.Status = domain.TransactionCompleted
	c.current = nil
	c.mu.Unlock()

	if err := c.deps.Ledger.Append(ctx, txn.SalesRecords(now)...); err != nil {
		// the in-memory ledger already holds the records
		c.deps.Logger.Error("Sales records not persisted", "txn_id", txn.ID, "error", err)
	}
	if _, err := c.deps.Reporter.ReportTransaction(txn); err != nil {
		c.deps.Logger.Error("Failed to report transaction", "txn_id", txn.ID, "error", err)
	}
	if c.deps.Observer != nil {
		c.deps.Observer.ObserveTransaction(txn)
	}

	c.deps.Logger.Info("Transaction completed",
		"txn_id", txn.ID,
		"amount", txn.Total.StringFixed(2),
		"items", len(txn.Items),
	)
	return nil
}

func (c *Coordinator) cancelLocked(txn *domain.Transaction, reason string) {
	c.mu.Lock()
	txn.Status = domain.TransactionCancelled
	c.current = nil
	c.mu.Unlock()

	c.deps.Logger.Warn("Transaction cancelled", "txn_id", txn.ID, "reason", reason)

	alert := domain.Alert{
		Message:   reason,
		Severity:  domain.SeverityWarning,
		Source:    "payment",
		Detail:    fmt.Sprintf("transaction %s, amount %s", txn.ID, txn.Total.StringFixed(2)),
		Timestamp: c.deps.Clock.Now(),
	}
	if _, err := c.deps.Reporter.ReportWarning(alert); err != nil {
		c.deps.Logger.Error("Failed to report cancellation", "txn_id", txn.ID, "error", err)
	}
}

func (c *Coordinator) rememberFinalized(id string) {
	c.finalized[id] = struct{}{}
	c.finalizedOrder = append(c.finalizedOrder, id)
	if len(c.finalizedOrder) > finalizedMemory {
		oldest := c.finalizedOrder[0]
		c.finalizedOrder = c.finalizedOrder[1:]
		delete(c.finalized, oldest)
	}
}
