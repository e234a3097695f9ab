package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/smart-fridge/internal/core/domain"
)

var (
	ErrUnknownVariant = errors.New("unknown payment variant")
	ErrUnknownRequest = errors.New("unknown payment request")
	ErrInvalidAmount  = errors.New("payment amount must be positive")
	ErrAlreadySettled = errors.New("payment request already settled")
)

type Variant string

const (
	VariantWeChat   Variant = "wechat"
	VariantAlipay   Variant = "alipay"
	VariantUnionPay Variant = "unionpay"
	VariantGeneric  Variant = "generic"
)

const (
	// QRCodeTTL is how long a payment code stays scannable.
	QRCodeTTL = 5 * time.Minute

	// SettledRetention is how long a settled request can still be polled
	// before it is dropped.
	SettledRetention = 10 * time.Minute
)

type variantFormat struct {
	prefix  string
	memoMax int
	url     func(ref string) string
	data    func(ref string, amount decimal.Decimal) string
}

var variants = map[Variant]variantFormat{
	VariantWeChat: {
		prefix:  "wx",
		memoMax: 128,
		url:     func(ref string) string { return "https://wx.tenpay.com/cgi-bin/mmpayweb-bin/checkmweb?prepay_id=" + ref },
		data:    func(ref string, _ decimal.Decimal) string { return "weixin://wxpay/bizpayurl?pr=" + ref },
	},
	VariantAlipay: {
		prefix:  "ali",
		memoMax: 256,
		url:     func(ref string) string { return "https://qr.alipay.com/" + ref },
		data: func(ref string, _ decimal.Decimal) string {
			return "alipay://platformapi/startapp?saId=10000007&qrcode=" + ref
		},
	},
	VariantUnionPay: {
		prefix:  "up",
		memoMax: 64,
		url:     func(ref string) string { return "https://qr.95516.com/" + ref },
		data: func(ref string, amount decimal.Decimal) string {
			return fmt.Sprintf("unionpay://pay?tradeNo=%s&amount=%s", ref, amount.StringFixed(2))
		},
	},
	VariantGeneric: {
		prefix:  "pay",
		memoMax: 256,
		url:     func(ref string) string { return "https://pay.local/" + ref },
		data:    func(ref string, _ decimal.Decimal) string { return "pay:" + ref },
	},
}

func ParseVariant(s string) (Variant, error) {
	v := Variant(s)
	if _, ok := variants[v]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, s)
	}
	return v, nil
}

// Request is one customer payment as the gateway sees it.
type Request struct {
	Ref        string               `json:"ref"`
	TxnID      string               `json:"txn_id"`
	Identity   string               `json:"identity"`
	Amount     decimal.Decimal      `json:"amount"`
	Memo       string               `json:"memo"`
	QRCodeURL  string               `json:"qr_code_url"`
	QRCodeData string               `json:"qr_code_data"`
	Status     domain.PaymentStatus `json:"status"`
	OpenedAt   time.Time            `json:"opened_at"`
	ExpiresAt  time.Time            `json:"expires_at"`
	SettledAt  time.Time            `json:"settled_at,omitempty"`
}

// Gateway is a simulated payment provider. Requests settle on their own
// after settleAfter (0 disables that), or when Complete or Fail is called.
// Unpaid requests fail once their QR code expires. Settled requests are
// dropped SettledRetention after settling.
type Gateway struct {
	variant     Variant
	format      variantFormat
	settleAfter time.Duration
	now         func() time.Time
	logger      *slog.Logger

	mu       sync.Mutex
	seq      uint64
	requests map[string]*Request
}

func NewGateway(variant Variant, settleAfter time.Duration, logger *slog.Logger) (*Gateway, error) {
	format, ok := variants[variant]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		variant:     variant,
		format:      format,
		settleAfter: settleAfter,
		now:         time.Now,
		logger:      logger,
		requests:    make(map[string]*Request),
	}, nil
}

// SetNow replaces the gateway's time source.
func (g *Gateway) SetNow(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

func (g *Gateway) Variant() Variant { return g.variant }

func (g *Gateway) OpenRequest(ctx context.Context, txnID, identity string, amount decimal.Decimal, memo string) (string, error) {
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}
	if len(memo) > g.format.memoMax {
		memo = memo[:g.format.memoMax]
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)

	g.seq++
	ref := fmt.Sprintf("%s-%s-%d", g.format.prefix, txnID, g.seq)
	g.requests[ref] = &Request{
		Ref:        ref,
		TxnID:      txnID,
		Identity:   identity,
		Amount:     amount,
		Memo:       memo,
		QRCodeURL:  g.format.url(ref),
		QRCodeData: g.format.data(ref, amount),
		Status:     domain.PaymentPending,
		OpenedAt:   now,
		ExpiresAt:  now.Add(QRCodeTTL),
	}

	g.logger.Info("Payment request opened",
		"variant", g.variant,
		"ref", ref,
		"amount", amount.StringFixed(2),
	)
	return ref, nil
}

func (g *Gateway) Poll(ctx context.Context, ref string) (domain.PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRequest, ref)
	}

	g.resolveLocked(req, g.now())
	return req.Status, nil
}

// resolveLocked settles a pending request whose simulated payment landed or
// whose code expired. Caller holds g.mu.
func (g *Gateway) resolveLocked(req *Request, now time.Time) {
	if req.Status != domain.PaymentPending {
		return
	}
	switch {
	case g.settleAfter > 0 && now.Sub(req.OpenedAt) >= g.settleAfter:
		req.Status = domain.PaymentCompleted
		req.SettledAt = req.OpenedAt.Add(g.settleAfter)
	case !now.Before(req.ExpiresAt):
		req.Status = domain.PaymentFailed
		req.SettledAt = req.ExpiresAt
		g.logger.Info("Payment code expired", "ref", req.Ref)
	}
}

// pruneLocked drops requests settled more than SettledRetention ago. Caller
// holds g.mu.
func (g *Gateway) pruneLocked(now time.Time) {
	for ref, req := range g.requests {
		g.resolveLocked(req, now)
		if req.Status != domain.PaymentPending && now.Sub(req.SettledAt) >= SettledRetention {
			delete(g.requests, ref)
		}
	}
}

// Len reports how many requests the gateway still tracks.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func (g *Gateway) Complete(ref string) error {
	return g.settle(ref, domain.PaymentCompleted)
}

func (g *Gateway) Fail(ref string) error {
	return g.settle(ref, domain.PaymentFailed)
}

func (g *Gateway) settle(ref string, status domain.PaymentStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, ref)
	}
	if req.Status != domain.PaymentPending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadySettled, ref, req.Status)
	}
	req.Status = status
	req.SettledAt = g.now()
	return nil
}

// Request returns a copy of a request.
func (g *Gateway) Request(ref string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[ref]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// Latest returns the most recently opened request for a transaction.
func (g *Gateway) Latest(txnID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var latest *Request
	for _, req := range g.requests {
		if req.TxnID == txnID && (latest == nil || req.OpenedAt.After(latest.OpenedAt) || (req.OpenedAt.Equal(latest.OpenedAt) && req.Ref > latest.Ref)) {
			latest = req
		}
	}
	if latest == nil {
		return Request{}, false
	}
	return *latest, true
}
