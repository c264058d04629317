package service

import "context"

type PaymentRequest struct {
	Amount      int64
	Currency    string
	Description string
	RecipientID string
	PayerID     string
}

type PaymentResult struct {
	Success         bool   `json:"success"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

const (
	HoldStatusHeld     = "held"
	HoldStatusCaptured = "captured"
	HoldStatusReleased = "released"
)

type EscrowHold struct {
	HoldID string `json:"hold_id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

// PaymentProcessor is the charge/hold/capture/release adapter. Amounts are minor units.
type PaymentProcessor interface {
	ExecutePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	CreateEscrowHold(ctx context.Context, req PaymentRequest) (*EscrowHold, error)
	// CaptureEscrow captures amount from the hold, or the full hold when amount is nil.
	CaptureEscrow(ctx context.Context, holdID string, amount *int64) error
	ReleaseEscrow(ctx context.Context, holdID string) error
}

type Balance struct {
	UserID    string `json:"user_id"`
	Available int64  `json:"available"`
	Currency  string `json:"currency"`
}

// BalanceReader is read-only access to a participant's bank balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
}
