package service

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// SimplifiedPaymentService is an in-memory processor for development and tests.
// It keeps per-user balances so the balance tool reflects charges and holds.
type SimplifiedPaymentService struct {
	mu              sync.Mutex
	startingBalance int64
	currency        string
	balances        map[string]int64
	holds           map[string]*simulatedHold
	payments        map[string]PaymentRequest
}

type simulatedHold struct {
	request PaymentRequest
	status  string
}

func NewSimplifiedPaymentService(startingBalance int64, currency string) *SimplifiedPaymentService {
	return &SimplifiedPaymentService{
		startingBalance: startingBalance,
		currency:        currency,
		balances:        make(map[string]int64),
		holds:           make(map[string]*simulatedHold),
		payments:        make(map[string]PaymentRequest),
	}
}

func (sps *SimplifiedPaymentService) balanceLocked(userID string) int64 {
	balance, ok := sps.balances[userID]
	if !ok {
		balance = sps.startingBalance
		sps.balances[userID] = balance
	}
	return balance
}

func (sps *SimplifiedPaymentService) ExecutePayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error) {
	log.Printf("Executing simplified payment: %d %s from %s to %s", req.Amount, req.Currency, req.PayerID, req.RecipientID)

	if req.Amount <= 0 {
		return &PaymentResult{Success: false, Error: "amount must be positive"}, nil
	}

	sps.mu.Lock()
	defer sps.mu.Unlock()

	if req.PayerID != "" {
		balance := sps.balanceLocked(req.PayerID)
		if balance < req.Amount {
			return &PaymentResult{Success: false, Error: "insufficient funds"}, nil
		}
		sps.balances[req.PayerID] = balance - req.Amount
	}
	sps.balances[req.RecipientID] = sps.balanceLocked(req.RecipientID) + req.Amount

	id := "pi_" + uuid.New().String()
	sps.payments[id] = req
	return &PaymentResult{Success: true, PaymentIntentID: id}, nil
}

func (sps *SimplifiedPaymentService) CreateEscrowHold(ctx context.Context, req PaymentRequest) (*EscrowHold, error) {
	log.Printf("Creating simplified escrow hold: %d %s from %s for %s", req.Amount, req.Currency, req.PayerID, req.RecipientID)

	if req.Amount <= 0 {
		return nil, fmt.Errorf("hold amount must be positive")
	}

	sps.mu.Lock()
	defer sps.mu.Unlock()

	if req.PayerID != "" {
		balance := sps.balanceLocked(req.PayerID)
		if balance < req.Amount {
			return nil, fmt.Errorf("insufficient funds for hold")
		}
		sps.balances[req.PayerID] = balance - req.Amount
	}

	id := "hold_" + uuid.New().String()
	sps.holds[id] = &simulatedHold{request: req, status: HoldStatusHeld}
	return &EscrowHold{HoldID: id, Amount: req.Amount, Status: HoldStatusHeld}, nil
}

func (sps *SimplifiedPaymentService) CaptureEscrow(ctx context.Context, holdID string, amount *int64) error {
	sps.mu.Lock()
	defer sps.mu.Unlock()

	hold, ok := sps.holds[holdID]
	if !ok {
		return fmt.Errorf("hold %s not found", holdID)
	}
	if hold.status != HoldStatusHeld {
		return fmt.Errorf("hold %s is already %s", holdID, hold.status)
	}

	captured := hold.request.Amount
	if amount != nil {
		if *amount <= 0 || *amount > hold.request.Amount {
			return fmt.Errorf("capture amount %d outside hold of %d", *amount, hold.request.Amount)
		}
		captured = *amount
	}

	hold.status = HoldStatusCaptured
	sps.balances[hold.request.RecipientID] = sps.balanceLocked(hold.request.RecipientID) + captured
	if hold.request.PayerID != "" {
		sps.balances[hold.request.PayerID] = sps.balanceLocked(hold.request.PayerID) + hold.request.Amount - captured
	}
	log.Printf("Captured %d from hold %s", captured, holdID)
	return nil
}

func (sps *SimplifiedPaymentService) ReleaseEscrow(ctx context.Context, holdID string) error {
	sps.mu.Lock()
	defer sps.mu.Unlock()

	hold, ok := sps.holds[holdID]
	if !ok {
		return fmt.Errorf("hold %s not found", holdID)
	}
	if hold.status != HoldStatusHeld {
		return fmt.Errorf("hold %s is already %s", holdID, hold.status)
	}

	hold.status = HoldStatusReleased
	if hold.request.PayerID != "" {
		sps.balances[hold.request.PayerID] = sps.balanceLocked(hold.request.PayerID) + hold.request.Amount
	}
	log.Printf("Released hold %s back to %s", holdID, hold.request.PayerID)
	return nil
}

func (sps *SimplifiedPaymentService) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	sps.mu.Lock()
	defer sps.mu.Unlock()
	return &Balance{UserID: userID, Available: sps.balanceLocked(userID), Currency: sps.currency}, nil
}
