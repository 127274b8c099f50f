// Package checkout turns a cart into a payment: it creates the idempotent
// payment record, takes the authoritative inventory debit and obtains a pay
// link from the gateway.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"gitub.com/matheusmosca/cafebar-storefront/internal/gateway"
	"gitub.com/matheusmosca/cafebar-storefront/internal/ledger"
)

// ErrEmptyCart is returned when the user has nothing to pay for.
var ErrEmptyCart = errors.New("checkout: cart is empty")

// Gateway is the slice of the payment gateway this use case needs.
type Gateway interface {
	InitPayment(ctx context.Context, amountMinor int64, orderID string) (gateway.InitResult, error)
}

// Result describes the payment handed back to the caller. Reused is true when
// an open payment from the same shift was returned instead of a new one.
type Result struct {
	PaymentID string  `json:"payment_id"`
	Amount    float64 `json:"amount"`
	PayLink   string  `json:"pay_link"`
	Reused    bool    `json:"reused"`
}

// ShiftConfig anchors the rolling shift window used to scope "one open payment
// per user".
type ShiftConfig struct {
	StartHour   int
	StartMinute int
}

// UseCase is the payment orchestrator.
type UseCase struct {
	store   ledger.Store
	gateway Gateway
	shift   ShiftConfig
	now     func() time.Time
	log     *zap.Logger
}

// NewUseCase creates the payment orchestrator.
func NewUseCase(store ledger.Store, gw Gateway, shift ShiftConfig, log *zap.Logger) *UseCase {
	return &UseCase{
		store:   store,
		gateway: gw,
		shift:   shift,
		now:     time.Now,
		log:     log.With(zap.String("component", "checkout")),
	}
}

// CreatePayment runs the checkout state machine for one user:
//
//	NoOpenPayment -> NEW (payment row inserted, inventory debited once per
//	snapshotted line, cart cleared, gateway initialized)
//
// Calling it again within the shift returns the existing NEW payment without
// debiting anything, so a double-tap cannot charge twice. If a step after the
// row insert fails the payment stays NEW and the expiry horizon resolves it;
// nothing is rolled back synchronously.
func (uc *UseCase) CreatePayment(ctx context.Context, userID int64) (*Result, error) {
	lines, err := uc.store.ListCartLines(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}

	now := uc.now()
	shiftStart := ledger.ShiftStart(now, uc.shift.StartHour, uc.shift.StartMinute)

	if len(lines) == 0 {
		// Nothing to charge; the only thing left to return is an already open
		// payment from this shift, e.g. after a double-tap cleared the cart.
		if open := uc.openPayment(ctx, userID, shiftStart); open != nil {
			return uc.finishReused(ctx, open)
		}
		return nil, ErrEmptyCart
	}

	amount := 0.0
	for _, line := range lines {
		amount += line.Total()
	}

	payment, created, err := uc.store.CreatePayment(ctx, userID, amount, now, shiftStart)
	if err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	if !created {
		uc.log.Info("payment_reused",
			zap.String("payment_id", payment.ID),
			zap.Int64("user_id", userID),
		)
		return uc.finishReused(ctx, payment)
	}

	for _, line := range lines {
		if err := uc.store.SnapshotAndDebit(ctx, payment.ID, line); err != nil {
			// The payment stays NEW; expiry restocks whatever was debited.
			uc.log.Error("snapshot_debit_failed",
				zap.String("payment_id", payment.ID),
				zap.String("product", line.Product),
				zap.Error(err),
			)
			return nil, fmt.Errorf("snapshot %q: %w", line.Product, err)
		}
	}
	if err := uc.store.CancelUserCart(ctx, userID); err != nil {
		return nil, fmt.Errorf("clear cart: %w", err)
	}

	uc.log.Info("payment_created",
		zap.String("payment_id", payment.ID),
		zap.Int64("user_id", userID),
		zap.Float64("amount", amount),
		zap.Int("lines", len(lines)),
	)

	link, err := uc.initGateway(ctx, payment.ID, amount)
	if err != nil {
		return nil, err
	}
	return &Result{PaymentID: payment.ID, Amount: amount, PayLink: link}, nil
}

// openPayment finds the user's NEW payment inside the current shift window,
// if any.
func (uc *UseCase) openPayment(ctx context.Context, userID int64, shiftStart time.Time) *ledger.Payment {
	payments, err := uc.store.ListUserPayments(ctx, userID)
	if err != nil {
		uc.log.Warn("open_payment_lookup_failed", zap.Int64("user_id", userID), zap.Error(err))
		return nil
	}
	for i := range payments {
		p := &payments[i]
		if p.Open() && !p.CreatedAt.Before(shiftStart) {
			return p
		}
	}
	return nil
}

// finishReused hands back the open payment with its stored pay link, so every
// repeat tap gets something to pay at. The gateway is only initialized if the
// first attempt never got a gateway id attached.
func (uc *UseCase) finishReused(ctx context.Context, payment *ledger.Payment) (*Result, error) {
	result := &Result{PaymentID: payment.ID, Amount: payment.Amount, Reused: true}
	if payment.GatewayPaymentID != "" {
		result.PayLink = payment.PayLink
		return result, nil
	}
	link, err := uc.initGateway(ctx, payment.ID, payment.Amount)
	if err != nil {
		return nil, err
	}
	result.PayLink = link
	return result, nil
}

func (uc *UseCase) initGateway(ctx context.Context, paymentID string, amount float64) (string, error) {
	init, err := uc.gateway.InitPayment(ctx, minorUnits(amount), paymentID)
	if err != nil {
		// The debit stays applied and the payment stays NEW: the settlement
		// poller expires and restocks it if the gateway never comes back.
		uc.log.Warn("gateway_init_failed",
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return "", fmt.Errorf("init gateway payment: %w", err)
	}
	if err := uc.store.AttachGatewayID(ctx, paymentID, init.PaymentID, init.PayLink); err != nil {
		return "", fmt.Errorf("attach gateway id: %w", err)
	}
	uc.log.Info("gateway_payment_initialized",
		zap.String("payment_id", paymentID),
		zap.String("gateway_payment_id", init.PaymentID),
	)
	return init.PayLink, nil
}

// History returns the user's payments, newest last.
func (uc *UseCase) History(ctx context.Context, userID int64) ([]ledger.Payment, error) {
	return uc.store.ListUserPayments(ctx, userID)
}

// minorUnits converts a price to the gateway's integer minor currency units.
func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
