// Package cart implements advisory reservations: a cart line soft-holds stock
// by reducing the availability other users perceive, without decrementing the
// authoritative pool. The decrement happens later, at payment creation.
package cart

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"gitub.com/matheusmosca/cafebar-storefront/internal/ledger"
)

// ReserveResult reports what the reservation actually granted. Clamped means
// the request exceeded availability and was cut down; it is a warning for the
// caller, not an error.
type ReserveResult struct {
	Product   string `json:"product"`
	Requested int    `json:"requested"`
	Granted   int    `json:"granted"`
	Available int    `json:"available"`
	Clamped   bool   `json:"clamped"`
}

// UseCase is the cart reservation service.
type UseCase struct {
	store ledger.Store
	log   *zap.Logger
}

// NewUseCase creates the reservation service.
func NewUseCase(store ledger.Store, log *zap.Logger) *UseCase {
	return &UseCase{store: store, log: log.With(zap.String("component", "cart"))}
}

// Reserve upserts the user's cart line for product, clamped to what is left of
// nominal stock after every other user's pending holds. A requested count of
// zero or less clears the line.
func (uc *UseCase) Reserve(ctx context.Context, product string, userID int64, requested int) (*ReserveResult, error) {
	item, err := uc.store.GetProduct(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("reserve %q: %w", product, err)
	}

	if requested <= 0 {
		if err := uc.store.UpsertCartLine(ctx, product, userID, 0); err != nil {
			return nil, fmt.Errorf("clear cart line: %w", err)
		}
		uc.log.Info("cart_line_cleared",
			zap.String("product", product),
			zap.Int64("user_id", userID),
		)
		return &ReserveResult{Product: product, Requested: requested}, nil
	}

	otherReserved, err := uc.store.ReservedByOthers(ctx, product, userID)
	if err != nil {
		return nil, fmt.Errorf("reserve %q: %w", product, err)
	}

	available := item.Count - otherReserved
	if available < 0 {
		available = 0
	}
	granted := requested
	if granted > available {
		granted = available
	}

	if err := uc.store.UpsertCartLine(ctx, product, userID, granted); err != nil {
		return nil, fmt.Errorf("upsert cart line: %w", err)
	}

	result := &ReserveResult{
		Product:   product,
		Requested: requested,
		Granted:   granted,
		Available: available,
		Clamped:   granted < requested,
	}
	uc.log.Info("cart_line_reserved",
		zap.String("product", product),
		zap.Int64("user_id", userID),
		zap.Int("requested", requested),
		zap.Int("granted", granted),
		zap.Bool("clamped", result.Clamped),
	)
	return result, nil
}

// Lines returns the user's non-zero cart lines with current prices.
func (uc *UseCase) Lines(ctx context.Context, userID int64) ([]ledger.PricedLine, error) {
	return uc.store.ListCartLines(ctx, userID)
}

// CancelAll zeroes every cart line of the user.
func (uc *UseCase) CancelAll(ctx context.Context, userID int64) error {
	if err := uc.store.CancelUserCart(ctx, userID); err != nil {
		return fmt.Errorf("cancel cart: %w", err)
	}
	uc.log.Info("cart_cancelled", zap.Int64("user_id", userID))
	return nil
}

// CancelAllCarts zeroes every cart line system-wide (shift close).
func (uc *UseCase) CancelAllCarts(ctx context.Context) error {
	if err := uc.store.CancelAllCarts(ctx); err != nil {
		return fmt.Errorf("cancel all carts: %w", err)
	}
	uc.log.Info("all_carts_cancelled")
	return nil
}
