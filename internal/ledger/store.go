package ledger

import (
	"context"
	"time"
)

// Store is the durable ledger behind the storefront core. Every method is one
// state transition and must be atomic with respect to concurrent transitions on
// the same row: implementations use either a single parameterized statement or
// an explicit transaction with rollback on error. The settlement poller and the
// request path share one Store, so nothing here may partially apply.
type Store interface {
	// Products (authoritative stock pool).
	GetProduct(ctx context.Context, name string) (*InventoryItem, error)
	ListMenu(ctx context.Context, category string) ([]InventoryItem, error)
	UpsertProduct(ctx context.Context, item *InventoryItem) error
	DeleteProduct(ctx context.Context, name string) error
	SetProductCount(ctx context.Context, name string, count int) error
	// AdjustProductCount applies count += delta atomically and fails with
	// ErrNegativeStock if the result would drop below zero.
	AdjustProductCount(ctx context.Context, name string, delta int) error

	// Cart lines (soft holds).
	GetCartCount(ctx context.Context, product string, userID int64) (int, error)
	UpsertCartLine(ctx context.Context, product string, userID int64, count int) error
	// ReservedByOthers sums cart counts for product across every user but userID.
	ReservedByOthers(ctx context.Context, product string, userID int64) (int, error)
	// ListCartLines returns the user's non-zero lines joined with current prices.
	ListCartLines(ctx context.Context, userID int64) ([]PricedLine, error)
	CancelUserCart(ctx context.Context, userID int64) error
	CancelAllCarts(ctx context.Context) error

	// Payments.
	//
	// CreatePayment is idempotent per user per shift: if a NEW payment created at
	// or after shiftStart already exists for the user it is returned with
	// created=false and nothing is inserted.
	CreatePayment(ctx context.Context, userID int64, amount float64, now, shiftStart time.Time) (payment *Payment, created bool, err error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	// AttachGatewayID records the gateway's payment id and the customer-facing
	// pay link. The id is write-once; the link is re-served on payment reuse.
	AttachGatewayID(ctx context.Context, paymentID, gatewayID, payLink string) error
	// SettlePayment moves a payment out of NEW. It returns false without error
	// when the payment already left NEW, which makes re-polls idempotent.
	SettlePayment(ctx context.Context, paymentID, status string) (bool, error)
	ListNewPayments(ctx context.Context) ([]Payment, error)
	// ExpirePayments transitions every NEW payment created before cutoff to
	// EXPIRED in one statement and returns the ids it moved.
	ExpirePayments(ctx context.Context, cutoff time.Time) ([]string, error)
	ListUserPayments(ctx context.Context, userID int64) ([]Payment, error)
	ListConfirmedPayments(ctx context.Context, from, to time.Time) ([]Payment, error)

	// Paid lines.
	//
	// SnapshotAndDebit inserts the PaidLine and debits the product count in one
	// transaction, so a failed write leaves neither half applied.
	SnapshotAndDebit(ctx context.Context, paymentID string, line PricedLine) error
	// Restock credits every paid line of the payment back to stock in one
	// transaction and returns the number of units returned.
	Restock(ctx context.Context, paymentID string) (int, error)
	ListPaidLines(ctx context.Context, paymentID string) ([]PaidLine, error)
}
