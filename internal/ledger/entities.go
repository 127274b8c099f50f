package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus values with behavior attached. The gateway may report other
// strings (e.g. AUTHORIZED, CANCELED); those are persisted verbatim and treated
// as terminal for polling purposes.
const (
	StatusNew       = "NEW"
	StatusConfirmed = "CONFIRMED"
	StatusRejected  = "REJECTED"
	StatusExpired   = "EXPIRED"
)

var (
	ErrProductNotFound = errors.New("ledger: product not found")
	ErrPaymentNotFound = errors.New("ledger: payment not found")
	ErrNegativeStock   = errors.New("ledger: stock count must not go negative")
	ErrInvalidProduct  = errors.New("ledger: product requires a name, a category and a positive price")
)

// InventoryItem is a menu position. Count is the authoritative stock pool:
// it is debited only at payment creation and credited back on rejection/expiry.
type InventoryItem struct {
	Name        string  `json:"name" db:"name"`
	Category    string  `json:"category" db:"category"`
	Description string  `json:"description" db:"description"`
	Image       string  `json:"image" db:"image"`
	Price       float64 `json:"price" db:"price"`
	Count       int     `json:"count" db:"count"`
}

// Validate rejects items that would violate the table constraints up front.
func (i *InventoryItem) Validate() error {
	if i.Name == "" || i.Category == "" || i.Price <= 0 || i.Count < 0 {
		return ErrInvalidProduct
	}
	return nil
}

// CartLine is a soft hold: it reduces availability perceived by other users
// without touching InventoryItem.Count. Count zero means logically absent.
type CartLine struct {
	Product string `json:"product" db:"product"`
	UserID  int64  `json:"user_id" db:"user_id"`
	Count   int    `json:"count" db:"count"`
}

// PricedLine is a cart line joined with the product's current price, the shape
// payment creation snapshots from.
type PricedLine struct {
	Product string  `json:"product"`
	Price   float64 `json:"price"`
	Count   int     `json:"count"`
}

// Total returns the line subtotal.
func (l PricedLine) Total() float64 {
	return l.Price * float64(l.Count)
}

// Payment is one checkout attempt. At most one NEW payment exists per user per
// shift; CONFIRMED, REJECTED and EXPIRED are terminal.
type Payment struct {
	ID               string    `json:"id" db:"id"`
	GatewayPaymentID string    `json:"gateway_payment_id" db:"gateway_payment_id"`
	PayLink          string    `json:"pay_link" db:"pay_link"`
	UserID           int64     `json:"user_id" db:"user_id"`
	Amount           float64   `json:"amount" db:"amount"`
	Status           string    `json:"status" db:"status"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// NewPayment creates a NEW payment for the given user and amount.
func NewPayment(userID int64, amount float64, now time.Time) *Payment {
	return &Payment{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Status:    StatusNew,
		CreatedAt: now,
	}
}

// Open reports whether the payment still awaits settlement.
func (p *Payment) Open() bool {
	return p.Status == StatusNew
}

// PaidLine is an immutable snapshot of a cart line taken at payment creation.
// It is the unit of restock when the payment is rejected or expires.
type PaidLine struct {
	PaymentID string  `json:"payment_id" db:"payment_id"`
	Product   string  `json:"product" db:"product"`
	Price     float64 `json:"price" db:"price"`
	Count     int     `json:"count" db:"count"`
}

// ShiftStart returns the most recent shift boundary at or before now. The shift
// is a rolling 24h window anchored to the configured start-of-day time.
func ShiftStart(now time.Time, hour, minute int) time.Time {
	boundary := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if boundary.After(now) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}
