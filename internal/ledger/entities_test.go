package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShiftStart(t *testing.T) {
	// 10:00 with a 05:00 anchor: the shift started this morning.
	now := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)
	start := ShiftStart(now, 5, 0)
	assert.Equal(t, time.Date(2024, 3, 12, 5, 0, 0, 0, time.UTC), start)

	// 03:30 with a 05:00 anchor: still yesterday's shift.
	now = time.Date(2024, 3, 12, 3, 30, 0, 0, time.UTC)
	start = ShiftStart(now, 5, 0)
	assert.Equal(t, time.Date(2024, 3, 11, 5, 0, 0, 0, time.UTC), start)

	// Exactly on the boundary the new shift has begun.
	now = time.Date(2024, 3, 12, 5, 0, 0, 0, time.UTC)
	start = ShiftStart(now, 5, 0)
	assert.Equal(t, now, start)
}

func TestNewPayment(t *testing.T) {
	now := time.Now()
	payment := NewPayment(123456789, 42.5, now)

	assert.NotEmpty(t, payment.ID)
	assert.Equal(t, int64(123456789), payment.UserID)
	assert.Equal(t, 42.5, payment.Amount)
	assert.Equal(t, StatusNew, payment.Status)
	assert.Equal(t, now, payment.CreatedAt)
	assert.True(t, payment.Open())

	payment.Status = StatusConfirmed
	assert.False(t, payment.Open())
}

func TestPricedLineTotal(t *testing.T) {
	line := PricedLine{Product: "Tea", Price: 3.0, Count: 4}
	assert.Equal(t, 12.0, line.Total())
}

func TestInventoryItemValidate(t *testing.T) {
	valid := InventoryItem{Name: "Tea", Category: "bar", Price: 3.0, Count: 10}
	assert.NoError(t, valid.Validate())

	for _, item := range []InventoryItem{
		{Category: "bar", Price: 3.0},
		{Name: "Tea", Price: 3.0},
		{Name: "Tea", Category: "bar", Price: 0},
		{Name: "Tea", Category: "bar", Price: 3.0, Count: -1},
	} {
		assert.ErrorIs(t, item.Validate(), ErrInvalidProduct)
	}
}
