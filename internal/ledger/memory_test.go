package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedProduct(t *testing.T, store *MemoryStore, name string, price float64, count int) {
	t.Helper()
	err := store.UpsertProduct(context.Background(), &InventoryItem{
		Name: name, Category: "bar", Price: price, Count: count,
	})
	require.NoError(t, err)
}

func TestMemoryStoreAdjustProductCount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedProduct(t, store, "Tea", 3.0, 10)

	require.NoError(t, store.AdjustProductCount(ctx, "Tea", -4))
	item, err := store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 6, item.Count)

	// The count must never go negative.
	assert.ErrorIs(t, store.AdjustProductCount(ctx, "Tea", -7), ErrNegativeStock)
	item, err = store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 6, item.Count)

	assert.ErrorIs(t, store.AdjustProductCount(ctx, "Coffee", 1), ErrProductNotFound)
}

func TestMemoryStoreReservedByOthers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedProduct(t, store, "Tea", 3.0, 10)

	require.NoError(t, store.UpsertCartLine(ctx, "Tea", 1, 4))
	require.NoError(t, store.UpsertCartLine(ctx, "Tea", 2, 3))
	require.NoError(t, store.UpsertCartLine(ctx, "Tea", 3, 1))

	reserved, err := store.ReservedByOthers(ctx, "Tea", 1)
	require.NoError(t, err)
	assert.Equal(t, 4, reserved)

	reserved, err = store.ReservedByOthers(ctx, "Tea", 99)
	require.NoError(t, err)
	assert.Equal(t, 8, reserved)
}

func TestMemoryStoreCancelCarts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedProduct(t, store, "Tea", 3.0, 10)
	seedProduct(t, store, "Coffee", 5.0, 10)

	require.NoError(t, store.UpsertCartLine(ctx, "Tea", 1, 4))
	require.NoError(t, store.UpsertCartLine(ctx, "Coffee", 1, 2))
	require.NoError(t, store.UpsertCartLine(ctx, "Tea", 2, 1))

	require.NoError(t, store.CancelUserCart(ctx, 1))
	lines, err := store.ListCartLines(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, lines)
	lines, err = store.ListCartLines(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, lines, 1)

	require.NoError(t, store.CancelAllCarts(ctx))
	lines, err = store.ListCartLines(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestMemoryStoreCreatePaymentIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	shiftStart := ShiftStart(now, 5, 0)

	first, created, err := store.CreatePayment(ctx, 42, 12.0, now, shiftStart)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.CreatePayment(ctx, 42, 99.0, now.Add(time.Hour), shiftStart)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 12.0, second.Amount)

	// A different user gets their own payment.
	other, created, err := store.CreatePayment(ctx, 43, 5.0, now, shiftStart)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)

	// Once settled, a new payment may open inside the same shift.
	moved, err := store.SettlePayment(ctx, first.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.True(t, moved)
	third, created, err := store.CreatePayment(ctx, 42, 7.0, now.Add(2*time.Hour), shiftStart)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestMemoryStoreCreatePaymentConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	shiftStart := ShiftStart(now, 5, 0)

	// Concurrent taps from the same user must agree on one payment row.
	const taps = 16
	var wg sync.WaitGroup
	var inserted atomic.Int32
	ids := make([]string, taps)
	for i := 0; i < taps; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payment, created, err := store.CreatePayment(ctx, 42, 12.0, now, shiftStart)
			require.NoError(t, err)
			if created {
				inserted.Add(1)
			}
			ids[i] = payment.ID
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestMemoryStoreAttachGatewayID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	payment, _, err := store.CreatePayment(ctx, 42, 12.0, now, now.Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.AttachGatewayID(ctx, payment.ID, "13661", "https://pay.example/13661"))
	got, err := store.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, "13661", got.GatewayPaymentID)
	assert.Equal(t, "https://pay.example/13661", got.PayLink)

	// The gateway id is write-once.
	assert.Error(t, store.AttachGatewayID(ctx, payment.ID, "99999", "https://pay.example/99999"))
	got, err = store.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, "13661", got.GatewayPaymentID)
}

func TestMemoryStoreSettlePaymentGuard(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	payment, _, err := store.CreatePayment(ctx, 42, 12.0, now, now.Add(-time.Hour))
	require.NoError(t, err)

	moved, err := store.SettlePayment(ctx, payment.ID, StatusRejected)
	require.NoError(t, err)
	assert.True(t, moved)

	// Terminal states never move again.
	moved, err = store.SettlePayment(ctx, payment.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.False(t, moved)
	got, err := store.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)

	_, err = store.SettlePayment(ctx, "missing", StatusConfirmed)
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestMemoryStoreExpirePayments(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	old, _, err := store.CreatePayment(ctx, 1, 10.0, now.Add(-25*time.Hour), now.Add(-26*time.Hour))
	require.NoError(t, err)
	fresh, _, err := store.CreatePayment(ctx, 2, 10.0, now, now.Add(-time.Hour))
	require.NoError(t, err)

	ids, err := store.ExpirePayments(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)

	// A second pass finds nothing: expiry happens exactly once.
	ids, err = store.ExpirePayments(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)

	got, err := store.GetPayment(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, got.Status)
}

func TestMemoryStoreSnapshotDebitRestockRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedProduct(t, store, "Tea", 3.0, 10)
	now := time.Now()

	payment, _, err := store.CreatePayment(ctx, 42, 12.0, now, now.Add(-time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.SnapshotAndDebit(ctx, payment.ID, PricedLine{Product: "Tea", Price: 3.0, Count: 4}))
	item, err := store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 6, item.Count)

	lines, err := store.ListPaidLines(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, PaidLine{PaymentID: payment.ID, Product: "Tea", Price: 3.0, Count: 4}, lines[0])

	units, err := store.Restock(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, units)
	item, err = store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 10, item.Count)
}

func TestMemoryStoreSnapshotAndDebitInsufficientStock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedProduct(t, store, "Tea", 3.0, 2)
	now := time.Now()

	payment, _, err := store.CreatePayment(ctx, 42, 9.0, now, now.Add(-time.Hour))
	require.NoError(t, err)

	err = store.SnapshotAndDebit(ctx, payment.ID, PricedLine{Product: "Tea", Price: 3.0, Count: 3})
	assert.ErrorIs(t, err, ErrNegativeStock)

	// Neither half applied: no snapshot, no debit.
	lines, err := store.ListPaidLines(ctx, payment.ID)
	require.NoError(t, err)
	assert.Empty(t, lines)
	item, err := store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 2, item.Count)
}

func TestMemoryStoreListConfirmedPayments(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	shiftStart := ShiftStart(now, 5, 0)

	inWindow, _, err := store.CreatePayment(ctx, 1, 10.0, now.Add(-time.Hour), shiftStart.Add(-30*time.Hour))
	require.NoError(t, err)
	outOfWindow, _, err := store.CreatePayment(ctx, 2, 10.0, shiftStart.Add(-time.Hour), shiftStart.Add(-30*time.Hour))
	require.NoError(t, err)

	for _, id := range []string{inWindow.ID, outOfWindow.ID} {
		_, err := store.SettlePayment(ctx, id, StatusConfirmed)
		require.NoError(t, err)
	}

	payments, err := store.ListConfirmedPayments(ctx, shiftStart, now)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, inWindow.ID, payments[0].ID)
}
