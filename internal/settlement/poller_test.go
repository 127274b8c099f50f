package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitub.com/matheusmosca/cafebar-storefront/internal/ledger"
)

// fakeGateway answers GetPaymentState from a map of gateway id to status.
type fakeGateway struct {
	statuses map[string]string
	errs     map[string]error
	polled   []string
}

func (g *fakeGateway) GetPaymentState(ctx context.Context, gatewayPaymentID string) (string, error) {
	g.polled = append(g.polled, gatewayPaymentID)
	if err, ok := g.errs[gatewayPaymentID]; ok {
		return "", err
	}
	return g.statuses[gatewayPaymentID], nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(ctx context.Context, userID int64, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, text)
}

func newFixture(t *testing.T) (*Poller, *ledger.MemoryStore, *fakeGateway, *recordingNotifier) {
	t.Helper()
	store := ledger.NewMemoryStore()
	gw := &fakeGateway{statuses: map[string]string{}, errs: map[string]error{}}
	notifier := &recordingNotifier{}
	poller := New(store, gw, notifier, Config{}, Metrics{}, zap.NewNop())
	poller.now = func() time.Time { return time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC) }
	return poller, store, gw, notifier
}

// openPayment seeds a NEW payment with a debited Tea line and an attached
// gateway id.
func openPayment(t *testing.T, store *ledger.MemoryStore, userID int64, gatewayID string, createdAt time.Time) ledger.Payment {
	t.Helper()
	ctx := context.Background()
	payment, created, err := store.CreatePayment(ctx, userID, 12.0, createdAt, createdAt.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, store.SnapshotAndDebit(ctx, payment.ID, ledger.PricedLine{Product: "Tea", Price: 3.0, Count: 4}))
	if gatewayID != "" {
		require.NoError(t, store.AttachGatewayID(ctx, payment.ID, gatewayID, "https://pay.example/"+payment.ID))
	}
	return *payment
}

func seedTea(t *testing.T, store *ledger.MemoryStore, count int) {
	t.Helper()
	err := store.UpsertProduct(context.Background(), &ledger.InventoryItem{
		Name: "Tea", Category: "bar", Price: 3.0, Count: count,
	})
	require.NoError(t, err)
}

func TestCycleConfirmsPayment(t *testing.T) {
	poller, store, gw, notifier := newFixture(t)
	ctx := context.Background()
	seedTea(t, store, 10)
	payment := openPayment(t, store, 42, "gw-1", poller.now())
	gw.statuses["gw-1"] = ledger.StatusConfirmed

	poller.Cycle(ctx)

	got, err := store.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, got.Status)

	// Confirmed payments keep their debit.
	item, err := store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 6, item.Count)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "confirmed")
}

func TestCycleRejectedPaymentRestocks(t *testing.T) {
	poller, store, gw, notifier := newFixture(t)
	ctx := context.Background()
	seedTea(t, store, 10)
	payment := openPayment(t, store, 42, "gw-1", poller.now())
	gw.statuses["gw-1"] = ledger.StatusRejected

	poller.Cycle(ctx)

	got, err := store.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRejected, got.Status)

	item, err := store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 10, item.Count)
	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "rejected")

	// The terminal payment leaves the polling set; a second cycle must not
	// restock again.
	poller.Cycle(ctx)
	item, err = store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 10, item.Count)
}

func TestCycleExpiresStalePayment(t *testing.T) {
	poller, store, _, _ := newFixture(t)
	ctx := context.Background()
	seedTea(t, store, 10)
	stale := openPayment(t, store, 42, "", poller.now().Add(-25*time.Hour))

	poller.Cycle(ctx)

	got, err := store.GetPayment(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusExpired, got.Status)
	item, err := store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 10, item.Count)

	// Expiry is one-shot: the next cycle finds nothing to restock.
	poller.Cycle(ctx)
	item, err = store.GetProduct(ctx, "Tea")
	require.NoError(t, err)
	assert.Equal(t, 10, item.Count)
}

func TestCycleFreshPaymentNotExpired(t *testing.T) {
	poller, store, gw, _ := newFixture(t)
	ctx := context.Background()
	seedTea(t, store, 10)
	payment := openPayment(t, store, 42, "gw-1", poller.now().Add(-23*time.Hour))
	gw.statuses["gw-1"] = ledger.StatusNew

	poller.Cycle(ctx)

	got, err := store.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusNew, got.Status)
}

func TestCycleSkipsPaymentWithoutGatewayID(t *testing.T) {
	poller, store, gw, _ := newFixture(t)
	ctx := context.Background()
	seedTea(t, store, 10)
	payment := openPayment(t, store, 42, "", poller.now())

	poller.Cycle(ctx)

	assert.Empty(t, gw.polled)
	got, err := store.GetPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusNew, got.Status)
}

func TestCycleIsolatesPerPaymentFailures(t *testing.T) {
	poller, store, gw, _ := newFixture(t)
	ctx := context.Background()
	seedTea(t, store, 10)

	broken := openPayment(t, store, 1, "gw-broken", poller.now())
	fine := openPayment(t, store, 2, "gw-fine", poller.now())
	gw.errs["gw-broken"] = errors.New("gateway: no response after retries")
	gw.statuses["gw-fine"] = ledger.StatusConfirmed

	poller.Cycle(ctx)

	// The unreachable payment stays NEW and will be retried; the other one
	// settles in the same cycle.
	got, err := store.GetPayment(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusNew, got.Status)
	got, err = store.GetPayment(ctx, fine.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, got.Status)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	poller, _, _, _ := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on context cancel")
	}
}
