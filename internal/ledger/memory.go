package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type cartKey struct {
	product string
	userID  int64
}

// MemoryStore implements Store in process memory behind one mutex, so every
// method is a single critical section and gives the same atomicity guarantees
// as the SQL implementation. Used by tests and by runs without a database.
type MemoryStore struct {
	mu        sync.Mutex
	products  map[string]*InventoryItem
	carts     map[cartKey]int
	payments  map[string]*Payment
	paidLines map[string][]PaidLine
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:  make(map[string]*InventoryItem),
		carts:     make(map[cartKey]int),
		payments:  make(map[string]*Payment),
		paidLines: make(map[string][]PaidLine),
	}
}

func (s *MemoryStore) GetProduct(ctx context.Context, name string) (*InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.products[name]
	if !ok {
		return nil, ErrProductNotFound
	}
	clone := *item
	return &clone, nil
}

func (s *MemoryStore) ListMenu(ctx context.Context, category string) ([]InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []InventoryItem
	for _, item := range s.products {
		if item.Category == category && item.Count > 0 {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (s *MemoryStore) UpsertProduct(ctx context.Context, item *InventoryItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *item
	s.products[item.Name] = &clone
	return nil
}

func (s *MemoryStore) DeleteProduct(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[name]; !ok {
		return ErrProductNotFound
	}
	delete(s.products, name)
	return nil
}

func (s *MemoryStore) SetProductCount(ctx context.Context, name string, count int) error {
	if count < 0 {
		return ErrNegativeStock
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.products[name]
	if !ok {
		return ErrProductNotFound
	}
	item.Count = count
	return nil
}

func (s *MemoryStore) AdjustProductCount(ctx context.Context, name string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustLocked(name, delta)
}

func (s *MemoryStore) adjustLocked(name string, delta int) error {
	item, ok := s.products[name]
	if !ok {
		return ErrProductNotFound
	}
	if item.Count+delta < 0 {
		return ErrNegativeStock
	}
	item.Count += delta
	return nil
}

func (s *MemoryStore) GetCartCount(ctx context.Context, product string, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.carts[cartKey{product, userID}], nil
}

func (s *MemoryStore) UpsertCartLine(ctx context.Context, product string, userID int64, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.carts[cartKey{product, userID}] = count
	return nil
}

func (s *MemoryStore) ReservedByOthers(ctx context.Context, product string, userID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reserved := 0
	for key, count := range s.carts {
		if key.product == product && key.userID != userID {
			reserved += count
		}
	}
	return reserved, nil
}

func (s *MemoryStore) ListCartLines(ctx context.Context, userID int64) ([]PricedLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lines []PricedLine
	for key, count := range s.carts {
		if key.userID != userID || count == 0 {
			continue
		}
		item, ok := s.products[key.product]
		if !ok {
			continue
		}
		lines = append(lines, PricedLine{Product: key.product, Price: item.Price, Count: count})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Product < lines[j].Product })
	return lines, nil
}

func (s *MemoryStore) CancelUserCart(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.carts {
		if key.userID == userID {
			s.carts[key] = 0
		}
	}
	return nil
}

func (s *MemoryStore) CancelAllCarts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.carts {
		s.carts[key] = 0
	}
	return nil
}

func (s *MemoryStore) CreatePayment(ctx context.Context, userID int64, amount float64, now, shiftStart time.Time) (*Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, payment := range s.payments {
		if payment.UserID == userID && payment.Status == StatusNew && !payment.CreatedAt.Before(shiftStart) {
			clone := *payment
			return &clone, false, nil
		}
	}
	payment := NewPayment(userID, amount, now)
	clone := *payment
	s.payments[payment.ID] = &clone
	return payment, true, nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	clone := *payment
	return &clone, nil
}

func (s *MemoryStore) AttachGatewayID(ctx context.Context, paymentID, gatewayID, payLink string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[paymentID]
	if !ok || payment.GatewayPaymentID != "" {
		return ErrPaymentNotFound
	}
	payment.GatewayPaymentID = gatewayID
	payment.PayLink = payLink
	return nil
}

func (s *MemoryStore) SettlePayment(ctx context.Context, paymentID, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[paymentID]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if payment.Status != StatusNew {
		return false, nil
	}
	payment.Status = status
	return true, nil
}

func (s *MemoryStore) ListNewPayments(ctx context.Context) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payments []Payment
	for _, payment := range s.payments {
		if payment.Status == StatusNew {
			payments = append(payments, *payment)
		}
	}
	sortPayments(payments)
	return payments, nil
}

func (s *MemoryStore) ExpirePayments(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, payment := range s.payments {
		if payment.Status == StatusNew && payment.CreatedAt.Before(cutoff) {
			payment.Status = StatusExpired
			ids = append(ids, payment.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListUserPayments(ctx context.Context, userID int64) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payments []Payment
	for _, payment := range s.payments {
		if payment.UserID == userID {
			payments = append(payments, *payment)
		}
	}
	sortPayments(payments)
	return payments, nil
}

func (s *MemoryStore) ListConfirmedPayments(ctx context.Context, from, to time.Time) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payments []Payment
	for _, payment := range s.payments {
		if payment.Status == StatusConfirmed && !payment.CreatedAt.Before(from) && !payment.CreatedAt.After(to) {
			payments = append(payments, *payment)
		}
	}
	sortPayments(payments)
	return payments, nil
}

func (s *MemoryStore) SnapshotAndDebit(ctx context.Context, paymentID string, line PricedLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.adjustLocked(line.Product, -line.Count); err != nil {
		return err
	}
	s.paidLines[paymentID] = append(s.paidLines[paymentID], PaidLine{
		PaymentID: paymentID,
		Product:   line.Product,
		Price:     line.Price,
		Count:     line.Count,
	})
	return nil
}

func (s *MemoryStore) Restock(ctx context.Context, paymentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	units := 0
	for _, line := range s.paidLines[paymentID] {
		if _, ok := s.products[line.Product]; !ok {
			continue
		}
		s.products[line.Product].Count += line.Count
		units += line.Count
	}
	return units, nil
}

func (s *MemoryStore) ListPaidLines(ctx context.Context, paymentID string) ([]PaidLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PaidLine(nil), s.paidLines[paymentID]...), nil
}

func sortPayments(payments []Payment) {
	sort.Slice(payments, func(i, j int) bool {
		if payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].ID < payments[j].ID
		}
		return payments[i].CreatedAt.Before(payments[j].CreatedAt)
	})
}
