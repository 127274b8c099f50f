package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL through pgx. Single-row
// writes are single statements; multi-row transitions run inside an explicit
// transaction with a pessimistic lock where a read feeds a write.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a Store backed by the given connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the four ledger tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS product(
			name        text PRIMARY KEY CHECK (length(name) >= 1),
			category    text NOT NULL CHECK (length(category) >= 1),
			description text NOT NULL DEFAULT '',
			image       text NOT NULL DEFAULT '',
			price       double precision NOT NULL CHECK (price > 0),
			count       integer NOT NULL CHECK (count >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS cart_line(
			product text   NOT NULL CHECK (length(product) >= 1),
			user_id bigint NOT NULL,
			count   integer NOT NULL DEFAULT 1 CHECK (count >= 0),
			UNIQUE (product, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS payment(
			id                 text PRIMARY KEY,
			created_at         timestamptz NOT NULL,
			user_id            bigint NOT NULL,
			gateway_payment_id text UNIQUE,
			pay_link           text NOT NULL DEFAULT '',
			amount             double precision NOT NULL,
			status             text NOT NULL DEFAULT 'NEW'
		)`,
		`CREATE TABLE IF NOT EXISTS paid_line(
			payment_id text NOT NULL,
			product    text NOT NULL CHECK (length(product) >= 1),
			price      double precision NOT NULL CHECK (price > 0),
			count      integer NOT NULL DEFAULT 1 CHECK (count > 0)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, name string) (*InventoryItem, error) {
	var item InventoryItem
	err := s.db.QueryRow(ctx, `
		SELECT name, category, description, image, price, count
		FROM product WHERE name = $1
	`, name).Scan(&item.Name, &item.Category, &item.Description, &item.Image, &item.Price, &item.Count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListMenu(ctx context.Context, category string) ([]InventoryItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, category, description, image, price, count
		FROM product WHERE category = $1 AND count > 0
		ORDER BY name
	`, category)
	if err != nil {
		return nil, fmt.Errorf("list menu: %w", err)
	}
	defer rows.Close()

	var items []InventoryItem
	for rows.Next() {
		var item InventoryItem
		if err := rows.Scan(&item.Name, &item.Category, &item.Description, &item.Image, &item.Price, &item.Count); err != nil {
			return nil, fmt.Errorf("scan menu row: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpsertProduct(ctx context.Context, item *InventoryItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO product (name, category, description, image, price, count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE
		SET category = EXCLUDED.category, description = EXCLUDED.description,
		    image = EXCLUDED.image, price = EXCLUDED.price, count = EXCLUDED.count
	`, item.Name, item.Category, item.Description, item.Image, item.Price, item.Count)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteProduct(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM product WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (s *PostgresStore) SetProductCount(ctx context.Context, name string, count int) error {
	if count < 0 {
		return ErrNegativeStock
	}
	tag, err := s.db.Exec(ctx, `UPDATE product SET count = $1 WHERE name = $2`, count, name)
	if err != nil {
		return fmt.Errorf("set product count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// AdjustProductCount applies the delta in a single statement; the WHERE guard
// plus the table CHECK keep the count from going negative under contention.
func (s *PostgresStore) AdjustProductCount(ctx context.Context, name string, delta int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE product SET count = count + $1
		WHERE name = $2 AND count + $1 >= 0
	`, delta, name)
	if err != nil {
		return fmt.Errorf("adjust product count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetProduct(ctx, name); getErr != nil {
			return getErr
		}
		return ErrNegativeStock
	}
	return nil
}

func (s *PostgresStore) GetCartCount(ctx context.Context, product string, userID int64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT count FROM cart_line WHERE product = $1 AND user_id = $2
	`, product, userID).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cart count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpsertCartLine(ctx context.Context, product string, userID int64, count int) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO cart_line (product, user_id, count)
		VALUES ($1, $2, $3)
		ON CONFLICT (product, user_id) DO UPDATE SET count = EXCLUDED.count
	`, product, userID, count)
	if err != nil {
		return fmt.Errorf("upsert cart line: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReservedByOthers(ctx context.Context, product string, userID int64) (int, error) {
	var reserved int
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM cart_line
		WHERE product = $1 AND user_id != $2
	`, product, userID).Scan(&reserved)
	if err != nil {
		return 0, fmt.Errorf("sum reserved by others: %w", err)
	}
	return reserved, nil
}

func (s *PostgresStore) ListCartLines(ctx context.Context, userID int64) ([]PricedLine, error) {
	rows, err := s.db.Query(ctx, `
		SELECT p.name, p.price, cl.count
		FROM product AS p INNER JOIN cart_line AS cl ON p.name = cl.product
		WHERE cl.count > 0 AND cl.user_id = $1
		ORDER BY p.name
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list cart lines: %w", err)
	}
	defer rows.Close()

	var lines []PricedLine
	for rows.Next() {
		var line PricedLine
		if err := rows.Scan(&line.Product, &line.Price, &line.Count); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func (s *PostgresStore) CancelUserCart(ctx context.Context, userID int64) error {
	_, err := s.db.Exec(ctx, `UPDATE cart_line SET count = 0 WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("cancel user cart: %w", err)
	}
	return nil
}

func (s *PostgresStore) CancelAllCarts(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `UPDATE cart_line SET count = 0`)
	if err != nil {
		return fmt.Errorf("cancel all carts: %w", err)
	}
	return nil
}

// CreatePayment serializes per user with a transaction-scoped advisory lock
// before probing for an open payment. Locking the row alone is not enough: a
// FOR UPDATE over zero rows locks nothing, so two concurrent taps could both
// see "no open payment" and both insert.
func (s *PostgresStore) CreatePayment(ctx context.Context, userID int64, amount float64, now, shiftStart time.Time) (*Payment, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin create payment: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, userID); err != nil {
		return nil, false, fmt.Errorf("lock user payments: %w", err)
	}

	var existing Payment
	err = tx.QueryRow(ctx, `
		SELECT id, COALESCE(gateway_payment_id, ''), pay_link, user_id, amount, status, created_at
		FROM payment
		WHERE status = 'NEW' AND user_id = $1 AND created_at >= $2
		ORDER BY created_at LIMIT 1
	`, userID, shiftStart).Scan(&existing.ID, &existing.GatewayPaymentID, &existing.PayLink,
		&existing.UserID, &existing.Amount, &existing.Status, &existing.CreatedAt)
	switch {
	case err == nil:
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, false, fmt.Errorf("commit create payment: %w", commitErr)
		}
		return &existing, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("probe open payment: %w", err)
	}

	payment := NewPayment(userID, amount, now)
	_, err = tx.Exec(ctx, `
		INSERT INTO payment (id, created_at, user_id, amount, status)
		VALUES ($1, $2, $3, $4, $5)
	`, payment.ID, payment.CreatedAt, payment.UserID, payment.Amount, payment.Status)
	if err != nil {
		return nil, false, fmt.Errorf("insert payment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit create payment: %w", err)
	}
	return payment, true, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var payment Payment
	err := s.db.QueryRow(ctx, `
		SELECT id, COALESCE(gateway_payment_id, ''), pay_link, user_id, amount, status, created_at
		FROM payment WHERE id = $1
	`, paymentID).Scan(&payment.ID, &payment.GatewayPaymentID, &payment.PayLink,
		&payment.UserID, &payment.Amount, &payment.Status, &payment.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &payment, nil
}

func (s *PostgresStore) AttachGatewayID(ctx context.Context, paymentID, gatewayID, payLink string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment SET gateway_payment_id = $1, pay_link = $2
		WHERE id = $3 AND gateway_payment_id IS NULL
	`, gatewayID, payLink, paymentID)
	if err != nil {
		return fmt.Errorf("attach gateway id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// SettlePayment only moves payments that are still NEW, which makes the
// transition idempotent under re-polls and concurrent cycles.
func (s *PostgresStore) SettlePayment(ctx context.Context, paymentID, status string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE payment SET status = $1
		WHERE id = $2 AND status = 'NEW'
	`, status, paymentID)
	if err != nil {
		return false, fmt.Errorf("settle payment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListNewPayments(ctx context.Context) ([]Payment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(gateway_payment_id, ''), pay_link, user_id, amount, status, created_at
		FROM payment WHERE status = 'NEW'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list new payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (s *PostgresStore) ExpirePayments(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE payment SET status = 'EXPIRED'
		WHERE status = 'NEW' AND created_at < $1
		RETURNING id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire payments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListUserPayments(ctx context.Context, userID int64) ([]Payment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(gateway_payment_id, ''), pay_link, user_id, amount, status, created_at
		FROM payment WHERE user_id = $1
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func (s *PostgresStore) ListConfirmedPayments(ctx context.Context, from, to time.Time) ([]Payment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, COALESCE(gateway_payment_id, ''), pay_link, user_id, amount, status, created_at
		FROM payment
		WHERE status = 'CONFIRMED' AND created_at BETWEEN $1 AND $2
		ORDER BY created_at
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list confirmed payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

// SnapshotAndDebit couples the PaidLine insert and the stock debit in one
// transaction: the ledger never records a debit without its snapshot.
func (s *PostgresStore) SnapshotAndDebit(ctx context.Context, paymentID string, line PricedLine) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO paid_line (payment_id, product, price, count)
		VALUES ($1, $2, $3, $4)
	`, paymentID, line.Product, line.Price, line.Count)
	if err != nil {
		return fmt.Errorf("insert paid line: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE product SET count = count - $1
		WHERE name = $2 AND count - $1 >= 0
	`, line.Count, line.Product)
	if err != nil {
		return fmt.Errorf("debit stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNegativeStock
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Restock reverses the payment's debits. Lines whose product has since been
// removed from the menu are skipped; everything else is credited atomically.
func (s *PostgresStore) Restock(ctx context.Context, paymentID string) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin restock: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT product, count FROM paid_line WHERE payment_id = $1
	`, paymentID)
	if err != nil {
		return 0, fmt.Errorf("list paid lines for restock: %w", err)
	}
	type credit struct {
		product string
		count   int
	}
	var credits []credit
	for rows.Next() {
		var c credit
		if err := rows.Scan(&c.product, &c.count); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan paid line: %w", err)
		}
		credits = append(credits, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	units := 0
	for _, c := range credits {
		tag, err := tx.Exec(ctx, `
			UPDATE product SET count = count + $1 WHERE name = $2
		`, c.count, c.product)
		if err != nil {
			return 0, fmt.Errorf("credit stock: %w", err)
		}
		if tag.RowsAffected() > 0 {
			units += c.count
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit restock: %w", err)
	}
	return units, nil
}

func (s *PostgresStore) ListPaidLines(ctx context.Context, paymentID string) ([]PaidLine, error) {
	rows, err := s.db.Query(ctx, `
		SELECT payment_id, product, price, count FROM paid_line WHERE payment_id = $1
		ORDER BY product
	`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list paid lines: %w", err)
	}
	defer rows.Close()

	var lines []PaidLine
	for rows.Next() {
		var line PaidLine
		if err := rows.Scan(&line.PaymentID, &line.Product, &line.Price, &line.Count); err != nil {
			return nil, fmt.Errorf("scan paid line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func scanPayments(rows pgx.Rows) ([]Payment, error) {
	var payments []Payment
	for rows.Next() {
		var payment Payment
		err := rows.Scan(&payment.ID, &payment.GatewayPaymentID, &payment.PayLink,
			&payment.UserID, &payment.Amount, &payment.Status, &payment.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, payment)
	}
	return payments, rows.Err()
}
