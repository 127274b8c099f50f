// Package settlement reconciles open payments against the gateway: it expires
// stale payments, persists terminal statuses and returns reserved stock to the
// pool when a payment is rejected or expires.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"gitub.com/matheusmosca/cafebar-storefront/internal/ledger"
	"gitub.com/matheusmosca/cafebar-storefront/internal/notify"
)

// Gateway is the slice of the payment gateway the poller needs.
type Gateway interface {
	GetPaymentState(ctx context.Context, gatewayPaymentID string) (string, error)
}

// Metrics are the poller's counters. Any of them may be nil.
type Metrics struct {
	Cycles    prometheus.Counter
	Settled   *prometheus.CounterVec // labeled by status
	Restocked prometheus.Counter     // units returned to stock
}

// Config tunes the loop. Zero values fall back to the defaults used in
// production: a 2 minute poll interval and a 24h expiry horizon.
type Config struct {
	Interval time.Duration
	Expiry   time.Duration
}

const (
	defaultInterval = 2 * time.Minute
	defaultExpiry   = 24 * time.Hour
)

// Poller is the settlement background loop. It shares the Store with the
// request path; every write it performs is a guarded single transition, so
// interleaving with concurrent reservations and checkouts stays safe.
type Poller struct {
	store    ledger.Store
	gateway  Gateway
	notifier notify.Notifier
	cfg      Config
	metrics  Metrics
	now      func() time.Time
	log      *zap.Logger
}

// New creates a settlement poller.
func New(store ledger.Store, gw Gateway, notifier notify.Notifier, cfg Config, metrics Metrics, log *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = defaultExpiry
	}
	return &Poller{
		store:    store,
		gateway:  gw,
		notifier: notifier,
		cfg:      cfg,
		metrics:  metrics,
		now:      time.Now,
		log:      log.With(zap.String("component", "settlement")),
	}
}

// Run executes cycles until ctx is cancelled. No cycle error stops the loop.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("settlement_poller_started",
		zap.Duration("interval", p.cfg.Interval),
		zap.Duration("expiry", p.cfg.Expiry),
	)
	for {
		p.Cycle(ctx)
		select {
		case <-ctx.Done():
			p.log.Info("settlement_poller_stopped")
			return
		case <-time.After(p.cfg.Interval):
		}
	}
}

// Cycle runs one expire -> poll -> restock pass. Per-payment failures are
// logged and skipped so one unreachable payment cannot starve the rest; the
// skipped payment stays NEW and is retried next cycle until the expiry horizon
// removes it.
func (p *Poller) Cycle(ctx context.Context) {
	if p.metrics.Cycles != nil {
		p.metrics.Cycles.Inc()
	}

	restock, err := p.expire(ctx)
	if err != nil {
		p.log.Error("expire_step_failed", zap.Error(err))
	}

	payments, err := p.store.ListNewPayments(ctx)
	if err != nil {
		p.log.Error("list_new_payments_failed", zap.Error(err))
		payments = nil
	}
	for _, payment := range payments {
		rejected, err := p.poll(ctx, payment)
		if err != nil {
			p.log.Warn("poll_payment_failed",
				zap.String("payment_id", payment.ID),
				zap.Error(err),
			)
			continue
		}
		if rejected {
			restock = append(restock, payment.ID)
		}
	}

	for _, paymentID := range restock {
		units, err := p.store.Restock(ctx, paymentID)
		if err != nil {
			p.log.Error("restock_failed",
				zap.String("payment_id", paymentID),
				zap.Error(err),
			)
			continue
		}
		if p.metrics.Restocked != nil {
			p.metrics.Restocked.Add(float64(units))
		}
		p.log.Info("payment_restocked",
			zap.String("payment_id", paymentID),
			zap.Int("units", units),
		)
	}
}

// expire moves stale NEW payments to EXPIRED and returns their ids for the
// restock step. The store does the transition in one statement, so a payment
// can only ever land in the restock set once.
func (p *Poller) expire(ctx context.Context) ([]string, error) {
	cutoff := p.now().Add(-p.cfg.Expiry)
	ids, err := p.store.ExpirePayments(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("expire payments: %w", err)
	}
	for _, id := range ids {
		if p.metrics.Settled != nil {
			p.metrics.Settled.WithLabelValues(ledger.StatusExpired).Inc()
		}
		p.log.Info("payment_expired", zap.String("payment_id", id))
	}
	return ids, nil
}

// poll asks the gateway for one payment's status and persists any movement out
// of NEW. It reports whether the payment was rejected and needs a restock.
func (p *Poller) poll(ctx context.Context, payment ledger.Payment) (rejected bool, err error) {
	if payment.GatewayPaymentID == "" {
		// Gateway init never completed; expiry will clean this one up.
		return false, nil
	}

	status, err := p.gateway.GetPaymentState(ctx, payment.GatewayPaymentID)
	if err != nil {
		return false, err
	}
	if status == "" || status == ledger.StatusNew {
		return false, nil
	}

	moved, err := p.store.SettlePayment(ctx, payment.ID, status)
	if err != nil {
		return false, fmt.Errorf("settle payment: %w", err)
	}
	if !moved {
		// Lost the race against another transition; nothing left to do.
		return false, nil
	}
	if p.metrics.Settled != nil {
		p.metrics.Settled.WithLabelValues(status).Inc()
	}
	p.log.Info("payment_settled",
		zap.String("payment_id", payment.ID),
		zap.String("status", status),
	)

	switch status {
	case ledger.StatusConfirmed:
		p.notifier.Notify(ctx, payment.UserID, fmt.Sprintf("Payment %s is confirmed, thank you!", payment.ID))
	case ledger.StatusRejected:
		p.notifier.Notify(ctx, payment.UserID, fmt.Sprintf("Payment %s was rejected, the order is released.", payment.ID))
		return true, nil
	}
	return false, nil
}
