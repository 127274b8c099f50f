// Package gateway talks to the external payment processor over HTTP. The
// gateway is the source of truth for settlement status; this client only
// initiates payments and asks for state, retrying transport failures behind a
// parameterized policy.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrNoResponse means every attempt against the gateway failed. Callers must
// treat it as "try again next cycle", never as a terminal payment state.
var ErrNoResponse = errors.New("gateway: no response after retries")

// RetryPolicy is the outbound call contract: Attempts tries with a fixed
// Backoff between them. Kept as an explicit value so tests can shrink it.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy matches the production defaults: 3 attempts, 5s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Backoff: 5 * time.Second}
}

// Config carries the gateway endpoints and terminal credentials.
type Config struct {
	InitURL          string
	StateURL         string
	TerminalKey      string
	TerminalPassword string
	Retry            RetryPolicy
}

// InitResult is the gateway's answer to a payment initiation.
type InitResult struct {
	PaymentID string
	PayLink   string
}

type initRequest struct {
	TerminalKey string `json:"TerminalKey"`
	Amount      int64  `json:"Amount"`
	OrderID     string `json:"OrderId"`
}

type initResponse struct {
	Success   bool   `json:"Success"`
	Status    string `json:"Status"`
	PaymentID string `json:"PaymentId"`
	PayLink   string `json:"PaymentURL"`
}

type stateRequest struct {
	TerminalKey string `json:"TerminalKey"`
	PaymentID   string `json:"PaymentId"`
	Token       string `json:"Token"`
}

type stateResponse struct {
	Status string `json:"Status"`
}

// Client is a payment gateway client with fixed-backoff retries.
type Client struct {
	http *resty.Client
	cfg  Config
	log  *zap.Logger
}

// NewClient builds a client applying cfg.Retry to every request: any transport
// error or non-2xx answer is retried until the attempts run out.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	httpClient := resty.New().
		SetRetryCount(cfg.Retry.Attempts - 1).
		SetRetryWaitTime(cfg.Retry.Backoff).
		SetRetryMaxWaitTime(cfg.Retry.Backoff).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || !r.IsSuccess()
		})
	return &Client{
		http: httpClient,
		cfg:  cfg,
		log:  log.With(zap.String("component", "gateway")),
	}
}

// Sign computes the request signature: SHA-256 hex digest of the shared secret
// concatenated around the gateway payment id.
func Sign(secret, paymentID string) string {
	sum := sha256.Sum256([]byte(secret + paymentID + secret))
	return hex.EncodeToString(sum[:])
}

// InitPayment registers the order with the gateway and returns the gateway
// payment id plus the link the customer pays at. Amount is in minor currency
// units.
func (c *Client) InitPayment(ctx context.Context, amountMinor int64, orderID string) (InitResult, error) {
	var out initResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(initRequest{TerminalKey: c.cfg.TerminalKey, Amount: amountMinor, OrderID: orderID}).
		SetResult(&out).
		Post(c.cfg.InitURL)
	if err != nil || !resp.IsSuccess() {
		c.logFailure("init_payment_no_response", c.cfg.InitURL, resp, err)
		return InitResult{}, fmt.Errorf("init payment for order %s: %w", orderID, ErrNoResponse)
	}
	if out.PaymentID == "" {
		return InitResult{}, fmt.Errorf("init payment for order %s: gateway returned no payment id", orderID)
	}
	return InitResult{PaymentID: out.PaymentID, PayLink: out.PayLink}, nil
}

// GetPaymentState asks the gateway for the settlement status of a payment.
// The request is signed with the terminal password.
func (c *Client) GetPaymentState(ctx context.Context, gatewayPaymentID string) (string, error) {
	var out stateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(stateRequest{
			TerminalKey: c.cfg.TerminalKey,
			PaymentID:   gatewayPaymentID,
			Token:       Sign(c.cfg.TerminalPassword, gatewayPaymentID),
		}).
		SetResult(&out).
		Post(c.cfg.StateURL)
	if err != nil || !resp.IsSuccess() {
		c.logFailure("get_payment_state_no_response", c.cfg.StateURL, resp, err)
		return "", fmt.Errorf("payment state for %s: %w", gatewayPaymentID, ErrNoResponse)
	}
	return out.Status, nil
}

func (c *Client) logFailure(event, url string, resp *resty.Response, err error) {
	fields := []zap.Field{zap.String("url", url)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if resp != nil {
		fields = append(fields, zap.Int("status_code", resp.StatusCode()))
	}
	c.log.Warn(event, fields...)
}
