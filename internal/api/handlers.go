// Package api exposes the storefront core over HTTP/JSON. The bot front end
// (or anything else) is just a caller; authentication is reduced to a
// pre-validated staff allow-list, as the core requires.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"gitub.com/matheusmosca/cafebar-storefront/internal/cart"
	"gitub.com/matheusmosca/cafebar-storefront/internal/checkout"
	"gitub.com/matheusmosca/cafebar-storefront/internal/gateway"
	"gitub.com/matheusmosca/cafebar-storefront/internal/ledger"
)

// Handler bundles the HTTP endpoints of the storefront core.
type Handler struct {
	cart     *cart.UseCase
	checkout *checkout.UseCase
	store    ledger.Store
	shift    checkout.ShiftConfig
	staff    map[int64]bool
	tracer   trace.Tracer
	log      *zap.Logger
}

// NewHandler creates the handler. staffIDs is the pre-validated allow-list of
// staff user ids.
func NewHandler(
	cartUC *cart.UseCase,
	checkoutUC *checkout.UseCase,
	store ledger.Store,
	shift checkout.ShiftConfig,
	staffIDs []int64,
	tracer trace.Tracer,
	log *zap.Logger,
) *Handler {
	staff := make(map[int64]bool, len(staffIDs))
	for _, id := range staffIDs {
		staff[id] = true
	}
	return &Handler{
		cart:     cartUC,
		checkout: checkoutUC,
		store:    store,
		shift:    shift,
		staff:    staff,
		tracer:   tracer,
		log:      log.With(zap.String("component", "api")),
	}
}

// StaffOnly rejects requests whose X-Staff-ID header is not on the allow-list.
func (h *Handler) StaffOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader("X-Staff-ID"), 10, 64)
		if err != nil || !h.staff[id] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "staff only"})
			return
		}
		c.Next()
	}
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "cafebar-storefront"})
}

// Menu lists in-stock products of one category.
func (h *Handler) Menu(c *gin.Context) {
	items, err := h.store.ListMenu(c.Request.Context(), c.Param("category"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type reserveRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	Product string `json:"product" binding:"required"`
	Count   int    `json:"count"`
}

// Reserve places or updates a soft hold for a user. A clamped reservation is a
// 200 with "clamped": true, not an error.
func (h *Handler) Reserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "cart.reserve")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user_id", req.UserID),
		attribute.String("product", req.Product),
		attribute.Int("count", req.Count),
	)

	result, err := h.cart.Reserve(ctx, req.Product, req.UserID, req.Count)
	if err != nil {
		span.RecordError(err)
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ShowCart returns the user's current non-zero cart lines with a total.
func (h *Handler) ShowCart(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	lines, err := h.cart.Lines(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	total := 0.0
	for _, line := range lines {
		total += line.Total()
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines, "total": total})
}

type userRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// CancelCart zeroes every line in the user's cart.
func (h *Handler) CancelCart(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.cart.CancelAll(c.Request.Context(), req.UserID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "cancelled"})
}

// Pay creates (or reuses) the user's payment for the current shift and returns
// the pay link.
func (h *Handler) Pay(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, span := h.tracer.Start(c.Request.Context(), "checkout.create_payment")
	defer span.End()
	span.SetAttributes(attribute.Int64("user_id", req.UserID))

	result, err := h.checkout.CreatePayment(ctx, req.UserID)
	if err != nil {
		span.RecordError(err)
		h.fail(c, err)
		return
	}
	span.SetAttributes(attribute.String("payment_id", result.PaymentID))
	c.JSON(http.StatusOK, result)
}

// PaymentHistory lists the user's payments.
func (h *Handler) PaymentHistory(c *gin.Context) {
	userID, ok := h.userParam(c)
	if !ok {
		return
	}
	payments, err := h.checkout.History(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// UpsertProduct inserts or updates a menu position (staff).
func (h *Handler) UpsertProduct(c *gin.Context) {
	var item ledger.InventoryItem
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.UpsertProduct(c.Request.Context(), &item); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "saved"})
}

// DeleteProduct removes a menu position (staff).
func (h *Handler) DeleteProduct(c *gin.Context) {
	if err := h.store.DeleteProduct(c.Request.Context(), c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "deleted"})
}

type countRequest struct {
	Count int `json:"count"`
}

// SetProductCount sets a product's stock count directly (staff).
func (h *Handler) SetProductCount(c *gin.Context) {
	var req countRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.SetProductCount(c.Request.Context(), c.Param("name"), req.Count); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "updated"})
}

// CloseShift zeroes every cart system-wide (staff).
func (h *Handler) CloseShift(c *gin.Context) {
	if err := h.cart.CancelAllCarts(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "shift closed"})
}

type reportEntry struct {
	Payment ledger.Payment    `json:"payment"`
	Lines   []ledger.PaidLine `json:"lines"`
}

// ShiftReport lists confirmed payments of the current shift with their paid
// lines (staff).
func (h *Handler) ShiftReport(c *gin.Context) {
	ctx := c.Request.Context()
	now := time.Now()
	from := ledger.ShiftStart(now, h.shift.StartHour, h.shift.StartMinute)

	payments, err := h.store.ListConfirmedPayments(ctx, from, now)
	if err != nil {
		h.fail(c, err)
		return
	}
	entries := make([]reportEntry, 0, len(payments))
	total := 0.0
	for _, payment := range payments {
		lines, err := h.store.ListPaidLines(ctx, payment.ID)
		if err != nil {
			h.fail(c, err)
			return
		}
		entries = append(entries, reportEntry{Payment: payment, Lines: lines})
		total += payment.Amount
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": now, "payments": entries, "total": total})
}

func (h *Handler) userParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return 0, false
	}
	return userID, true
}

// fail maps core errors onto HTTP statuses following the error taxonomy:
// validation -> 400/404, contention -> 409, transport -> 503, the rest -> 500.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrProductNotFound), errors.Is(err, ledger.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, checkout.ErrEmptyCart), errors.Is(err, ledger.ErrInvalidProduct):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNegativeStock):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, gateway.ErrNoResponse):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment gateway unavailable, try again later"})
	default:
		h.log.Error("request_failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
