// mockgateway is a local stand-in for the payment gateway. It accepts Init
// and GetState requests with the production wire shapes and settles every
// payment with the status configured in MOCK_STATUS (default CONFIRMED).
package main

import (
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

type initRequest struct {
	TerminalKey string `json:"TerminalKey"`
	Amount      int64  `json:"Amount"`
	OrderID     string `json:"OrderId"`
}

type stateRequest struct {
	TerminalKey string `json:"TerminalKey"`
	PaymentID   string `json:"PaymentId"`
	Token       string `json:"Token"`
}

func main() {
	status := getEnv("MOCK_STATUS", "CONFIRMED")
	port := getEnv("PORT", "8000")
	var nextID atomic.Int64

	r := gin.Default()

	r.POST("/init", func(c *gin.Context) {
		var req initRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"Success": false, "ErrorCode": "1"})
			return
		}
		paymentID := fmt.Sprintf("%d", 13660+nextID.Add(1))
		c.JSON(http.StatusOK, gin.H{
			"Success":     true,
			"ErrorCode":   "0",
			"TerminalKey": req.TerminalKey,
			"Status":      "NEW",
			"PaymentId":   paymentID,
			"OrderId":     req.OrderID,
			"Amount":      req.Amount,
			"PaymentURL":  fmt.Sprintf("http://localhost:%s/to_pay/%s", port, paymentID),
		})
	})

	r.POST("/state", func(c *gin.Context) {
		var req stateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"Success": false, "ErrorCode": "1"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"Success":     true,
			"ErrorCode":   "0",
			"Message":     "OK",
			"TerminalKey": req.TerminalKey,
			"Status":      status,
			"PaymentId":   req.PaymentID,
		})
	})

	r.GET("/to_pay/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"Status": "CONFIRMED"})
	})

	if err := r.Run(":" + port); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
