package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/payment"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const userIDHeader = "X-User-ID"

// PaymentProcessor prices methods and dispatches checkout payments
type PaymentProcessor interface {
	ListMethods(amount decimal.Decimal) []payment.Method
	Process(ctx context.Context, req payment.Request) payment.Result
}

// WebhookReconciler applies provider callbacks
type WebhookReconciler interface {
	ReconcileWallet(ctx context.Context, provider string, fields map[string]string) (service.Outcome, error)
	ReconcileCard(ctx context.Context, body []byte, signatureHeader string) (service.Outcome, error)
}

// OrderManager reads and cancels customer orders
type OrderManager interface {
	GetOrder(ctx context.Context, orderID, userID string) (*models.Order, error)
	Cancel(ctx context.Context, orderID, userID, reason string) (*service.CancelResult, error)
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	payments   PaymentProcessor
	reconciler WebhookReconciler
	orders     OrderManager
	siteURL    string
	checks     map[string]ReadinessCheck
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(payments PaymentProcessor, reconciler WebhookReconciler, orders OrderManager, siteURL string) *Handler {
	return &Handler{
		payments:   payments,
		reconciler: reconciler,
		orders:     orders,
		siteURL:    strings.TrimRight(siteURL, "/"),
		checks:     make(map[string]ReadinessCheck),
		logger:     util.GetLogger(),
	}
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		h.logger.Error("Recovered panic in HTTP handler",
			zap.String("path", c.Request.URL.Path),
			zap.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}))
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/payment-methods", h.listPaymentMethods)
		v1.POST("/payments", h.processPayment)
		v1.GET("/payments/:provider/return", h.walletReturn)

		v1.GET("/orders/:orderId", h.getOrder)
		v1.POST("/orders/:orderId/cancel", h.cancelOrder)

		v1.POST("/webhooks/card", h.cardWebhook)
		v1.POST("/webhooks/jazzcash", h.walletWebhook(payment.ProviderJazzCash))
		v1.POST("/webhooks/easypaisa", h.walletWebhook(payment.ProviderEasyPaisa))
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck probes every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not_ready",
			"failures": failed,
			"time":     time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// listPaymentMethods prices the catalog for ?amount=
func (h *Handler) listPaymentMethods(c *gin.Context) {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil || amount.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "amount must be a non-negative number",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"amount":  amount,
		"methods": h.payments.ListMethods(amount),
	})
}

// processPayment dispatches a checkout payment for an order owned by the caller
func (h *Handler) processPayment(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req payment.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	req.UserID = userID
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))

	result := h.payments.Process(c.Request.Context(), req)

	switch {
	case result.Success:
		c.JSON(http.StatusOK, result)
	case result.Message == payment.MessageValidationFailed:
		c.JSON(http.StatusBadRequest, result)
	case result.Message == payment.MessageOrderForbidden:
		c.JSON(http.StatusForbidden, result)
	default:
		c.JSON(http.StatusPaymentRequired, result)
	}
}

// getOrder returns an order owned by the caller
func (h *Handler) getOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("orderId"), userID)
	if err != nil {
		h.orderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// cancelOrder cancels an order owned by the caller
func (h *Handler) cancelOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.orders.Cancel(c.Request.Context(), c.Param("orderId"), userID, req.Reason)
	if err != nil {
		var cancelErr *service.CancelError
		if errors.As(err, &cancelErr) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   cancelErr.Reason,
				"status":  cancelErr.Status,
			})
			return
		}
		h.orderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"message":     "Order cancelled successfully",
		"order":       result.Order,
		"refund_info": result.RefundInfo,
	})
}

func (h *Handler) orderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "You do not have access to this order"})
	default:
		h.logger.Error("Order request failed", zap.String("order_id", c.Param("orderId")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func requireUser(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.GetHeader(userIDHeader))
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return "", false
	}
	return userID, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
