package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const tenantHeader = "X-Tenant-ID"

// Handler contains HTTP handlers
type Handler struct {
	saga  *service.SagaCoordinator
	carts *service.CartManager
}

// NewHandler creates a new HTTP handler
func NewHandler(saga *service.SagaCoordinator, carts *service.CartManager) *Handler {
	return &Handler{
		saga:  saga,
		carts: carts,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.checkout)
		v1.GET("/orders/:id", h.getOrder)

		v1.GET("/carts/:userId", h.getCart)
		v1.DELETE("/carts/:userId", h.deleteCart)
		v1.POST("/carts/:userId/items", h.addCartItem)
		v1.DELETE("/carts/:userId/items/:productId/:sku", h.removeCartItem)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

type checkoutRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Currency string `json:"currency,omitempty"`
}

// checkout handles POST /api/v1/checkout. The cart snapshot comes from the
// cart manager; the idempotency key is the mandatory Idempotency-Key header.
func (h *Handler) checkout(c *gin.Context) {
	tenantID := c.GetHeader(tenantHeader)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + tenantHeader + " header"})
		return
	}

	idempotencyKey := c.GetHeader("Idempotency-Key")
	if idempotencyKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing Idempotency-Key header"})
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, err := h.carts.GetOrCreate(c.Request.Context(), tenantID, req.UserID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load cart"})
		return
	}

	result, err := h.saga.Checkout(c.Request.Context(), &service.CheckoutRequest{
		TenantID:       tenantID,
		UserID:         req.UserID,
		IdempotencyKey: idempotencyKey,
		Currency:       req.Currency,
		Cart:           cart,
	})
	if err != nil {
		h.writeCheckoutError(c, err)
		return
	}

	switch result.Status {
	case models.OrderStatusConfirmed:
		c.JSON(http.StatusCreated, result)
	case service.ResultStatusRejected, models.OrderStatusCancelled:
		c.JSON(http.StatusUnprocessableEntity, result)
	default:
		c.JSON(http.StatusOK, result)
	}
}

func (h *Handler) writeCheckoutError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "checkout already in progress",
			"action": "retry later with the same idempotency key",
		})
	case errors.Is(err, service.ErrTransient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable, retry with the same idempotency key"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout failed, retry with the same idempotency key after investigation"})
	}
}

// getOrder handles GET /api/v1/orders/:id
func (h *Handler) getOrder(c *gin.Context) {
	tenantID := c.GetHeader(tenantHeader)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + tenantHeader + " header"})
		return
	}

	order, items, err := h.saga.GetOrder(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

// getCart handles GET /api/v1/carts/:userId
func (h *Handler) getCart(c *gin.Context) {
	tenantID := c.GetHeader(tenantHeader)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + tenantHeader + " header"})
		return
	}

	cart, err := h.carts.GetOrCreate(c.Request.Context(), tenantID, c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load cart"})
		return
	}
	c.JSON(http.StatusOK, cart)
}

type addItemRequest struct {
	ProductID  string            `json:"product_id" binding:"required"`
	SKU        string            `json:"sku" binding:"required"`
	Quantity   int               `json:"quantity" binding:"required"`
	UnitPrice  decimal.Decimal   `json:"unit_price"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// addCartItem handles POST /api/v1/carts/:userId/items
func (h *Handler) addCartItem(c *gin.Context) {
	tenantID := c.GetHeader(tenantHeader)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + tenantHeader + " header"})
		return
	}

	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, _, err := h.carts.AddItem(c.Request.Context(), tenantID, c.Param("userId"), models.CartItem{
		ProductID:  req.ProductID,
		SKU:        req.SKU,
		Quantity:   req.Quantity,
		UnitPrice:  req.UnitPrice,
		Attributes: req.Attributes,
	})
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update cart"})
		return
	}
	c.JSON(http.StatusOK, cart)
}

// removeCartItem handles DELETE /api/v1/carts/:userId/items/:productId/:sku
func (h *Handler) removeCartItem(c *gin.Context) {
	tenantID := c.GetHeader(tenantHeader)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + tenantHeader + " header"})
		return
	}

	cart, _, err := h.carts.RemoveItem(c.Request.Context(), tenantID,
		c.Param("userId"), c.Param("productId"), c.Param("sku"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update cart"})
		return
	}
	c.JSON(http.StatusOK, cart)
}

// deleteCart handles DELETE /api/v1/carts/:userId
func (h *Handler) deleteCart(c *gin.Context) {
	tenantID := c.GetHeader(tenantHeader)
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + tenantHeader + " header"})
		return
	}

	if err := h.carts.Delete(c.Request.Context(), tenantID, c.Param("userId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete cart"})
		return
	}
	c.Status(http.StatusNoContent)
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
