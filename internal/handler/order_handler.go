package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marketgrid/order-service/internal/repository"
	"github.com/marketgrid/order-service/internal/service"
	"github.com/marketgrid/order-service/pkg/middleware"
)

const defaultListLimit = 50

type OrderHandler struct {
	orderService *service.OrderService
	logger       *zap.Logger
}

func NewOrderHandler(orderService *service.OrderService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		orderService: orderService,
		logger:       logger,
	}
}

// GetOrder returns one order with its items, shipping methods and children.
// Store-scoped actors only reach orders owned by their store.
func (h *OrderHandler) GetOrder(c *gin.Context) {
	actorStoreID := c.GetString(middleware.StoreIDKey)

	order, err := h.orderService.Retrieve(c.Request.Context(), actorStoreID, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, service.ErrStoreAccessDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "order belongs to another store"})
		default:
			h.logger.Error("failed to retrieve order",
				zap.String("request_id", c.GetString("request_id")),
				zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve order"})
		}
		return
	}

	c.JSON(http.StatusOK, order)
}

// ListOrders returns the orders visible to the acting user.
func (h *OrderHandler) ListOrders(c *gin.Context) {
	actorStoreID := c.GetString(middleware.StoreIDKey)

	limit := int64(defaultListLimit)
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	orders, err := h.orderService.List(c.Request.Context(), actorStoreID, int32(limit))
	if err != nil {
		h.logger.Error("failed to list orders",
			zap.String("request_id", c.GetString("request_id")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}
