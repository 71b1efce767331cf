package handlers

import (
	"net/http"

	"example.com/backstage/services/orders/internal/cart"
	"example.com/backstage/services/orders/internal/lifecycle"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/search"
	"example.com/backstage/services/orders/internal/services"

	"github.com/gin-gonic/gin"
)

// OrderHandler serves buyer-facing order endpoints
type OrderHandler struct {
	service *services.OrderService
}

// NewOrderHandler creates a new order handler
func NewOrderHandler(service *services.OrderService) *OrderHandler {
	return &OrderHandler{service: service}
}

// CheckoutRequest is the buyer's checkout decision
type CheckoutRequest struct {
	BuyerID       string               `json:"buyer_id" binding:"required"`
	Mode          cart.Mode            `json:"mode" binding:"omitempty,oneof=auto both one"`
	Kind          models.OrderKind     `json:"kind" binding:"omitempty,oneof=regular group"`
	PromoCode     string               `json:"promo_code"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
}

// CancelRequest optionally names the buyer cancelling the order
type CancelRequest struct {
	BuyerID string `json:"buyer_id"`
}

// OrdersResponse wraps a list of orders
type OrdersResponse struct {
	Orders []models.OrderRecord `json:"orders"`
}

func records(snaps []*lifecycle.Snapshot) OrdersResponse {
	out := OrdersResponse{Orders: make([]models.OrderRecord, 0, len(snaps))}
	for _, s := range snaps {
		out.Orders = append(out.Orders, s.Record())
	}
	return out
}

// HandleCheckout turns the buyer's carts into orders
func (h *OrderHandler) HandleCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	snaps, err := h.service.Checkout(c.Request.Context(), req.BuyerID, cart.Choice{
		Mode:          req.Mode,
		Kind:          req.Kind,
		PromoCode:     req.PromoCode,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, records(snaps))
}

// HandleGetOrder returns one order
func (h *OrderHandler) HandleGetOrder(c *gin.Context) {
	snap, err := h.service.GetOrder(c.Request.Context(), c.Param("trackId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap.Record())
}

// HandleGetStatus returns the order as the buyer should see it
func (h *OrderHandler) HandleGetStatus(c *gin.Context) {
	view, err := h.service.GetEffectiveStatus(c.Request.Context(), c.Param("trackId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// HandleListBuyerOrders lists a buyer's orders, optionally by status
func (h *OrderHandler) HandleListBuyerOrders(c *gin.Context) {
	snaps, err := h.service.ListOrders(c.Request.Context(), c.Param("buyerId"), c.Query("status"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, records(snaps))
}

// HandleCancel cancels the whole order
func (h *OrderHandler) HandleCancel(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	snap, err := h.service.Cancel(c.Request.Context(), c.Param("trackId"), req.BuyerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap.Record())
}

// HandleSearch queries the order projection
func (h *OrderHandler) HandleSearch(c *gin.Context) {
	var q search.Query
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}

	found, err := h.service.SearchOrders(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, OrdersResponse{Orders: found})
}

// RegisterRoutes registers the handler's routes
func (h *OrderHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/checkout", h.HandleCheckout)
	rg.GET("/orders/:trackId", h.HandleGetOrder)
	rg.GET("/orders/:trackId/status", h.HandleGetStatus)
	rg.POST("/orders/:trackId/cancel", h.HandleCancel)
	rg.GET("/buyers/:buyerId/orders", h.HandleListBuyerOrders)
	rg.GET("/search/orders", h.HandleSearch)
}
