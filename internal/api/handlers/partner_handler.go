package handlers

import (
	"context"
	"net/http"

	"example.com/backstage/services/orders/internal/delivery"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/services"

	"github.com/gin-gonic/gin"
)

// PartnerHandler serves delivery partner commands
type PartnerHandler struct {
	service *services.OrderService
}

// NewPartnerHandler creates a new partner handler
func NewPartnerHandler(service *services.OrderService) *PartnerHandler {
	return &PartnerHandler{service: service}
}

// DeliverRequest carries the OTP the buyer handed over
type DeliverRequest struct {
	Proof string `json:"proof"`
}

// PartnerCommandResponse reports the outcome of a partner command
type PartnerCommandResponse struct {
	*delivery.Result
	Order models.OrderRecord `json:"order"`
}

type partnerCommand func(ctx context.Context, trackID, partnerID string) (*delivery.Result, error)

func (h *PartnerHandler) run(cmd partnerCommand) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := cmd(c.Request.Context(), c.Param("trackId"), c.Param("partnerId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, PartnerCommandResponse{Result: res, Order: res.Order.Record()})
	}
}

// HandleDeliver completes the order after validating the OTP proof
func (h *PartnerHandler) HandleDeliver(c *gin.Context) {
	var req DeliverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}

	res, err := h.service.MarkDelivered(c.Request.Context(), c.Param("trackId"), c.Param("partnerId"), req.Proof)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, PartnerCommandResponse{Result: res, Order: res.Order.Record()})
}

// RegisterRoutes registers the handler's routes
func (h *PartnerHandler) RegisterRoutes(rg *gin.RouterGroup) {
	orders := rg.Group("/partners/:partnerId/orders/:trackId")
	orders.POST("/accept", h.run(h.service.Accept))
	orders.POST("/pickup", h.run(h.service.MarkPickedUp))
	orders.POST("/ship", h.run(h.service.MarkShipped))
	orders.POST("/deliver", h.HandleDeliver)
}
