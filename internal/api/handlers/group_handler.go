package handlers

import (
	"net/http"

	"example.com/backstage/services/orders/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// GroupHandler serves group-buy resolution and the membership webhook
type GroupHandler struct {
	service *services.OrderService
}

// NewGroupHandler creates a new group handler
func NewGroupHandler(service *services.OrderService) *GroupHandler {
	return &GroupHandler{service: service}
}

// HandleMembershipPush re-resolves the group after a membership change.
// The body is informational; the membership service stays the source of truth.
func (h *GroupHandler) HandleMembershipPush(c *gin.Context) {
	groupID := c.Param("groupId")
	ctx := c.Request.Context()

	if err := h.service.HandleMembershipPush(ctx, groupID); err != nil {
		respondError(c, err)
		return
	}

	res, err := h.service.ResolveGroup(ctx, groupID)
	if err != nil {
		respondError(c, err)
		return
	}
	log.Debug().Str("group_id", groupID).Str("status", string(res.Status)).Msg("Membership push handled")
	c.JSON(http.StatusAccepted, res)
}

// HandleResolve reports the group's state and applies it when final
func (h *GroupHandler) HandleResolve(c *gin.Context) {
	res, err := h.service.ResolveGroup(c.Request.Context(), c.Param("groupId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RegisterRoutes registers the handler's routes
func (h *GroupHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/groups/:groupId", h.HandleResolve)
	rg.POST("/groups/:groupId/membership", h.HandleMembershipPush)
}
