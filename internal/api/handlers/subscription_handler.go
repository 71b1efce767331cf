package handlers

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/orders/internal/apperrors"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/notification"
	"example.com/backstage/services/orders/internal/services"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const heartbeatInterval = 15 * time.Second

// SubscriptionHandler streams notifications to buyers, partners, orders and groups
type SubscriptionHandler struct {
	service   *services.OrderService
	heartbeat time.Duration
}

// NewSubscriptionHandler creates a new subscription handler
func NewSubscriptionHandler(service *services.OrderService) *SubscriptionHandler {
	return &SubscriptionHandler{service: service, heartbeat: heartbeatInterval}
}

// EventsResponse is a page of buffered events
type EventsResponse struct {
	Events []models.NotificationEvent `json:"events"`
	Unread uint64                     `json:"unread"`
}

// lastEventID reads the resume point from the SSE header or the since query.
// ok is false when the client sent neither; 0 asks for the whole backlog.
func lastEventID(c *gin.Context) (id uint64, ok bool, err error) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("since")
	}
	if raw == "" {
		return 0, false, nil
	}
	id, err = strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, apperrors.Newf(apperrors.ErrInvalidRequest, "invalid event id %q", raw)
	}
	return id, true, nil
}

func writeEvent(w io.Writer, evt models.NotificationEvent) error {
	return sse.Encode(w, sse.Event{
		Id:    strconv.FormatUint(evt.ID, 10),
		Event: string(evt.Kind),
		Data:  evt,
	})
}

// HandleStream opens a Server-Sent Events feed. A Last-Event-ID header
// replays what the client missed before switching to live events.
func (h *SubscriptionHandler) HandleStream(c *gin.Context) {
	subject := c.Param("subjectId")
	since, resume, err := lastEventID(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var (
		sub     *notification.Subscription
		backlog []models.NotificationEvent
	)
	if resume {
		sub, backlog = h.service.Resume(subject, since)
	} else {
		sub = h.service.Subscribe(subject)
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	for _, evt := range backlog {
		if err := writeEvent(c.Writer, evt); err != nil {
			return
		}
	}
	c.Writer.Flush()

	log.Debug().Str("subject", subject).Uint64("since", since).Int("replayed", len(backlog)).Msg("Subscriber connected")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-sub.Events():
			if !ok {
				return false
			}
			return writeEvent(w, evt) == nil
		case <-ticker.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		}
	})

	log.Debug().Str("subject", subject).Uint64("dropped", sub.Dropped()).Msg("Subscriber disconnected")
}

// HandleEvents returns buffered events newer than ?since
func (h *SubscriptionHandler) HandleEvents(c *gin.Context) {
	subject := c.Param("subjectId")
	since, _, err := lastEventID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, EventsResponse{
		Events: h.service.CatchUp(subject, since),
		Unread: h.service.Unread(subject),
	})
}

// HandleUnread returns the unread count
func (h *SubscriptionHandler) HandleUnread(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"unread": h.service.Unread(c.Param("subjectId"))})
}

// HandleMarkRead clears the unread count
func (h *SubscriptionHandler) HandleMarkRead(c *gin.Context) {
	cleared := h.service.MarkRead(c.Param("subjectId"))
	c.JSON(http.StatusOK, gin.H{"cleared": cleared, "unread": 0})
}

// RegisterRoutes registers the handler's routes
func (h *SubscriptionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	subs := rg.Group("/subscriptions/:subjectId")
	subs.GET("/stream", h.HandleStream)
	subs.GET("/events", h.HandleEvents)
	subs.GET("/unread", h.HandleUnread)
	subs.POST("/read", h.HandleMarkRead)
}
