package audit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/mbd888/tiltguard/internal/validation"
)

// Handler exposes the audit trail read API.
type Handler struct {
	store Store
}

// NewHandler creates a new audit handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/audit", validation.UserParamMiddleware(), h.ListByUser)
}

// ListByUser handles GET /v1/users/:userId/audit?limit=&cursor=
func (h *Handler) ListByUser(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	events, err := h.store.ListByUser(c.Request.Context(), c.Param("userId"), limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list audit events"})
		return
	}
	events, next, hasMore := pagination.ComputePage(events, limit, func(ev *Event) (time.Time, string) {
		return ev.CreatedAt, ev.ID
	})
	if events == nil {
		events = []*Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "nextCursor": next, "hasMore": hasMore})
}
