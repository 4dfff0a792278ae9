package facial

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tiltguard/internal/validation"
)

// MaxFramesPerBatch bounds one frames request.
const MaxFramesPerBatch = 300

// Handler provides HTTP endpoints for facial tracking sessions.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new facial handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up facial tracking routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/users/:userId/face", validation.UserParamMiddleware())
	g.POST("/session", h.StartSession)
	g.DELETE("/session", h.StopSession)
	g.POST("/frames", h.PushFrames)
	g.GET("/metrics", h.Metrics)
}

// StartSession handles POST /v1/users/:userId/face/session
func (h *Handler) StartSession(c *gin.Context) {
	s, err := h.registry.Start(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, ErrSessionExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "session_exists", "message": "a facial session is already running for this user"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to start facial session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": gin.H{
		"id":        s.ID(),
		"userId":    s.UserID(),
		"startedAt": s.StartedAt(),
	}})
}

// StopSession handles DELETE /v1/users/:userId/face/session
func (h *Handler) StopSession(c *gin.Context) {
	if err := h.registry.Stop(c.Param("userId")); err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

// PushFrames handles POST /v1/users/:userId/face/frames
func (h *Handler) PushFrames(c *gin.Context) {
	var req struct {
		Frames []Frame `json:"frames" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "frames required"})
		return
	}
	if errs := validation.Validate(validation.MaxItems("frames", len(req.Frames), MaxFramesPerBatch)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_frames", "message": errs.Error(), "details": errs})
		return
	}

	accepted, err := h.registry.Push(c.Param("userId"), req.Frames)
	if err != nil {
		writeSessionError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "dropped": len(req.Frames) - accepted})
}

// Metrics handles GET /v1/users/:userId/face/metrics
func (h *Handler) Metrics(c *gin.Context) {
	userID := c.Param("userId")
	s, ok := h.registry.Get(userID)
	if !ok {
		writeSessionError(c, ErrNoSession)
		return
	}
	m, ok := s.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_metrics", "message": "no frames processed yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"metrics": m, "degraded": s.Degraded()})
}

func writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNoSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_session", "message": "no facial session for this user"})
	case errors.Is(err, ErrSessionClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "session_closed", "message": "facial session is closing"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "facial session error"})
	}
}
