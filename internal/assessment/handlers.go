package assessment

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/mbd888/tiltguard/internal/policy"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/validation"
)

// Handler provides HTTP endpoints for assessments.
type Handler struct {
	service *Service
}

// NewHandler creates a new assessment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up assessment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/assessments", h.Assess)
	r.GET("/assessments/:id", h.Get)
	r.POST("/assessments/:id/override", h.Override)
	r.GET("/users/:userId/assessments", validation.UserParamMiddleware(), h.History)
}

// Assess handles POST /v1/assessments
func (h *Handler) Assess(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signals", "message": "request body must be a JSON assessment request"})
		return
	}

	a, err := h.service.Assess(c.Request.Context(), req)
	if err != nil {
		var inputErr *InputError
		switch {
		case errors.As(err, &inputErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signals", "message": inputErr.Error(), "details": inputErr.Fields})
		case errors.Is(err, policy.ErrPolicyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "policy_not_found", "message": "policy not found"})
		case errors.Is(err, policy.ErrInvalidPolicy):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_policy", "message": err.Error()})
		case errors.Is(err, risk.ErrUnknownTable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown_weight_table", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "assessment failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": a})
}

// Get handles GET /v1/assessments/:id
func (h *Handler) Get(c *gin.Context) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, risk.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "assessment not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load assessment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": a})
}

// History handles GET /v1/users/:userId/assessments?limit=&cursor=
func (h *Handler) History(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}

	list, err := h.service.History(c.Request.Context(), c.Param("userId"), limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list assessments"})
		return
	}
	list, next, hasMore := pagination.ComputePage(list, limit, func(a *risk.Assessment) (time.Time, string) {
		return a.EvaluatedAt, a.ID
	})
	if list == nil {
		list = []*risk.Assessment{}
	}
	c.JSON(http.StatusOK, gin.H{"assessments": list, "count": len(list), "nextCursor": next, "hasMore": hasMore})
}

// Override handles POST /v1/assessments/:id/override
func (h *Handler) Override(c *gin.Context) {
	var req struct {
		By     string `json:"by" binding:"required"`
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "by and reason required"})
		return
	}
	by := validation.SanitizeString(req.By, 128)
	reason := validation.SanitizeString(req.Reason, 1000)

	a, err := h.service.Override(c.Request.Context(), c.Param("id"), by, reason)
	if err != nil {
		switch {
		case errors.Is(err, risk.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "assessment not found"})
		case errors.Is(err, ErrOverrideNotAllowed):
			c.JSON(http.StatusForbidden, gin.H{"error": "override_not_allowed", "message": err.Error()})
		case errors.Is(err, ErrNothingToOverride):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "nothing_to_override", "message": err.Error()})
		case errors.Is(err, risk.ErrAlreadyOverridden):
			c.JSON(http.StatusConflict, gin.H{"error": "already_overridden", "message": err.Error()})
		case errors.Is(err, policy.ErrInvalidPolicy):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_policy", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to record override"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"assessment": a})
}
