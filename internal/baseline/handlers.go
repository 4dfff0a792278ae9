package baseline

import (
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tiltguard/internal/signals"
	"github.com/mbd888/tiltguard/internal/validation"
)

// Handler provides HTTP endpoints for baselines and calibration.
type Handler struct {
	store      Store
	calibrator *Calibrator
}

// NewHandler creates a new baseline handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, calibrator: NewCalibrator(store)}
}

// RegisterRoutes sets up baseline routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/users/:userId", validation.UserParamMiddleware())
	g.GET("/baseline", h.Get)
	g.PUT("/baseline", h.Put)
	g.POST("/baseline/calibrate", h.Calibrate)
}

// Get handles GET /v1/users/:userId/baseline
func (h *Handler) Get(c *gin.Context) {
	b, err := h.store.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no baseline recorded for user"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load baseline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseline": b})
}

// Put handles PUT /v1/users/:userId/baseline
func (h *Handler) Put(c *gin.Context) {
	var req UserBaseline
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid baseline body"})
		return
	}
	req.UserID = c.Param("userId")

	if errs := req.Validate(); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_baseline", "message": errs.Error(), "details": errs})
		return
	}
	if req.LastCalibrated.IsZero() {
		req.LastCalibrated = time.Now().UTC()
	}

	if err := h.store.Save(c.Request.Context(), &req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to save baseline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseline": req})
}

// Calibrate handles POST /v1/users/:userId/baseline/calibrate
func (h *Handler) Calibrate(c *gin.Context) {
	var sess Session
	if err := c.ShouldBindJSON(&sess); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid calibration session"})
		return
	}
	errs := validation.Validate(
		validation.MaxItems("cognitiveTrials", len(sess.CognitiveTrials), signals.MaxTrials),
		validation.MaxItems("mouseMovements", len(sess.MouseMovements), signals.MaxMouse),
		validation.MaxItems("keystrokeIntervals", len(sess.KeystrokeIntervals), signals.MaxKeystrokes),
	)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session", "message": errs.Error(), "details": errs})
		return
	}

	b, err := h.calibrator.Calibrate(c.Request.Context(), c.Param("userId"), sess)
	if err != nil {
		if errors.Is(err, ErrEmptySession) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "empty_session", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to calibrate baseline"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"baseline": b})
}

// Validate checks that every supplied statistic is finite and non-negative.
func (b *UserBaseline) Validate() validation.ValidationErrors {
	return validation.Validate(
		validation.NonNegative("reactionTimeMean", &b.ReactionTimeMean),
		validation.NonNegative("reactionTimeStd", &b.ReactionTimeStd),
		validation.NonNegative("accuracyMean", &b.AccuracyMean),
		validation.NonNegative("accuracyStd", &b.AccuracyStd),
		validation.NonNegative("mouseStabilityMean", &b.MouseStabilityMean),
		validation.NonNegative("mouseStabilityStd", &b.MouseStabilityStd),
		validation.NonNegative("keystrokeRhythmMean", &b.KeystrokeRhythmMean),
		validation.NonNegative("keystrokeRhythmStd", &b.KeystrokeRhythmStd),
		validation.IntRange("reactionTimeSamples", b.ReactionTimeSamples, 0, math.MaxInt32),
		validation.IntRange("accuracySamples", b.AccuracySamples, 0, math.MaxInt32),
		validation.IntRange("mouseStabilitySamples", b.MouseStabilitySamples, 0, math.MaxInt32),
		validation.IntRange("keystrokeRhythmSamples", b.KeystrokeRhythmSamples, 0, math.MaxInt32),
	)
}
