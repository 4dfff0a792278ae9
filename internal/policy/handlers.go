package policy

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tiltguard/internal/idgen"
	"github.com/mbd888/tiltguard/internal/modality"
)

// Handler provides HTTP endpoints for policy CRUD.
type Handler struct {
	store      Store
	knownTable func(string) bool
}

// NewHandler creates a new policy handler. knownTable reports whether a
// weight table version is loaded.
func NewHandler(store Store, knownTable func(string) bool) *Handler {
	return &Handler{store: store, knownTable: knownTable}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/policies", h.Create)
	r.GET("/policies", h.List)
	r.GET("/policies/:policyId", h.Get)
	r.PUT("/policies/:policyId", h.Update)
	r.DELETE("/policies/:policyId", h.Delete)
}

// Create handles POST /v1/policies
func (h *Handler) Create(c *gin.Context) {
	var req struct {
		ID                 string                 `json:"id"`
		Name               string                 `json:"name" binding:"required"`
		RiskThreshold      int                    `json:"riskThreshold" binding:"required"`
		CooldownSeconds    int                    `json:"cooldownSeconds"`
		EnabledModes       map[modality.Kind]bool `json:"enabledModes"`
		OverrideAllowed    bool                   `json:"overrideAllowed"`
		WeightTableVersion string                 `json:"weightTableVersion"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and riskThreshold required"})
		return
	}

	now := time.Now().UTC()
	p := &Policy{
		ID:                 req.ID,
		Name:               req.Name,
		RiskThreshold:      req.RiskThreshold,
		CooldownSeconds:    req.CooldownSeconds,
		EnabledModes:       req.EnabledModes,
		OverrideAllowed:    req.OverrideAllowed,
		WeightTableVersion: req.WeightTableVersion,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if p.ID == "" {
		p.ID = idgen.WithPrefix("pol_")
	}
	p.Normalize()
	if err := p.Validate(h.knownTable); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}

	if err := h.store.Create(c.Request.Context(), p); err != nil {
		if errors.Is(err, ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "name_taken", "message": "a policy with this name already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create policy"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"policy": p})
}

// List handles GET /v1/policies
func (h *Handler) List(c *gin.Context) {
	policies, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list policies"})
		return
	}
	if policies == nil {
		policies = []*Policy{}
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// Get handles GET /v1/policies/:policyId. The default policy resolves even
// when it has not been stored. Invalid stored policies are still returned
// so they can be inspected and fixed.
func (h *Handler) Get(c *gin.Context) {
	p, err := Lookup(c.Request.Context(), h.store, c.Param("policyId"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// Update handles PUT /v1/policies/:policyId
func (h *Handler) Update(c *gin.Context) {
	p, err := h.store.Get(c.Request.Context(), c.Param("policyId"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}

	var req struct {
		Name               *string                `json:"name"`
		RiskThreshold      *int                   `json:"riskThreshold"`
		CooldownSeconds    *int                   `json:"cooldownSeconds"`
		EnabledModes       map[modality.Kind]bool `json:"enabledModes"`
		OverrideAllowed    *bool                  `json:"overrideAllowed"`
		WeightTableVersion *string                `json:"weightTableVersion"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
		return
	}

	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.RiskThreshold != nil {
		p.RiskThreshold = *req.RiskThreshold
	}
	if req.CooldownSeconds != nil {
		p.CooldownSeconds = *req.CooldownSeconds
	}
	if req.EnabledModes != nil {
		p.EnabledModes = req.EnabledModes
	}
	if req.OverrideAllowed != nil {
		p.OverrideAllowed = *req.OverrideAllowed
	}
	if req.WeightTableVersion != nil {
		p.WeightTableVersion = *req.WeightTableVersion
	}
	p.Normalize()
	if err := p.Validate(h.knownTable); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}
	p.UpdatedAt = time.Now().UTC()

	if err := h.store.Update(c.Request.Context(), p); err != nil {
		if errors.Is(err, ErrNameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "name_taken", "message": "a policy with this name already exists"})
			return
		}
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// Delete handles DELETE /v1/policies/:policyId
func (h *Handler) Delete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("policyId")); err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrPolicyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "policy not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load policy"})
}
