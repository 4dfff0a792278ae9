package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tiltguard/internal/cache"
	"github.com/mbd888/tiltguard/internal/modality"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ============================================================================
// Validation tests
// ============================================================================

func TestPolicy_Validate(t *testing.T) {
	known := modality.NewTables().Has

	tests := []struct {
		name    string
		mutate  func(p *Policy)
		wantErr bool
	}{
		{"default", func(p *Policy) {}, false},
		{"threshold zero", func(p *Policy) { p.RiskThreshold = 0 }, true},
		{"threshold at ceiling", func(p *Policy) { p.RiskThreshold = 80 }, true},
		{"threshold above ceiling", func(p *Policy) { p.RiskThreshold = 95 }, true},
		{"threshold just below ceiling", func(p *Policy) { p.RiskThreshold = 79 }, false},
		{"custom ceiling", func(p *Policy) { p.BlockCeiling = 90 }, true},
		{"negative cooldown", func(p *Policy) { p.CooldownSeconds = -1 }, true},
		{"cooldown too long", func(p *Policy) { p.CooldownSeconds = MaxCooldownSeconds + 1 }, true},
		{"unknown table", func(p *Policy) { p.WeightTableVersion = "v99" }, true},
		{"unknown modality", func(p *Policy) { p.EnabledModes = map[modality.Kind]bool{"telepathy": true} }, true},
		{"disable voice", func(p *Policy) { p.EnabledModes = map[modality.Kind]bool{modality.Voice: false} }, false},
		{"empty name", func(p *Policy) { p.Name = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(p)
			err := p.Validate(known)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_EnabledAndThresholds(t *testing.T) {
	p := Default()
	p.EnabledModes = map[modality.Kind]bool{modality.Voice: false, modality.Facial: true}

	assert.False(t, p.Enabled(modality.Voice))
	assert.True(t, p.Enabled(modality.Facial))
	assert.True(t, p.Enabled(modality.Cognitive), "absent kinds default to enabled")

	assert.Equal(t, risk.Thresholds{RiskThreshold: 65, BlockCeiling: 80, CooldownSeconds: 300}, p.Thresholds())
}

func TestPolicy_NormalizeFillsDefaults(t *testing.T) {
	p := &Policy{Name: "x", RiskThreshold: 50}
	p.Normalize()
	assert.Equal(t, risk.BlockCeiling, p.BlockCeiling)
	assert.Equal(t, modality.DefaultTableVersion, p.WeightTableVersion)
}

func TestPolicy_CloneIsDeep(t *testing.T) {
	p := Default()
	p.EnabledModes = map[modality.Kind]bool{modality.Voice: false}
	cp := p.Clone()
	cp.EnabledModes[modality.Voice] = true
	assert.False(t, p.EnabledModes[modality.Voice])
}

// ============================================================================
// Store tests
// ============================================================================

func TestMemoryStore_CRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := &Policy{ID: "pol_1", Name: "conservative", RiskThreshold: 40, BlockCeiling: 80}
	require.NoError(t, s.Create(ctx, p))
	assert.ErrorIs(t, s.Create(ctx, &Policy{ID: "pol_2", Name: "conservative"}), ErrNameTaken)

	got, err := s.Get(ctx, "pol_1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.RiskThreshold)

	got.RiskThreshold = 30
	require.NoError(t, s.Update(ctx, got))
	again, _ := s.Get(ctx, "pol_1")
	assert.Equal(t, 30, again.RiskThreshold)

	require.NoError(t, s.Create(ctx, &Policy{ID: "pol_2", Name: "aggressive", RiskThreshold: 75}))
	renamed := &Policy{ID: "pol_2", Name: "conservative", RiskThreshold: 75}
	assert.ErrorIs(t, s.Update(ctx, renamed), ErrNameTaken)

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, s.Delete(ctx, "pol_1"))
	_, err = s.Get(ctx, "pol_1")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "pol_1"), ErrPolicyNotFound)
	assert.ErrorIs(t, s.Update(ctx, &Policy{ID: "missing"}), ErrPolicyNotFound)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p, err := Resolve(ctx, s, "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicyID, p.ID)
	assert.Equal(t, 65, p.RiskThreshold)

	_, err = Resolve(ctx, s, "pol_missing", nil)
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	stored := Default()
	stored.RiskThreshold = 50
	require.NoError(t, s.Create(ctx, stored))
	p, err = Resolve(ctx, s, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 50, p.RiskThreshold, "stored default overrides built-in")
}

func TestResolve_RejectsInvalidStoredPolicy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	known := func(v string) bool { return v == "v3" || v == "v4" }

	require.NoError(t, s.Create(ctx, &Policy{ID: "pol_high", Name: "high", RiskThreshold: 95, BlockCeiling: 80}))
	require.NoError(t, s.Create(ctx, &Policy{ID: "pol_v9", Name: "v9", RiskThreshold: 60, WeightTableVersion: "v9"}))
	require.NoError(t, s.Create(ctx, &Policy{ID: "pol_v4", Name: "v4", RiskThreshold: 60, WeightTableVersion: "v4"}))

	tests := []struct {
		id      string
		wantErr bool
	}{
		{"pol_high", true},
		{"pol_v9", true},
		{"pol_v4", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			p, err := Resolve(ctx, s, tt.id, known)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPolicy)
				assert.Nil(t, p)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 80, p.BlockCeiling, "normalized on load")
		})
	}

	raw, err := Lookup(ctx, s, "pol_high")
	require.NoError(t, err, "lookup returns the stored row for inspection")
	assert.Equal(t, 95, raw.RiskThreshold)
}

func TestCheckStored(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, CheckStored(ctx, s, nil))

	require.NoError(t, s.Create(ctx, &Policy{ID: "pol_ok", Name: "ok", RiskThreshold: 60}))
	require.NoError(t, CheckStored(ctx, s, nil))

	require.NoError(t, s.Create(ctx, &Policy{ID: "pol_bad", Name: "bad", RiskThreshold: 95}))
	err := CheckStored(ctx, s, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
	assert.Contains(t, err.Error(), "pol_bad")
	assert.NotContains(t, err.Error(), "pol_ok")
}

type countingStore struct {
	*MemoryStore
	gets int
}

func (c *countingStore) Get(ctx context.Context, id string) (*Policy, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, id)
}

func TestCachedStore_ReadThroughAndInvalidate(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	s := NewCachedStore(inner, cache.NewMemory(), time.Minute)

	require.NoError(t, s.Create(ctx, &Policy{ID: "pol_1", Name: "a", RiskThreshold: 40, BlockCeiling: 80}))

	_, err := s.Get(ctx, "pol_1")
	require.NoError(t, err)
	got, err := s.Get(ctx, "pol_1")
	require.NoError(t, err)
	assert.Equal(t, 40, got.RiskThreshold)
	assert.Equal(t, 1, inner.gets)

	got.RiskThreshold = 20
	require.NoError(t, s.Update(ctx, got))
	got, err = s.Get(ctx, "pol_1")
	require.NoError(t, err)
	assert.Equal(t, 20, got.RiskThreshold)
	assert.Equal(t, 2, inner.gets)

	require.NoError(t, s.Delete(ctx, "pol_1"))
	_, err = s.Get(ctx, "pol_1")
	assert.True(t, errors.Is(err, ErrPolicyNotFound))
}

// ============================================================================
// Handler tests
// ============================================================================

func newTestRouter(store Store) *gin.Engine {
	r := gin.New()
	NewHandler(store, modality.NewTables().Has).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateGetUpdateDelete(t *testing.T) {
	r := newTestRouter(NewMemoryStore())

	w := doJSON(t, r, http.MethodPost, "/v1/policies", map[string]any{
		"name":            "desk-a",
		"riskThreshold":   60,
		"cooldownSeconds": 120,
		"enabledModes":    map[string]bool{"voice": false},
		"overrideAllowed": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Policy Policy `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Contains(t, created.Policy.ID, "pol_")
	assert.Equal(t, 80, created.Policy.BlockCeiling)
	assert.Equal(t, "v3", created.Policy.WeightTableVersion)
	assert.False(t, created.Policy.Enabled(modality.Voice))

	w = doJSON(t, r, http.MethodGet, "/v1/policies/"+created.Policy.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPut, "/v1/policies/"+created.Policy.ID, map[string]any{"riskThreshold": 70})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"riskThreshold":70`)

	w = doJSON(t, r, http.MethodPut, "/v1/policies/"+created.Policy.ID, map[string]any{"riskThreshold": 85})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_policy")

	w = doJSON(t, r, http.MethodDelete, "/v1/policies/"+created.Policy.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodGet, "/v1/policies/"+created.Policy.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateRejects(t *testing.T) {
	r := newTestRouter(NewMemoryStore())

	tests := []struct {
		name string
		body map[string]any
		code int
		err  string
	}{
		{"missing threshold", map[string]any{"name": "x"}, http.StatusBadRequest, "invalid_request"},
		{"threshold at ceiling", map[string]any{"name": "x", "riskThreshold": 80}, http.StatusBadRequest, "invalid_policy"},
		{"unknown table", map[string]any{"name": "x", "riskThreshold": 50, "weightTableVersion": "v0"}, http.StatusBadRequest, "invalid_policy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, r, http.MethodPost, "/v1/policies", tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.err)
		})
	}
}

func TestHandler_DuplicateName(t *testing.T) {
	r := newTestRouter(NewMemoryStore())
	body := map[string]any{"name": "dup", "riskThreshold": 50}
	require.Equal(t, http.StatusCreated, doJSON(t, r, http.MethodPost, "/v1/policies", body).Code)
	w := doJSON(t, r, http.MethodPost, "/v1/policies", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "name_taken")
}

func TestHandler_DefaultResolvesWithoutStore(t *testing.T) {
	r := newTestRouter(NewMemoryStore())
	w := doJSON(t, r, http.MethodGet, "/v1/policies/default", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"riskThreshold":65`)

	w = doJSON(t, r, http.MethodGet, "/v1/policies", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
}
