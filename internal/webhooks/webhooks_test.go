package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiltguard/internal/retry"
	"github.com/mbd888/tiltguard/internal/risk"
	"github.com/mbd888/tiltguard/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type received struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (r *received) add(body []byte, h http.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, h.Clone())
}

func (r *received) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func newReceiver(t *testing.T, status int) (*httptest.Server, *received) {
	t.Helper()
	rec := &received{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.add(body, r.Header)
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts, rec
}

func fastDispatcher(store Store) *Dispatcher {
	return NewDispatcher(store, nil).WithRetry(retry.Policy{Attempts: 3, BaseDelay: time.Millisecond})
}

func subscribe(t *testing.T, store Store, id, userID, url string, events ...EventType) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID: id, UserID: userID, URL: url, Secret: "s3cret", Events: events, Active: true, CreatedAt: time.Now(),
	}))
}

func TestSubscription_Wants(t *testing.T) {
	tests := []struct {
		name string
		sub  Subscription
		user string
		ev   EventType
		want bool
	}{
		{"all users", Subscription{Active: true, Events: []EventType{EventAssessmentBlock}}, "usr_1", EventAssessmentBlock, true},
		{"matching user", Subscription{Active: true, UserID: "usr_1", Events: []EventType{EventAssessmentBlock}}, "usr_1", EventAssessmentBlock, true},
		{"other user", Subscription{Active: true, UserID: "usr_2", Events: []EventType{EventAssessmentBlock}}, "usr_1", EventAssessmentBlock, false},
		{"other event", Subscription{Active: true, Events: []EventType{EventAssessmentHold}}, "usr_1", EventAssessmentBlock, false},
		{"inactive", Subscription{Events: []EventType{EventAssessmentBlock}}, "usr_1", EventAssessmentBlock, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Wants(tt.user, tt.ev))
		})
	}
}

func TestDispatch_SignsAndRecordsSuccess(t *testing.T) {
	ts, rec := newReceiver(t, http.StatusNoContent)
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", "", ts.URL, EventAssessmentBlock)

	ev := &Event{ID: "evt_1", Type: EventAssessmentBlock, Timestamp: time.Unix(1700000000, 0), Data: map[string]any{"riskScore": 85}}
	require.NoError(t, fastDispatcher(store).Dispatch(context.Background(), "usr_1", ev))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "assessment.block", rec.headers[0].Get(HeaderEvent))
	assert.Equal(t, "1700000000", rec.headers[0].Get(HeaderTimestamp))
	assert.Equal(t, Sign(rec.bodies[0], "s3cret"), rec.headers[0].Get(HeaderSignature))

	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.NotNil(t, sub.LastSuccess)
	assert.Empty(t, sub.LastError)
}

func TestDispatch_SkipsNonMatching(t *testing.T) {
	ts, rec := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	subscribe(t, store, "wh_hold", "", ts.URL, EventAssessmentHold)
	subscribe(t, store, "wh_other", "usr_2", ts.URL, EventAssessmentBlock)

	ev := &Event{ID: "evt_1", Type: EventAssessmentBlock, Timestamp: time.Now()}
	require.NoError(t, fastDispatcher(store).Dispatch(context.Background(), "usr_1", ev))
	assert.Zero(t, rec.count())
}

func TestDispatch_RetriesServerErrors(t *testing.T) {
	ts, rec := newReceiver(t, http.StatusBadGateway)
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", "", ts.URL, EventAssessmentHold)

	ev := &Event{ID: "evt_1", Type: EventAssessmentHold, Timestamp: time.Now()}
	require.NoError(t, fastDispatcher(store).Dispatch(context.Background(), "usr_1", ev))
	assert.Equal(t, 3, rec.count())

	sub, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Equal(t, "status 502", sub.LastError)
	assert.Equal(t, 1, sub.ConsecutiveFailures)
}

func TestDispatch_ClientErrorIsPermanent(t *testing.T) {
	ts, rec := newReceiver(t, http.StatusGone)
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", "", ts.URL, EventAssessmentHold)

	ev := &Event{ID: "evt_1", Type: EventAssessmentHold, Timestamp: time.Now()}
	require.NoError(t, fastDispatcher(store).Dispatch(context.Background(), "usr_1", ev))
	assert.Equal(t, 1, rec.count())
}

func TestRecordDelivery_DeactivatesAfterRepeatedFailures(t *testing.T) {
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", "", "https://example.com/hook", EventAssessmentHold)
	ctx := context.Background()

	for i := 0; i < maxConsecutiveFailures-1; i++ {
		require.NoError(t, store.RecordDelivery(ctx, "wh_1", errors.New("status 500"), time.Now()))
	}
	sub, _ := store.Get(ctx, "wh_1")
	assert.True(t, sub.Active)

	require.NoError(t, store.RecordDelivery(ctx, "wh_1", errors.New("status 500"), time.Now()))
	sub, _ = store.Get(ctx, "wh_1")
	assert.False(t, sub.Active)

	assert.ErrorIs(t, store.RecordDelivery(ctx, "wh_missing", nil, time.Now()), ErrNotFound)
}

func TestEmitter_NotifyAssessment(t *testing.T) {
	ts, rec := newReceiver(t, http.StatusOK)
	store := NewMemoryStore()
	subscribe(t, store, "wh_1", "", ts.URL, EventAssessmentHold, EventAssessmentBlock, EventAssessmentOverride)
	e := NewEmitter(fastDispatcher(store), nil)
	ctx := context.Background()

	e.NotifyAssessment(ctx, &risk.Assessment{ID: "asm_go", UserID: "usr_1", Verdict: risk.VerdictGo})
	assert.Zero(t, rec.count(), "go verdicts are not alerted")

	e.NotifyAssessment(ctx, &risk.Assessment{
		ID: "asm_blk", UserID: "usr_1", Verdict: risk.VerdictBlock, RiskScore: 88,
		Reasons: []string{"Voice stress detected"}, CooldownSeconds: 600,
	})
	require.Equal(t, 1, rec.count())

	var ev Event
	require.NoError(t, json.Unmarshal(rec.bodies[0], &ev))
	assert.Equal(t, EventAssessmentBlock, ev.Type)
	assert.Equal(t, "asm_blk", ev.Data["assessmentId"])
	assert.Equal(t, float64(88), ev.Data["riskScore"])

	e.NotifyOverride(ctx, &risk.Assessment{
		ID: "asm_blk", UserID: "usr_1", Verdict: risk.VerdictBlock,
		Override: &risk.Override{By: "desk-lead", Reason: "hedge"},
	})
	require.Equal(t, 2, rec.count())
	assert.Equal(t, "assessment.override", rec.headers[1].Get(HeaderEvent))
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func setupRouter(store Store, endpoint security.EndpointPolicy) *gin.Engine {
	r := gin.New()
	NewHandler(store, endpoint).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_Lifecycle(t *testing.T) {
	store := NewMemoryStore()
	r := setupRouter(store, security.EndpointPolicy{AllowPrivate: true})

	w := doJSON(r, http.MethodPost, "/v1/webhooks", map[string]any{
		"url": "http://127.0.0.1:9999/alerts", "userId": "usr_1", "events": []string{"assessment.block"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Secret, 64)
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	w = doJSON(r, http.MethodGet, "/v1/webhooks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Webhook.ID)
	assert.NotContains(t, w.Body.String(), created.Secret, "secrets are only shown once")

	w = doJSON(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(r, http.MethodDelete, "/v1/webhooks/"+created.Webhook.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	r := setupRouter(NewMemoryStore(), security.EndpointPolicy{
		Resolve: func(string) ([]string, error) { return []string{"93.184.216.34"}, nil },
	})

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing events", map[string]any{"url": "https://hooks.example.com/a"}, "invalid_request"},
		{"unknown event", map[string]any{"url": "https://hooks.example.com/a", "events": []string{"payment.received"}}, "invalid_events"},
		{"private url", map[string]any{"url": "http://127.0.0.1/a", "events": []string{"assessment.hold"}}, "invalid_url"},
		{"bad scheme", map[string]any{"url": "ftp://hooks.example.com/a", "events": []string{"assessment.hold"}}, "invalid_url"},
		{"bad user", map[string]any{"url": "https://hooks.example.com/a", "userId": "bad user!", "events": []string{"assessment.hold"}}, "invalid_user_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/webhooks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp["error"])
		})
	}
}

func TestDispatch_ConcurrentSubscribers(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	for _, id := range []string{"wh_a", "wh_b", "wh_c"} {
		subscribe(t, store, id, "", ts.URL, EventAssessmentHold)
	}
	ev := &Event{ID: "evt_1", Type: EventAssessmentHold, Timestamp: time.Now()}
	require.NoError(t, fastDispatcher(store).Dispatch(context.Background(), "usr_1", ev))
	assert.Equal(t, int32(3), hits.Load())
}
