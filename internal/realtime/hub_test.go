package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func connected(h *Hub) func() bool {
	return func() bool { return h.Stats()["connectedClients"].(int) == 1 }
}

// ---------------------------------------------------------------------------
// Subscription filters
// ---------------------------------------------------------------------------

func TestSubscription_Matches(t *testing.T) {
	hold := &Event{Type: EventAssessmentCompleted, UserID: "usr_1", Verdict: "hold", RiskScore: 70}
	override := &Event{Type: EventAssessmentOverride, UserID: "usr_1", Verdict: "hold", RiskScore: 70}
	face := &Event{Type: EventFaceMetrics, UserID: "usr_2"}

	tests := []struct {
		name string
		sub  Subscription
		ev   *Event
		want bool
	}{
		{"zero value receives all", Subscription{}, face, true},
		{"all events", Subscription{AllEvents: true, UserIDs: []string{"usr_9"}}, face, true},
		{"event type match", Subscription{EventTypes: []EventType{EventAssessmentCompleted}}, hold, true},
		{"event type miss", Subscription{EventTypes: []EventType{EventAssessmentCompleted}}, face, false},
		{"user match", Subscription{UserIDs: []string{"usr_1"}}, hold, true},
		{"user miss", Subscription{UserIDs: []string{"usr_1"}}, face, false},
		{"verdict match", Subscription{Verdicts: []string{"hold", "block"}}, hold, true},
		{"verdict miss", Subscription{Verdicts: []string{"block"}}, hold, false},
		{"verdict ignored for overrides", Subscription{Verdicts: []string{"block"}}, override, true},
		{"score at floor", Subscription{MinRiskScore: 70}, hold, true},
		{"score below floor", Subscription{MinRiskScore: 71}, hold, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(tt.ev))
		})
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle
// ---------------------------------------------------------------------------

func TestHub_StatsInitial(t *testing.T) {
	stats := NewHub(nil).Stats()
	assert.Equal(t, 0, stats["connectedClients"])
	assert.Equal(t, int64(0), stats["totalEvents"])
	assert.Equal(t, int64(0), stats["droppedEvents"])
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: Subscription{AllEvents: true}}

	h.register <- c
	require.Eventually(t, connected(h), time.Second, 5*time.Millisecond)

	h.unregister <- c
	require.Eventually(t, func() bool { return h.Stats()["connectedClients"].(int) == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"], "peak survives disconnects")

	_, open := <-c.send
	assert.False(t, open, "unregister closes the send channel")
}

func TestHub_FiltersPerClient(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: Subscription{UserIDs: []string{"usr_1"}}}
	h.register <- c
	require.Eventually(t, connected(h), time.Second, 5*time.Millisecond)

	h.BroadcastFaceMetrics("usr_2", map[string]any{"ear": 0.3})
	h.BroadcastFaceMetrics("usr_1", map[string]any{"ear": 0.28})

	select {
	case msg := <-c.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, EventFaceMetrics, ev.Type)
		assert.Equal(t, "usr_1", ev.UserID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	assert.Eventually(t, func() bool { return h.Stats()["totalEvents"].(int64) == 2 }, time.Second, 5*time.Millisecond)
}

func TestHub_DropsSlowClients(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte, 1), sub: Subscription{AllEvents: true}}
	h.register <- c
	require.Eventually(t, connected(h), time.Second, 5*time.Millisecond)

	h.BroadcastAssessment(EventAssessmentCompleted, "usr_1", "go", 10, nil)
	h.BroadcastAssessment(EventAssessmentCompleted, "usr_1", "go", 11, nil)

	require.Eventually(t, func() bool { return h.Stats()["slowClients"].(int64) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.Stats()["connectedClients"])
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after cancellation")
	}

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// ---------------------------------------------------------------------------
// WebSocket
// ---------------------------------------------------------------------------

func dial(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
}

func TestHub_WebSocketSubscription(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, connected(h), time.Second, 5*time.Millisecond)

	sub, _ := json.Marshal(Subscription{Verdicts: []string{"block"}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))
	time.Sleep(100 * time.Millisecond)

	h.BroadcastAssessment(EventAssessmentCompleted, "usr_1", "go", 10, nil)
	h.BroadcastAssessment(EventAssessmentCompleted, "usr_1", "block", 90, map[string]any{"id": "asm_1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "block", ev.Verdict)
	assert.Equal(t, 90, ev.RiskScore)
}

func TestHub_CheckOrigin(t *testing.T) {
	h := runHub(t).WithAllowedOrigins([]string{"https://desk.example.com"})
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	conn, _, err := dial(t, srv, "https://desk.example.com")
	require.NoError(t, err)
	_ = conn.Close()

	_, resp, err := dial(t, srv, "https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
