package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/pagination"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func startWriter(t *testing.T, store Store) *Writer {
	t.Helper()
	w := NewWriter(store, nil)
	go w.Start(context.Background())
	require.Eventually(t, w.Running, time.Second, time.Millisecond)
	return w
}

func TestWriter_FlushesOnStop(t *testing.T) {
	store := NewMemoryStore()
	w := startWriter(t, store)

	for i := 0; i < 5; i++ {
		w.Send(&Event{Type: EventAssessmentCompleted, UserID: "usr_1", AssessmentID: fmt.Sprintf("asm_%d", i), Verdict: "go"})
	}
	w.Stop()

	assert.False(t, w.Running())
	assert.Equal(t, 5, store.Len())
	events, err := store.ListByUser(context.Background(), "usr_1", 0, nil)
	require.NoError(t, err)
	assert.Contains(t, events[0].ID, "aud_")
	assert.False(t, events[0].CreatedAt.IsZero())
}

func TestWriter_FlushesOnTicker(t *testing.T) {
	store := NewMemoryStore()
	w := startWriter(t, store)
	defer w.Stop()

	w.Send(&Event{Type: EventAssessmentCompleted, UserID: "usr_1", AssessmentID: "asm_1"})
	require.Eventually(t, func() bool { return store.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_DropsWhenFull(t *testing.T) {
	w := NewWriter(NewMemoryStore(), nil)
	for i := 0; i < writerChanSize+3; i++ {
		w.Send(&Event{UserID: "usr_1"})
	}
	assert.Equal(t, int64(3), w.Dropped())
	w.Stop() // not running: no-op
}

type failingStore struct {
	MemoryStore
	panic bool
}

func (f *failingStore) AppendBatch(context.Context, []*Event) error {
	if f.panic {
		panic("boom")
	}
	return errors.New("db down")
}

func TestWriter_SwallowsFailures(t *testing.T) {
	for _, panicky := range []bool{false, true} {
		before := testutil.ToFloat64(metrics.AuditFailuresTotal)
		w := startWriter(t, &failingStore{panic: panicky})
		w.Send(&Event{UserID: "usr_1"})
		w.Stop()
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditFailuresTotal), "panic=%v", panicky)
	}
}

func TestMemoryStore_Pagination(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var batch []*Event
	for i := 0; i < 5; i++ {
		batch = append(batch, &Event{ID: fmt.Sprintf("aud_%d", i), UserID: "usr_1", CreatedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	batch = append(batch, &Event{ID: "aud_x", UserID: "usr_2", CreatedAt: t0})
	require.NoError(t, s.AppendBatch(ctx, batch))

	page, err := s.ListByUser(ctx, "usr_1", 2, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "aud_4", page[0].ID)

	page, err = s.ListByUser(ctx, "usr_1", 10, &pagination.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID})
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "aud_2", page[0].ID)
}

func TestHandler_ListByUser(t *testing.T) {
	s := NewMemoryStore()
	var batch []*Event
	for i := 0; i < 3; i++ {
		batch = append(batch, &Event{ID: fmt.Sprintf("aud_%d", i), Type: EventAssessmentCompleted, UserID: "usr_1", CreatedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	require.NoError(t, s.AppendBatch(context.Background(), batch))

	r := gin.New()
	NewHandler(s).RegisterRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/usr_1/audit?limit=2", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"hasMore":true`)
	assert.Contains(t, w.Body.String(), "aud_2")
	assert.NotContains(t, w.Body.String(), "aud_0")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/users/usr_1/audit?cursor=notbase64!", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
