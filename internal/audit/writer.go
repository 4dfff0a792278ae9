package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/tiltguard/internal/idgen"
	"github.com/mbd888/tiltguard/internal/metrics"
)

const (
	writerChanSize  = 4096
	writerBatchSize = 100
	writerFlushMs   = 500
	writerTimeout   = 10 * time.Second
)

// Writer asynchronously batches audit events to a Store.
type Writer struct {
	store   Store
	logger  *slog.Logger
	ch      chan *Event
	stop    chan struct{}
	done    chan struct{}
	running atomic.Bool
	dropped atomic.Int64
}

// NewWriter creates a new async audit writer.
func NewWriter(store Store, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:  store,
		logger: logger,
		ch:     make(chan *Event, writerChanSize),
		stop:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send enqueues an event. Non-blocking: drops and increments a counter if
// the channel is full.
func (w *Writer) Send(ev *Event) {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("aud_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	select {
	case w.ch <- ev:
	default:
		w.dropped.Add(1)
		metrics.AuditEventsTotal.WithLabelValues("dropped").Inc()
	}
}

// Dropped returns the number of events dropped due to a full channel.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Start begins draining the channel and flushing batches. Call in a goroutine.
func (w *Writer) Start(ctx context.Context) {
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		close(w.done)
	}()

	ticker := time.NewTicker(time.Duration(writerFlushMs) * time.Millisecond)
	defer ticker.Stop()

	var buf []*Event

	for {
		select {
		case <-ctx.Done():
			w.flush(w.drain(buf))
			return
		case <-w.stop:
			w.flush(w.drain(buf))
			return
		case ev := <-w.ch:
			buf = append(buf, ev)
			if len(buf) >= writerBatchSize {
				w.flush(buf)
				buf = nil
			}
		case <-ticker.C:
			if len(buf) > 0 {
				w.flush(buf)
				buf = nil
			}
		}
	}
}

// Stop signals the writer to flush remaining events and waits for it to
// exit. It is a no-op if the writer is not running.
func (w *Writer) Stop() {
	if !w.running.Load() {
		return
	}
	select {
	case w.stop <- struct{}{}:
	default:
	}
	<-w.done
}

// Running reports whether the writer loop is active.
func (w *Writer) Running() bool {
	return w.running.Load()
}

// drain appends whatever is already queued so shutdown loses nothing that
// was accepted.
func (w *Writer) drain(buf []*Event) []*Event {
	for {
		select {
		case ev := <-w.ch:
			buf = append(buf, ev)
		default:
			return buf
		}
	}
}

func (w *Writer) flush(buf []*Event) {
	if len(buf) == 0 {
		return
	}
	for len(buf) > writerBatchSize {
		w.safeFlush(buf[:writerBatchSize])
		buf = buf[writerBatchSize:]
	}
	w.safeFlush(buf)
}

func (w *Writer) safeFlush(buf []*Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.AuditFailuresTotal.Inc()
			metrics.AuditEventsTotal.WithLabelValues("failed").Add(float64(len(buf)))
			w.logger.Error("panic in audit writer flush", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), writerTimeout)
	defer cancel()

	if err := w.store.AppendBatch(ctx, buf); err != nil {
		metrics.AuditFailuresTotal.Inc()
		metrics.AuditEventsTotal.WithLabelValues("failed").Add(float64(len(buf)))
		w.logger.Error("audit flush failed", "error", err, "count", len(buf))
		return
	}
	metrics.AuditEventsTotal.WithLabelValues("written").Add(float64(len(buf)))
}
