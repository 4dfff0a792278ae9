package facial

import (
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/tiltguard/internal/idgen"
	"github.com/mbd888/tiltguard/internal/metrics"
	"github.com/mbd888/tiltguard/internal/signals"
)

// Errors
var (
	ErrSessionClosed = errors.New("facial: session closed")
	ErrSessionExists = errors.New("facial: session already running")
	ErrNoSession     = errors.New("facial: no session for user")
)

// Neutral readings used by simulated frames.
const (
	neutralEAR  = 0.30
	neutralJaw  = 0.10
	neutralBrow = 0.10
	neutralGaze = 0.90

	fpsAlpha = 0.2
)

// Config tunes session buffering and the watchdog.
type Config struct {
	FrameBuffer      int           // queued frames before new ones are dropped
	WatchdogTimeout  time.Duration // silence after which the stream degrades
	DegradedInterval time.Duration // simulated frame period, also the watchdog tick
	PresenceChance   float64       // probability a simulated frame reports a face
	PublishInterval  time.Duration // minimum spacing of publisher calls
}

// DefaultConfig returns the production settings: a 5s watchdog and a
// 15 Hz degraded stream that reports a face 2% of the time.
func DefaultConfig() Config {
	return Config{
		FrameBuffer:      64,
		WatchdogTimeout:  5 * time.Second,
		DegradedInterval: time.Second / 15,
		PresenceChance:   0.02,
		PublishInterval:  time.Second,
	}
}

// Publisher receives throttled metric updates, e.g. for realtime push. It
// is called on the session goroutine and must not block.
type Publisher func(userID string, m signals.FaceMetrics)

// Session runs the temporal filter for one user on its own goroutine.
type Session struct {
	id        string
	userID    string
	cfg       Config
	publish   Publisher
	logger    *slog.Logger
	startedAt time.Time

	frames   chan Frame
	latest   atomic.Pointer[signals.FaceMetrics]
	degraded atomic.Bool
	dropped  atomic.Int64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Owned by the run goroutine.
	filter      *Filter
	rng         *rand.Rand
	lastFrame   time.Time
	lastPublish time.Time
	fps         float64
}

// NewSession creates and starts a session. Call Stop to release it.
func NewSession(userID string, cfg Config, publish Publisher, logger *slog.Logger) *Session {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = DefaultConfig().FrameBuffer
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = DefaultConfig().WatchdogTimeout
	}
	if cfg.DegradedInterval <= 0 {
		cfg.DegradedInterval = DefaultConfig().DegradedInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	id := idgen.WithPrefix("fs_")
	s := &Session{
		id:        id,
		userID:    userID,
		cfg:       cfg,
		publish:   publish,
		logger:    logger.With("component", "facial", "user_id", userID, "session_id", id),
		startedAt: now,
		frames:    make(chan Frame, cfg.FrameBuffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		filter:    NewFilter(),
		rng:       rand.New(rand.NewPCG(uint64(now.UnixNano()), uint64(len(userID)))),
		lastFrame: now,
	}
	metrics.FaceSessionsActive.Inc()
	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the session owner.
func (s *Session) UserID() string { return s.userID }

// StartedAt returns when the session started.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Push queues frames without blocking and returns how many were accepted.
// Frames beyond the buffer are dropped.
func (s *Session) Push(frames ...Frame) (int, error) {
	select {
	case <-s.stop:
		return 0, ErrSessionClosed
	default:
	}

	accepted := 0
	for _, fr := range frames {
		select {
		case s.frames <- fr:
			accepted++
		default:
			s.dropped.Add(1)
			metrics.FaceFramesTotal.WithLabelValues("dropped").Inc()
		}
	}
	return accepted, nil
}

// Latest returns the last published metrics, if any frame has been
// processed yet.
func (s *Session) Latest() (signals.FaceMetrics, bool) {
	m := s.latest.Load()
	if m == nil {
		return signals.FaceMetrics{}, false
	}
	return *m, true
}

// Degraded reports whether the session is producing simulated frames.
func (s *Session) Degraded() bool { return s.degraded.Load() }

// Dropped returns the number of frames dropped on a full buffer.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Stop ends the session and discards its filter state. Safe to call more
// than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		metrics.FaceSessionsActive.Dec()
	})
}

func (s *Session) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.DegradedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case fr := <-s.frames:
			s.handleFrame(fr)
		case now := <-ticker.C:
			if now.Sub(s.lastFrame) < s.cfg.WatchdogTimeout {
				continue
			}
			if !s.degraded.Swap(true) {
				// Real readings must not leak into the simulated stream or
				// survive into the recovered one.
				s.filter = NewFilter()
				metrics.FaceDegradedTotal.Inc()
				s.logger.Warn("facial stream stalled, switching to degraded mode",
					"silence", now.Sub(s.lastFrame).String())
			}
			metrics.FaceFramesTotal.WithLabelValues("simulated").Inc()
			s.store(s.simulate(now), now)
		}
	}
}

func (s *Session) handleFrame(fr Frame) {
	now := time.Now()
	if fr.CapturedAt.IsZero() {
		fr.CapturedAt = now
	}
	if latency := now.Sub(fr.CapturedAt); latency > 0 {
		metrics.FaceFrameLatency.Observe(latency.Seconds())
	}
	if gap := now.Sub(s.lastFrame); gap > 0 {
		inst := float64(time.Second) / float64(gap)
		if s.fps == 0 {
			s.fps = inst
		} else {
			s.fps = fpsAlpha*inst + (1-fpsAlpha)*s.fps
		}
		metrics.FaceFPS.Observe(s.fps)
	}
	s.lastFrame = now

	if s.degraded.Swap(false) {
		s.logger.Info("facial stream recovered")
	}
	metrics.FaceFramesTotal.WithLabelValues("processed").Inc()
	s.process(fr, now)
}

// simulate produces degraded-mode metrics without touching the filter.
// Absence is the default; when a face is reported its readings are neutral
// and no blinks are claimed, so it never adds stress.
func (s *Session) simulate(now time.Time) signals.FaceMetrics {
	m := signals.FaceMetrics{Degraded: true, Timestamp: now}
	if s.cfg.PresenceChance <= 0 || s.rng.Float64() >= s.cfg.PresenceChance {
		return m
	}
	m.Present = true
	m.EAR = neutralEAR
	m.JawOpenness = neutralJaw
	m.BrowFurrow = neutralBrow
	m.GazeStability = neutralGaze
	return m
}

func (s *Session) process(fr Frame, now time.Time) {
	m := s.filter.Push(fr)
	m.FPS = s.fps
	m.LatencyMs = float64(now.Sub(fr.CapturedAt)) / float64(time.Millisecond)
	s.store(m, now)
}

func (s *Session) store(m signals.FaceMetrics, now time.Time) {
	s.latest.Store(&m)
	if s.publish != nil && now.Sub(s.lastPublish) >= s.cfg.PublishInterval {
		s.lastPublish = now
		s.publish(s.userID, m)
	}
}
