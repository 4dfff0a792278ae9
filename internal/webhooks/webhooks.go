// Package webhooks delivers verdict alerts to external services.
//
// A risk desk registers a URL to be told when a trader is held, blocked,
// or overridden. Payloads are signed with HMAC-SHA256 using the per-
// subscription secret returned once at creation.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/tiltguard/internal/retry"
)

// Errors
var (
	ErrNotFound     = errors.New("webhooks: subscription not found")
	ErrInvalidEvent = errors.New("webhooks: unknown event type")
)

// EventType represents the type of webhook event
type EventType string

const (
	EventAssessmentHold     EventType = "assessment.hold"
	EventAssessmentBlock    EventType = "assessment.block"
	EventAssessmentOverride EventType = "assessment.override"
)

// Events lists every event type a subscription may select.
var Events = []EventType{EventAssessmentHold, EventAssessmentBlock, EventAssessmentOverride}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, e := range Events {
		if e == t {
			return true
		}
	}
	return false
}

// Signature and metadata headers sent with every delivery.
const (
	HeaderEvent     = "X-Tiltguard-Event"
	HeaderTimestamp = "X-Tiltguard-Timestamp"
	HeaderSignature = "X-Tiltguard-Signature"
)

// maxConsecutiveFailures deactivates a subscription whose endpoint keeps failing.
const maxConsecutiveFailures = 10

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription represents a webhook subscription. An empty UserID matches
// every user.
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId,omitempty"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription should receive ev for userID.
func (s *Subscription) Wants(userID string, ev EventType) bool {
	if !s.Active || (s.UserID != "" && s.UserID != userID) {
		return false
	}
	for _, e := range s.Events {
		if e == ev {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	// Matching returns the active subscriptions that want ev for userID.
	Matching(ctx context.Context, userID string, ev EventType) ([]*Subscription, error)
	// RecordDelivery stores the outcome of one delivery attempt.
	RecordDelivery(ctx context.Context, id string, deliveryErr error, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store  Store
	client *http.Client
	retry  retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry:  retry.Policy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

// WithRetry overrides the delivery retry policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.retry = p
	return d
}

// Dispatch delivers event to every subscription that wants it for userID
// and waits for all deliveries to finish. Delivery failures are recorded on
// the subscription, not returned.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.Matching(ctx, userID, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			deliveryErr := d.deliver(ctx, sub, event, payload)
			if deliveryErr != nil {
				d.logger.Warn("webhook delivery failed",
					"webhook_id", sub.ID, "event", event.Type, "error", deliveryErr)
			}
			if err := d.store.RecordDelivery(context.WithoutCancel(ctx), sub.ID, deliveryErr, d.now()); err != nil {
				d.logger.Error("failed to record webhook delivery", "webhook_id", sub.ID, "error", err)
			}
		}(sub)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	return d.retry.Do(ctx, func(int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, string(event.Type))
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
		if sub.Secret != "" {
			req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
			return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		default:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	})
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// applyDelivery updates sub in place with a delivery outcome.
func applyDelivery(sub *Subscription, deliveryErr error, at time.Time) {
	if deliveryErr == nil {
		t := at
		sub.LastSuccess = &t
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
		return
	}
	sub.LastError = deliveryErr.Error()
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= maxConsecutiveFailures {
		sub.Active = false
	}
}

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func cloneSub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]EventType(nil), s.Events...)
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		cp.LastSuccess = &t
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = cloneSub(sub)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return cloneSub(sub), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, cloneSub(sub))
	}
	sortByCreated(result)
	return result, nil
}

func (m *MemoryStore) Matching(_ context.Context, userID string, ev EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.Wants(userID, ev) {
			result = append(result, cloneSub(sub))
		}
	}
	return result, nil
}

func (m *MemoryStore) RecordDelivery(_ context.Context, id string, deliveryErr error, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return ErrNotFound
	}
	applyDelivery(sub, deliveryErr, at)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func sortByCreated(subs []*Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}
