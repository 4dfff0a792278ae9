// Package audit records an append-only trail of assessment decisions and
// operator overrides.
//
// Writes are asynchronous and best-effort: a full buffer drops the event
// and a failed batch is logged and counted, never surfaced to the caller.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/tiltguard/internal/pagination"
)

// Event types.
const (
	EventAssessmentCompleted = "assessment.completed"
	EventAssessmentOverride  = "assessment.override"
)

// Event is one audit record.
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	UserID       string          `json:"userId"`
	AssessmentID string          `json:"assessmentId"`
	PolicyID     string          `json:"policyId,omitempty"`
	Verdict      string          `json:"verdict"`
	RiskScore    int             `json:"riskScore"`
	Actor        string          `json:"actor,omitempty"` // operator for overrides
	Detail       json.RawMessage `json:"detail,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store persists audit events.
type Store interface {
	AppendBatch(ctx context.Context, events []*Event) error
	ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Event, error)
}
