package audit

import (
	"context"
	"database/sql"

	"github.com/mbd888/tiltguard/internal/pagination"
)

// PostgresStore persists audit events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_events table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_events (
			id            VARCHAR(40) PRIMARY KEY,
			type          VARCHAR(40) NOT NULL,
			user_id       VARCHAR(128) NOT NULL,
			assessment_id VARCHAR(40) NOT NULL,
			policy_id     VARCHAR(40),
			verdict       VARCHAR(10) NOT NULL,
			risk_score    SMALLINT NOT NULL,
			actor         TEXT,
			detail        JSONB,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_audit_events_user
			ON audit_events (user_id, created_at DESC);
	`)
	return err
}

func (s *PostgresStore) AppendBatch(ctx context.Context, events []*Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO audit_events (id, type, user_id, assessment_id, policy_id, verdict, risk_score, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, NULLIF($8, ''), $9, $10)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		var detail any
		if len(ev.Detail) > 0 {
			detail = []byte(ev.Detail)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.Type, ev.UserID, ev.AssessmentID, ev.PolicyID, ev.Verdict, ev.RiskScore,
			ev.Actor, detail, ev.CreatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Event, error) {
	const cols = `SELECT id, type, user_id, assessment_id, COALESCE(policy_id, ''), verdict, risk_score,
	       COALESCE(actor, ''), detail, created_at FROM audit_events`
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = s.db.QueryContext(ctx, cols+`
			WHERE user_id = $1 AND (created_at, id) < ($3, $4)
			ORDER BY created_at DESC, id DESC LIMIT $2
		`, userID, limit, before.CreatedAt, before.ID)
	} else {
		rows, err = s.db.QueryContext(ctx, cols+`
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev := &Event{}
		var detail []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.UserID, &ev.AssessmentID, &ev.PolicyID, &ev.Verdict,
			&ev.RiskScore, &ev.Actor, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			ev.Detail = detail
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
