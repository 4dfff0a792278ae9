package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/tiltguard/internal/analyst"
	"github.com/mbd888/tiltguard/internal/modality"
	"github.com/mbd888/tiltguard/internal/pagination"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id                   VARCHAR(40) PRIMARY KEY,
			user_id              VARCHAR(128) NOT NULL,
			policy_id            VARCHAR(40),
			risk_score           SMALLINT NOT NULL CHECK (risk_score >= 0 AND risk_score <= 100),
			confidence           DOUBLE PRECISION NOT NULL,
			contextual_risk      DOUBLE PRECISION NOT NULL DEFAULT 0,
			contributing         SMALLINT NOT NULL DEFAULT 0,
			verdict              VARCHAR(10) NOT NULL CHECK (verdict IN ('go', 'hold', 'block')),
			reasons              JSONB NOT NULL DEFAULT '[]',
			recommended_action   TEXT NOT NULL DEFAULT '',
			cooldown_seconds     INTEGER NOT NULL DEFAULT 0,
			modalities           JSONB NOT NULL DEFAULT '[]',
			flags                JSONB NOT NULL DEFAULT '{}',
			weight_table_version VARCHAR(32) NOT NULL,
			analysis             JSONB,
			override             JSONB,
			evaluated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_user
			ON risk_assessments (user_id, evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_blocks
			ON risk_assessments (evaluated_at DESC) WHERE verdict = 'block';
	`)
	return err
}

const selectAssessment = `
	SELECT id, user_id, COALESCE(policy_id, ''), risk_score, confidence, contextual_risk, contributing,
	       verdict, reasons, recommended_action, cooldown_seconds, modalities, flags,
	       weight_table_version, analysis, override, evaluated_at
	FROM risk_assessments`

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	reasons, err := json.Marshal(a.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	modalities, err := json.Marshal(a.Modalities)
	if err != nil {
		return fmt.Errorf("failed to marshal modalities: %w", err)
	}
	flags, err := json.Marshal(a.Flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}
	analysis, err := nullJSON(a.Analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (
			id, user_id, policy_id, risk_score, confidence, contextual_risk, contributing,
			verdict, reasons, recommended_action, cooldown_seconds, modalities, flags,
			weight_table_version, analysis, evaluated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		a.ID, a.UserID, a.PolicyID, a.RiskScore, a.Confidence, a.ContextualRisk, a.Contributing,
		string(a.Verdict), reasons, a.RecommendedAction, a.CooldownSeconds, modalities, flags,
		a.WeightTableVersion, analysis, a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Assessment, error) {
	a, err := scanAssessment(s.db.QueryRowContext(ctx, selectAssessment+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Assessment, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = s.db.QueryContext(ctx, selectAssessment+`
			WHERE user_id = $1 AND (evaluated_at, id) < ($3, $4)
			ORDER BY evaluated_at DESC, id DESC
			LIMIT $2
		`, userID, limit, before.CreatedAt, before.ID)
	} else {
		rows, err = s.db.QueryContext(ctx, selectAssessment+`
			WHERE user_id = $1
			ORDER BY evaluated_at DESC, id DESC
			LIMIT $2
		`, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveOverride(ctx context.Context, id string, o *Override) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE risk_assessments SET override = $2 WHERE id = $1 AND override IS NULL
	`, id, b)
	if err != nil {
		return fmt.Errorf("failed to save override: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyOverridden
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row scanner) (*Assessment, error) {
	var (
		a                         Assessment
		verdict                   string
		reasons, modalities, flgs []byte
		analysis, override        []byte
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.PolicyID, &a.RiskScore, &a.Confidence, &a.ContextualRisk,
		&a.Contributing, &verdict, &reasons, &a.RecommendedAction, &a.CooldownSeconds, &modalities, &flgs,
		&a.WeightTableVersion, &analysis, &override, &a.EvaluatedAt); err != nil {
		return nil, err
	}
	a.Verdict = Verdict(verdict)
	if err := json.Unmarshal(reasons, &a.Reasons); err != nil {
		return nil, fmt.Errorf("corrupt reasons for assessment %s: %w", a.ID, err)
	}
	if err := json.Unmarshal(modalities, &a.Modalities); err != nil {
		return nil, fmt.Errorf("corrupt modalities for assessment %s: %w", a.ID, err)
	}
	a.Flags = make(map[modality.Kind]map[string]bool)
	if err := json.Unmarshal(flgs, &a.Flags); err != nil {
		return nil, fmt.Errorf("corrupt flags for assessment %s: %w", a.ID, err)
	}
	if len(analysis) > 0 {
		a.Analysis = &analyst.Outcome{}
		if err := json.Unmarshal(analysis, a.Analysis); err != nil {
			return nil, fmt.Errorf("corrupt analysis for assessment %s: %w", a.ID, err)
		}
	}
	if len(override) > 0 {
		a.Override = &Override{}
		if err := json.Unmarshal(override, a.Override); err != nil {
			return nil, fmt.Errorf("corrupt override for assessment %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func nullJSON(v *analyst.Outcome) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
