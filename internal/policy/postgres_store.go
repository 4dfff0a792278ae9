package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mbd888/tiltguard/internal/modality"
)

// PostgresStore persists trading policies in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the trading_policies table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS trading_policies (
			id                   TEXT PRIMARY KEY,
			name                 TEXT NOT NULL,
			risk_threshold       INTEGER NOT NULL,
			block_ceiling        INTEGER NOT NULL DEFAULT 80,
			cooldown_seconds     INTEGER NOT NULL DEFAULT 0,
			enabled_modes        JSONB NOT NULL DEFAULT '{}',
			override_allowed     BOOLEAN NOT NULL DEFAULT false,
			weight_table_version TEXT NOT NULL DEFAULT 'v3',
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (risk_threshold > 0 AND risk_threshold < block_ceiling)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_trading_policies_name ON trading_policies(name);
	`)
	return err
}

const selectPolicy = `
	SELECT id, name, risk_threshold, block_ceiling, cooldown_seconds, enabled_modes,
	       override_allowed, weight_table_version, created_at, updated_at
	FROM trading_policies`

func (p *PostgresStore) Create(ctx context.Context, pol *Policy) error {
	modes, err := json.Marshal(modesOrEmpty(pol.EnabledModes))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO trading_policies (id, name, risk_threshold, block_ceiling, cooldown_seconds,
			enabled_modes, override_allowed, weight_table_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		pol.ID, pol.Name, pol.RiskThreshold, pol.BlockCeiling, pol.CooldownSeconds,
		modes, pol.OverrideAllowed, pol.WeightTableVersion, pol.CreatedAt, pol.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrNameTaken
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Policy, error) {
	return scanPolicy(p.db.QueryRowContext(ctx, selectPolicy+` WHERE id = $1`, id))
}

func (p *PostgresStore) List(ctx context.Context) ([]*Policy, error) {
	rows, err := p.db.QueryContext(ctx, selectPolicy+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Policy
	for rows.Next() {
		pol, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pol)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, pol *Policy) error {
	modes, err := json.Marshal(modesOrEmpty(pol.EnabledModes))
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE trading_policies SET name = $2, risk_threshold = $3, block_ceiling = $4,
			cooldown_seconds = $5, enabled_modes = $6, override_allowed = $7,
			weight_table_version = $8, updated_at = $9
		WHERE id = $1`,
		pol.ID, pol.Name, pol.RiskThreshold, pol.BlockCeiling, pol.CooldownSeconds,
		modes, pol.OverrideAllowed, pol.WeightTableVersion, pol.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrNameTaken
	}
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM trading_policies WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row scanner) (*Policy, error) {
	pol := &Policy{}
	var modesJSON []byte
	err := row.Scan(&pol.ID, &pol.Name, &pol.RiskThreshold, &pol.BlockCeiling, &pol.CooldownSeconds,
		&modesJSON, &pol.OverrideAllowed, &pol.WeightTableVersion, &pol.CreatedAt, &pol.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(modesJSON) > 0 {
		if err := json.Unmarshal(modesJSON, &pol.EnabledModes); err != nil {
			return nil, fmt.Errorf("corrupt enabled_modes for policy %s: %w", pol.ID, err)
		}
	}
	if len(pol.EnabledModes) == 0 {
		pol.EnabledModes = nil
	}
	return pol, nil
}

func modesOrEmpty(m map[modality.Kind]bool) map[modality.Kind]bool {
	if m == nil {
		return map[modality.Kind]bool{}
	}
	return m
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
