package baseline

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres-backed baseline store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the user_baselines table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_baselines (
			user_id                VARCHAR(128) PRIMARY KEY,
			reaction_time_mean     DOUBLE PRECISION NOT NULL DEFAULT 0,
			reaction_time_std      DOUBLE PRECISION NOT NULL DEFAULT 0,
			accuracy_mean          DOUBLE PRECISION NOT NULL DEFAULT 0,
			accuracy_std           DOUBLE PRECISION NOT NULL DEFAULT 0,
			mouse_stability_mean   DOUBLE PRECISION NOT NULL DEFAULT 0,
			mouse_stability_std    DOUBLE PRECISION NOT NULL DEFAULT 0,
			keystroke_rhythm_mean  DOUBLE PRECISION NOT NULL DEFAULT 0,
			keystroke_rhythm_std   DOUBLE PRECISION NOT NULL DEFAULT 0,
			calibration_count      INTEGER NOT NULL DEFAULT 0,
			last_calibrated        TIMESTAMPTZ,
			updated_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		ALTER TABLE user_baselines
			ADD COLUMN IF NOT EXISTS reaction_time_samples    INTEGER NOT NULL DEFAULT 0,
			ADD COLUMN IF NOT EXISTS accuracy_samples         INTEGER NOT NULL DEFAULT 0,
			ADD COLUMN IF NOT EXISTS mouse_stability_samples  INTEGER NOT NULL DEFAULT 0,
			ADD COLUMN IF NOT EXISTS keystroke_rhythm_samples INTEGER NOT NULL DEFAULT 0;
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, userID string) (*UserBaseline, error) {
	b := &UserBaseline{}
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, reaction_time_mean, reaction_time_std, accuracy_mean, accuracy_std,
		       mouse_stability_mean, mouse_stability_std, keystroke_rhythm_mean, keystroke_rhythm_std,
		       calibration_count, last_calibrated,
		       reaction_time_samples, accuracy_samples, mouse_stability_samples, keystroke_rhythm_samples
		FROM user_baselines WHERE user_id = $1
	`, userID).Scan(
		&b.UserID, &b.ReactionTimeMean, &b.ReactionTimeStd, &b.AccuracyMean, &b.AccuracyStd,
		&b.MouseStabilityMean, &b.MouseStabilityStd, &b.KeystrokeRhythmMean, &b.KeystrokeRhythmStd,
		&b.CalibrationCount, &last,
		&b.ReactionTimeSamples, &b.AccuracySamples, &b.MouseStabilitySamples, &b.KeystrokeRhythmSamples,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if last.Valid {
		b.LastCalibrated = last.Time
	}
	return b, nil
}

func (s *PostgresStore) Save(ctx context.Context, b *UserBaseline) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_baselines (
			user_id, reaction_time_mean, reaction_time_std, accuracy_mean, accuracy_std,
			mouse_stability_mean, mouse_stability_std, keystroke_rhythm_mean, keystroke_rhythm_std,
			calibration_count, last_calibrated,
			reaction_time_samples, accuracy_samples, mouse_stability_samples, keystroke_rhythm_samples,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			reaction_time_mean    = EXCLUDED.reaction_time_mean,
			reaction_time_std     = EXCLUDED.reaction_time_std,
			accuracy_mean         = EXCLUDED.accuracy_mean,
			accuracy_std          = EXCLUDED.accuracy_std,
			mouse_stability_mean  = EXCLUDED.mouse_stability_mean,
			mouse_stability_std   = EXCLUDED.mouse_stability_std,
			keystroke_rhythm_mean = EXCLUDED.keystroke_rhythm_mean,
			keystroke_rhythm_std  = EXCLUDED.keystroke_rhythm_std,
			calibration_count     = EXCLUDED.calibration_count,
			last_calibrated       = EXCLUDED.last_calibrated,
			reaction_time_samples    = EXCLUDED.reaction_time_samples,
			accuracy_samples         = EXCLUDED.accuracy_samples,
			mouse_stability_samples  = EXCLUDED.mouse_stability_samples,
			keystroke_rhythm_samples = EXCLUDED.keystroke_rhythm_samples,
			updated_at            = EXCLUDED.updated_at
	`,
		b.UserID, b.ReactionTimeMean, b.ReactionTimeStd, b.AccuracyMean, b.AccuracyStd,
		b.MouseStabilityMean, b.MouseStabilityStd, b.KeystrokeRhythmMean, b.KeystrokeRhythmStd,
		b.CalibrationCount, nullTime(b.LastCalibrated),
		b.ReactionTimeSamples, b.AccuracySamples, b.MouseStabilitySamples, b.KeystrokeRhythmSamples,
	)
	return err
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
