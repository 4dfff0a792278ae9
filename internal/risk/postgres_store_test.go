//go:build integration

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiltguard/internal/testutil"
)

func TestPostgresStore_RecordAndHistory(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	for i, v := range []Verdict{VerdictGo, VerdictHold, VerdictBlock} {
		a := &Assessment{
			ID: "asm_pg" + string(rune('a'+i)), UserID: "usr_pg", RiskScore: 30 * (i + 1),
			Confidence: 0.6, Verdict: v, Reasons: []string{}, WeightTableVersion: "v3",
			EvaluatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Record(ctx, a))
	}

	got, err := store.Get(ctx, "asm_pgb")
	require.NoError(t, err)
	assert.Equal(t, VerdictHold, got.Verdict)
	assert.Empty(t, got.PolicyID)

	_, err = store.Get(ctx, "asm_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := store.ListByUser(ctx, "usr_pg", 10, nil)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "asm_pgc", list[0].ID, "newest first")
}

func TestPostgresStore_SaveOverride(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	a := &Assessment{
		ID: "asm_ovr", UserID: "usr_pg", RiskScore: 70, Confidence: 0.6,
		Verdict: VerdictHold, Reasons: []string{}, WeightTableVersion: "v3", EvaluatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Record(ctx, a))

	o := &Override{By: "desk-lead", Reason: "hedge", At: time.Now().UTC()}
	require.NoError(t, store.SaveOverride(ctx, "asm_ovr", o))
	assert.ErrorIs(t, store.SaveOverride(ctx, "asm_ovr", o), ErrAlreadyOverridden)
	assert.ErrorIs(t, store.SaveOverride(ctx, "asm_none", o), ErrNotFound)

	got, err := store.Get(ctx, "asm_ovr")
	require.NoError(t, err)
	require.NotNil(t, got.Override)
	assert.Equal(t, "desk-lead", got.Override.By)
}
