//go:build integration

package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/tiltguard/internal/modality"
	"github.com/mbd888/tiltguard/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := &Policy{
		ID: "pol_pg", Name: "Desk", RiskThreshold: 60, BlockCeiling: 80, CooldownSeconds: 120,
		EnabledModes: map[modality.Kind]bool{modality.Voice: false}, OverrideAllowed: true,
		WeightTableVersion: "v3", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.Create(ctx, p))

	dup := *p
	dup.ID = "pol_other"
	assert.ErrorIs(t, store.Create(ctx, &dup), ErrNameTaken)

	got, err := store.Get(ctx, "pol_pg")
	require.NoError(t, err)
	assert.Equal(t, 60, got.RiskThreshold)
	assert.False(t, got.EnabledModes[modality.Voice])
	assert.True(t, got.OverrideAllowed)

	got.RiskThreshold = 55
	require.NoError(t, store.Update(ctx, got))
	got, err = store.Get(ctx, "pol_pg")
	require.NoError(t, err)
	assert.Equal(t, 55, got.RiskThreshold)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, "pol_pg"))
	_, err = store.Get(ctx, "pol_pg")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "pol_pg"), ErrPolicyNotFound)
}
