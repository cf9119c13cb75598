package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlasProtocol/internal/model"
)

// Runs against a disposable database named by ATLAS_TEST_PG_DSN.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("ATLAS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ATLAS_TEST_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	require.NoError(t, store.Migrate(ctx))
	_, err = store.pool.Exec(ctx, `TRUNCATE cvs_updates, watcher_state`)
	require.NoError(t, err)
	return store
}

func TestStoreOutcomes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	processed, err := store.IsProcessed(ctx, "0xaa", 1)
	require.NoError(t, err)
	assert.False(t, processed)

	outcome := model.UpdateOutcome{
		RunID:        "run-1",
		SaleTxHash:   "0xaa",
		SaleLogIndex: 1,
		BlockNumber:  42,
		VaultAddress: "0x11",
		IPID:         "0x0a",
		Licensee:     "0x22",
		SaleAmount:   "5000000000000000000",
		LicenseType:  "commercial",
		State:        model.StateFailed,
		FailedAt:     model.StateReading,
		ErrorKind:    "TransientChainError",
		ProcessedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, store.PutOutcome(ctx, outcome))

	outcome.State = model.StateVerified
	outcome.FailedAt = ""
	outcome.ErrorKind = ""
	outcome.NewCVS = "250000000000001000"
	require.NoError(t, store.PutOutcome(ctx, outcome))

	processed, err = store.IsProcessed(ctx, "0xaa", 1)
	require.NoError(t, err)
	assert.True(t, processed)

	var state, newCVS string
	require.NoError(t, store.pool.QueryRow(ctx, `SELECT state, new_cvs::text FROM cvs_updates WHERE sale_tx_hash='0xaa'`).Scan(&state, &newCVS))
	assert.Equal(t, "VERIFIED", state)
	assert.Equal(t, "250000000000001000", newCVS)
}

func TestStoreState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.LoadState(ctx, "vault")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveState(ctx, "vault", 100))
	require.NoError(t, store.SaveState(ctx, "vault", 150))

	block, ok, err := store.LoadState(ctx, "vault")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(150), block)

	_, _, err = store.LoadState(ctx, "")
	assert.Error(t, err)
}
