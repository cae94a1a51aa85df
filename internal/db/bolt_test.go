package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aonescu/tiops/internal/types"
)

func newTestBolt(t *testing.T) (*BoltLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	ledger, err := NewBoltLedger(path)
	require.NoError(t, err)
	return ledger, path
}

func TestBoltLedger_ProcessedSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	ledger, path := newTestBolt(t)

	require.NoError(t, ledger.Record(ctx, testOutcome("k-final", types.StatusEnforcementApplied, time.Now())))
	require.NoError(t, ledger.Record(ctx, testOutcome("k-failed", types.StatusSubmissionFailed, time.Now())))
	require.NoError(t, ledger.Close())

	reopened, err := NewBoltLedger(path)
	require.NoError(t, err)
	defer reopened.Close()

	done, err := reopened.Processed(ctx, "k-final")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = reopened.Processed(ctx, "k-failed")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestBoltLedger_RecentAndStats(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestBolt(t)
	defer ledger.Close()

	for i := 0; i < 4; i++ {
		status := types.StatusVerificationLaunched
		if i == 3 {
			status = types.StatusVerificationSkipped
		}
		require.NoError(t, ledger.Record(ctx, testOutcome(fmt.Sprintf("k-%d", i), status, time.Now())))
	}

	recent, err := ledger.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "k-3", recent[0].SignalKey)
	assert.Equal(t, "k-1", recent[2].SignalKey)
	assert.Equal(t, "web-7f9c", recent[0].Matches[0].ResourceName)

	stats, err := ledger.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats[types.StatusVerificationLaunched])
	assert.Equal(t, 1, stats[types.StatusVerificationSkipped])
}
