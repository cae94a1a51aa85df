package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aonescu/tiops/internal/types"
)

func outcome(key string, status types.OutcomeStatus) types.Outcome {
	return types.Outcome{
		SignalKey:  key,
		Kind:       types.Indicator,
		Identifier: key,
		Mode:       "cron",
		Status:     status,
		RecordedAt: time.Now(),
	}
}

func TestMemoryLedger_Processed(t *testing.T) {
	ctx := context.Background()
	ledger, err := NewMemoryLedger(16)
	if err != nil {
		t.Fatalf("NewMemoryLedger() failed: %v", err)
	}

	if err := ledger.Record(ctx, outcome("applied", types.StatusEnforcementApplied)); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}
	if err := ledger.Record(ctx, outcome("failed", types.StatusEnforcementFailed)); err != nil {
		t.Fatalf("Record() failed: %v", err)
	}

	done, _ := ledger.Processed(ctx, "applied")
	if !done {
		t.Error("Expected applied signal to be processed")
	}

	// Failures stay eligible for retry
	done, _ = ledger.Processed(ctx, "failed")
	if done {
		t.Error("Expected failed signal to remain unprocessed")
	}

	done, _ = ledger.Processed(ctx, "never-seen")
	if done {
		t.Error("Expected unknown key to be unprocessed")
	}
}

func TestMemoryLedger_RecentWrapsAround(t *testing.T) {
	ctx := context.Background()
	ledger, err := NewMemoryLedger(3)
	if err != nil {
		t.Fatalf("NewMemoryLedger() failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		ledger.Record(ctx, outcome(fmt.Sprintf("sig-%d", i), types.StatusNoMatch))
	}

	recent, err := ledger.Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(recent))
	}
	for i, want := range []string{"sig-4", "sig-3", "sig-2"} {
		if recent[i].SignalKey != want {
			t.Errorf("Expected %s at %d, got %s", want, i, recent[i].SignalKey)
		}
	}

	recent, _ = ledger.Recent(ctx, 1)
	if len(recent) != 1 || recent[0].SignalKey != "sig-4" {
		t.Errorf("Expected only sig-4, got %v", recent)
	}
}

func TestMemoryLedger_RecentBeforeFull(t *testing.T) {
	ctx := context.Background()
	ledger, _ := NewMemoryLedger(10)
	ledger.Record(ctx, outcome("a", types.StatusMatchFound))
	ledger.Record(ctx, outcome("b", types.StatusSkipped))

	recent, _ := ledger.Recent(ctx, 50)
	if len(recent) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(recent))
	}
	if recent[0].SignalKey != "b" {
		t.Errorf("Expected newest first, got %s", recent[0].SignalKey)
	}
}

func TestMemoryLedger_Stats(t *testing.T) {
	ctx := context.Background()
	ledger, _ := NewMemoryLedger(2)
	ledger.Record(ctx, outcome("a", types.StatusNoMatch))
	ledger.Record(ctx, outcome("b", types.StatusNoMatch))
	ledger.Record(ctx, outcome("c", types.StatusUndetermined))

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats[types.StatusNoMatch] != 2 {
		t.Errorf("Expected 2 no_match, got %d", stats[types.StatusNoMatch])
	}
	if stats[types.StatusUndetermined] != 1 {
		t.Errorf("Expected 1 undetermined, got %d", stats[types.StatusUndetermined])
	}
}
