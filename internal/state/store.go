package state

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aonescu/tiops/internal/types"
)

// Ledger remembers loop outcomes so repeated invocations do not dispatch the
// same signal twice.
type Ledger interface {
	Record(ctx context.Context, outcome types.Outcome) error
	Processed(ctx context.Context, key string) (bool, error)
	Recent(ctx context.Context, limit int) ([]types.Outcome, error)
	Stats(ctx context.Context) (map[types.OutcomeStatus]int, error)
}

// In-memory implementation for fallback
type MemoryLedger struct {
	mu        sync.RWMutex
	outcomes  []types.Outcome
	next      int
	full      bool
	processed *lru.Cache[string, types.OutcomeStatus]
	counts    map[types.OutcomeStatus]int
}

// NewMemoryLedger keeps the last capacity outcomes and up to capacity
// processed keys.
func NewMemoryLedger(capacity int) (*MemoryLedger, error) {
	if capacity <= 0 {
		capacity = 1024
	}
	processed, err := lru.New[string, types.OutcomeStatus](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create processed set: %w", err)
	}
	return &MemoryLedger{
		outcomes:  make([]types.Outcome, capacity),
		processed: processed,
		counts:    make(map[types.OutcomeStatus]int),
	}, nil
}

func (l *MemoryLedger) Record(ctx context.Context, outcome types.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.outcomes[l.next] = outcome
	l.next = (l.next + 1) % len(l.outcomes)
	if l.next == 0 {
		l.full = true
	}
	l.counts[outcome.Status]++

	if outcome.Status.Final() && outcome.SignalKey != "" {
		l.processed.Add(outcome.SignalKey, outcome.Status)
	}
	return nil
}

func (l *MemoryLedger) Processed(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return l.processed.Contains(key), nil
}

// Recent returns outcomes newest first.
func (l *MemoryLedger) Recent(ctx context.Context, limit int) ([]types.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.next
	if l.full {
		size = len(l.outcomes)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	results := make([]types.Outcome, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (l.next - i + len(l.outcomes)) % len(l.outcomes)
		results = append(results, l.outcomes[idx])
	}
	return results, nil
}

func (l *MemoryLedger) Stats(ctx context.Context) (map[types.OutcomeStatus]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[types.OutcomeStatus]int, len(l.counts))
	for status, n := range l.counts {
		stats[status] = n
	}
	return stats, nil
}
