package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/state"
)

func newTestStore(t *testing.T) *recordstore.Store {
	t.Helper()
	ps, err := state.NewPersistentState(state.DefaultConfig())
	if err != nil {
		t.Fatalf("new persistent state: %v", err)
	}
	return recordstore.New(ps)
}

func TestBatchAssemblerCoalescesWithinWindow(t *testing.T) {
	store := newTestStore(t)
	a := NewBatchAssembler(store)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a.Record(ctx, "tenant-a", "job-1", start)
	a.Record(ctx, "tenant-a", "job-2", start.Add(2*time.Minute))

	sealed, err := a.Flush(ctx, start.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sealed) != 0 {
		t.Fatalf("expected no sealed batches before window elapses, got %d", len(sealed))
	}

	sealed, err = a.Flush(ctx, start.Add(batchWindow+time.Second))
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sealed) != 1 {
		t.Fatalf("expected exactly one sealed batch, got %d", len(sealed))
	}
	if sealed[0].EventCount != 2 {
		t.Fatalf("expected 2 coalesced events, got %d", sealed[0].EventCount)
	}
	if !sealed[0].Sealed {
		t.Fatalf("expected batch to be marked sealed")
	}
}

func TestBatchAssemblerEmptyWindowProducesNothing(t *testing.T) {
	store := newTestStore(t)
	a := NewBatchAssembler(store)
	ctx := context.Background()

	sealed, err := a.Flush(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sealed) != 0 {
		t.Fatalf("expected no sealed batches with no events recorded, got %d", len(sealed))
	}
}

func TestBatchAssemblerOpensFreshWindowAfterElapse(t *testing.T) {
	store := newTestStore(t)
	a := NewBatchAssembler(store)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a.Record(ctx, "tenant-a", "job-1", start)
	if _, err := a.Flush(ctx, start.Add(batchWindow+time.Second)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	later := start.Add(10 * time.Minute)
	a.Record(ctx, "tenant-a", "job-2", later)
	sealed, err := a.Flush(ctx, later.Add(batchWindow+time.Second))
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(sealed) != 1 || sealed[0].EventCount != 1 {
		t.Fatalf("expected a fresh single-event window, got %+v", sealed)
	}
}
