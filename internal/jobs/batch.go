package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
)

// batchWindow is the tumbling-window size for event-driven BatchResult
// coalescing (Open Question (a): fixed at 5 minutes, not sliding).
const batchWindow = 5 * time.Minute

// BatchAssembler coalesces resource-change events per tenant into
// BatchResult records. A window opens on the first event seen for a
// tenant and seals once Flush is called with a time past WindowEnd. An
// empty window produces no record — Flush only ever persists windows
// that received at least one event.
type BatchAssembler struct {
	store  *recordstore.Store
	window time.Duration

	mu   sync.Mutex
	open map[string]*domain.BatchResult // tenant -> in-flight window
}

func NewBatchAssembler(store *recordstore.Store) *BatchAssembler {
	return &BatchAssembler{store: store, window: batchWindow, open: make(map[string]*domain.BatchResult)}
}

// Record coalesces one resource-change event for the tenant, opening a
// fresh window if none is currently open or the prior one has already
// elapsed.
func (a *BatchAssembler) Record(ctx context.Context, tenant, jobID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.open[tenant]
	if !ok || at.After(b.WindowEnd) {
		b = &domain.BatchResult{
			ID:          uuid.NewString(),
			Tenant:      tenant,
			WindowStart: at,
			WindowEnd:   at.Add(a.window),
		}
		a.open[tenant] = b
	}
	b.EventCount++
	if jobID != "" {
		b.JobIDs = append(b.JobIDs, jobID)
	}
}

// Flush seals every open window whose WindowEnd is at or before now,
// persists it, and returns the sealed batch for the caller (the Job
// Coordinator) to act on. Windows that have not yet elapsed are left
// open.
func (a *BatchAssembler) Flush(ctx context.Context, now time.Time) ([]*domain.BatchResult, error) {
	a.mu.Lock()
	var ready []*domain.BatchResult
	for tenant, b := range a.open {
		if now.Before(b.WindowEnd) {
			continue
		}
		b.Sealed = true
		ready = append(ready, b)
		delete(a.open, tenant)
	}
	a.mu.Unlock()

	for _, b := range ready {
		if err := a.store.BatchResults.Create(ctx, b.ID, b); err != nil {
			return ready, err
		}
	}
	return ready, nil
}

// Run ticks every window/5 (a fraction of the coalescing window, so a
// sealed batch is observed promptly) calling Flush until ctx is done.
func (a *BatchAssembler) Run(ctx context.Context, onSealed func(*domain.BatchResult)) {
	ticker := time.NewTicker(a.window / 5)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sealed, _ := a.Flush(ctx, now.UTC())
			if onSealed == nil {
				continue
			}
			for _, b := range sealed {
				onSealed(b)
			}
		}
	}
}
