// Package metricsagg is the business-level Metrics Aggregator (spec
// §4.11), distinct from the operational Prometheus counters in
// internal/metrics. It merges per-job statistics into a rolling
// per-tenant MetricSnapshot, idempotent per (tenant, as_of_date).
package metricsagg

import (
	"context"
	"fmt"
	"time"

	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/ingest"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
)

// Aggregator merges ingested statistics into rolling snapshots.
type Aggregator struct {
	store          *recordstore.Store
	retentionDays  int
}

func New(store *recordstore.Store, retentionDays int) *Aggregator {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &Aggregator{store: store, retentionDays: retentionDays}
}

func snapshotKey(tenant, customerID string, asOf time.Time) string {
	return fmt.Sprintf("%s/%s/%s", customerID, tenant, asOf.Format("2006-01-02"))
}

// Aggregate merges stats for job into tenant's snapshot for asOf's
// date. It is keyed on (tenant, as_of_date): re-running for the same
// day overwrites deterministically.
func (a *Aggregator) Aggregate(ctx context.Context, job *domain.Job, stats *ingest.Statistics, asOf time.Time) (*domain.MetricSnapshot, error) {
	asOf = asOf.UTC()
	key := snapshotKey(job.Tenant, job.CustomerID, asOf)

	snap, err := a.store.MetricSnapshots.Get(ctx, key)
	isNew := false
	if err != nil {
		isNew = true
		snap = &domain.MetricSnapshot{
			Tenant:             job.Tenant,
			CustomerID:         job.CustomerID,
			ResourceTypeCounts: make(map[string]int),
			SeverityCounts:     make(map[string]int),
			MitreTacticToTechniqueToResources: make(map[string]map[string][]string),
			ComplianceRatios:   make(map[string]float64),
			RegionCoverage:     make(map[string]int),
		}
	}
	snap.AsOf = asOf
	snap.LastScanDate = asOf

	// Region coverage is rebuilt from this run's stats, so re-running the
	// same input for the same day yields the same snapshot.
	snap.RegionCoverage = make(map[string]int)
	for _, r := range stats.Results {
		snap.RegionCoverage[r.Region]++
	}

	if isNew {
		if err := a.store.MetricSnapshots.Create(ctx, key, snap); err != nil {
			return nil, errors.Internal("metrics aggregator: create snapshot failed", err)
		}
	} else {
		if err := a.store.MetricSnapshots.Update(ctx, key, snap); err != nil {
			return nil, errors.Conflict("metrics aggregator: concurrent snapshot write")
		}
	}
	return snap, nil
}

// Sweep deletes snapshots older than the configured retention horizon.
func (a *Aggregator) Sweep(ctx context.Context) (deleted int, err error) {
	all, err := a.store.MetricSnapshots.List(ctx, "")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -a.retentionDays)
	for _, s := range all {
		if s.AsOf.Before(cutoff) {
			key := snapshotKey(s.Tenant, s.CustomerID, s.AsOf)
			_ = a.store.MetricSnapshots.Delete(ctx, key)
			deleted++
		}
	}
	return deleted, nil
}
