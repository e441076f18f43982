package recordstore

import (
	"context"

	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/state"
)

// Store aggregates every typed repository the rest of the system needs.
// It is the single dependency components reach for persistence.
type Store struct {
	Tenants           *Repository[domain.Tenant]
	Licenses          *Repository[domain.License]
	RuleSources       *Repository[domain.RuleSource]
	Rules             *Repository[domain.Rule]
	RuleSets          *Repository[domain.RuleSet]
	Jobs              *Repository[domain.Job]
	ScheduledJobs     *Repository[domain.ScheduledJob]
	TenantSlots       *Repository[domain.TenantSlot]
	MetricSnapshots   *Repository[domain.MetricSnapshot]
	ResourceExceptions *Repository[domain.ResourceException]
	ReportStatistics  *Repository[domain.ReportStatistics]
	BatchResults      *Repository[domain.BatchResult]
}

// New wires a Store on top of a single PersistentState instance. Each
// entity gets its own key namespace via Repository's entity prefix, so
// one backend (in-memory for tests, Mongo-backed in production) serves
// every repository.
func New(ps *state.PersistentState) *Store {
	return &Store{
		Tenants: NewRepository(ps, "tenant",
			func(t *domain.Tenant) int64 { return t.Version },
			func(t *domain.Tenant, v int64) { t.Version = v }),
		Licenses: NewRepository(ps, "license",
			func(l *domain.License) int64 { return l.Version },
			func(l *domain.License, v int64) { l.Version = v }),
		RuleSources: NewRepository(ps, "rulesource",
			func(r *domain.RuleSource) int64 { return r.Version },
			func(r *domain.RuleSource, v int64) { r.Version = v }),
		Rules: NewRepository(ps, "rule",
			func(r *domain.Rule) int64 { return 0 },
			func(r *domain.Rule, v int64) {}),
		RuleSets: NewRepository(ps, "ruleset",
			func(r *domain.RuleSet) int64 { return r.RecordVersion },
			func(r *domain.RuleSet, v int64) { r.RecordVersion = v }),
		Jobs: NewRepository(ps, "job",
			func(j *domain.Job) int64 { return j.RecordVersion },
			func(j *domain.Job, v int64) { j.RecordVersion = v }),
		ScheduledJobs: NewRepository(ps, "scheduledjob",
			func(s *domain.ScheduledJob) int64 { return s.RecordVersion },
			func(s *domain.ScheduledJob, v int64) { s.RecordVersion = v }),
		TenantSlots: NewRepository(ps, "tenantslot",
			func(s *domain.TenantSlot) int64 { return s.RecordVersion },
			func(s *domain.TenantSlot, v int64) { s.RecordVersion = v }),
		MetricSnapshots: NewRepository(ps, "metricsnapshot",
			func(m *domain.MetricSnapshot) int64 { return 0 },
			func(m *domain.MetricSnapshot, v int64) {}),
		ResourceExceptions: NewRepository(ps, "resourceexception",
			func(r *domain.ResourceException) int64 { return 0 },
			func(r *domain.ResourceException, v int64) {}),
		ReportStatistics: NewRepository(ps, "reportstatistics",
			func(r *domain.ReportStatistics) int64 { return r.RecordVersion },
			func(r *domain.ReportStatistics, v int64) { r.RecordVersion = v }),
		BatchResults: NewRepository(ps, "batchresult",
			func(b *domain.BatchResult) int64 { return b.RecordVersion },
			func(b *domain.BatchResult, v int64) { b.RecordVersion = v }),
	}
}

// Close releases the underlying backend.
func (s *Store) Close(ctx context.Context) error {
	return s.Tenants.store.Close(ctx)
}
