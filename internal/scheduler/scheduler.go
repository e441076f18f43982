// Package scheduler is the Scheduler (spec §4.12): a ticker-driven
// index of enabled ScheduledJobs that submits a fresh Job through the
// Coordinator on every nominal fire, deduplicated via CAS on
// last_fire_time. Cron expression parsing uses robfig/cron/v3 in place
// of the teacher's hand-rolled minute-only parser.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/epam/syndicate-rule-engine-sub001/internal/credentials"
	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/jobs"
	"github.com/epam/syndicate-rule-engine-sub001/internal/logging"
	"github.com/epam/syndicate-rule-engine-sub001/internal/metrics"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/ruleset"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler owns the tick loop. Tick is exported for tests; Run wraps
// it in a time.Ticker loop for production use.
type Scheduler struct {
	mu          sync.Mutex
	store       *recordstore.Store
	coordinator *jobs.Coordinator
	log         *logging.Logger
	stopCh      chan struct{}
}

func New(store *recordstore.Store, coordinator *jobs.Coordinator, log *logging.Logger) *Scheduler {
	return &Scheduler{store: store, coordinator: coordinator, log: log, stopCh: make(chan struct{})}
}

// Run ticks every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick evaluates every enabled ScheduledJob and fires any whose next
// scheduled time is at or before now. A failing submission is logged
// but never blocks the remaining entries (spec §4.12).
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	entries, err := s.store.ScheduledJobs.List(ctx, "")
	if err != nil {
		s.log.LogError(ctx, "scheduler: list scheduled jobs failed", err, "")
		return
	}
	for _, entry := range entries {
		if !entry.Enabled {
			continue
		}
		schedule, err := parser.Parse(entry.ScheduleExpr)
		if err != nil {
			s.log.LogError(ctx, "scheduler: invalid schedule expression", err, "VALIDATION")
			continue
		}
		nextFire := schedule.Next(entry.LastFireTime)
		if nextFire.After(now) {
			continue
		}
		s.fire(ctx, entry, nextFire)
	}
}

// fire performs the CAS on last_fire_time (via the repository's
// RecordVersion-guarded Update) and, on success, submits the job.
// Losing the race — another scheduler instance already advanced
// last_fire_time for this nominal time — is not an error.
func (s *Scheduler) fire(ctx context.Context, entry *domain.ScheduledJob, nominalFireTime time.Time) {
	key := entry.CustomerID + "/" + entry.Name
	claim := *entry
	claim.LastFireTime = nominalFireTime
	if err := s.store.ScheduledJobs.Update(ctx, key, &claim); err != nil {
		return
	}
	*entry = claim

	tenant, err := s.store.Tenants.Get(ctx, entry.CustomerID+"/"+entry.TargetTenant)
	if err != nil {
		s.log.LogError(ctx, "scheduler: tenant lookup failed for scheduled job "+entry.Name, err, "")
		metrics.SchedulerFiresTotal.WithLabelValues("failed").Inc()
		return
	}

	sub := jobs.Submission{
		CustomerID: entry.CustomerID,
		Tenant:     entry.TargetTenant,
		Cloud:      tenant.Cloud,
		Regions:    entry.Regions,
		Submitter:  entry.OwningUser,
		LicenseKey: "", // resolved by the coordinator from tenant defaults
		RuleSetSelector: ruleset.Selector{ExplicitRuleIDs: entry.RuleSets},
		SubmitterEnv: &credentials.SubmitterEnv{},
	}
	if _, err := s.coordinator.Submit(ctx, sub); err != nil {
		s.log.LogError(ctx, "scheduler: submission failed for scheduled job "+entry.Name, err, "")
		metrics.SchedulerFiresTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.SchedulerFiresTotal.WithLabelValues("submitted").Inc()
}
