package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/epam/syndicate-rule-engine-sub001/internal/blobstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/credentials"
	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/jobs"
	"github.com/epam/syndicate-rule-engine-sub001/internal/license"
	"github.com/epam/syndicate-rule-engine-sub001/internal/logging"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/rules"
	"github.com/epam/syndicate-rule-engine-sub001/internal/ruleset"
	"github.com/epam/syndicate-rule-engine-sub001/internal/secrets"
	"github.com/epam/syndicate-rule-engine-sub001/internal/state"
)

const schedulerTestMasterKey = "2222222222222222222222222222222222222222222222222222222222222222"

func newSchedulerHarness(t *testing.T) (*Scheduler, *recordstore.Store) {
	t.Helper()
	ps, err := state.NewPersistentState(state.DefaultConfig())
	if err != nil {
		t.Fatalf("new persistent state: %v", err)
	}
	store := recordstore.New(ps)

	backend, err := secrets.NewLocalBackend([]byte(schedulerTestMasterKey))
	if err != nil {
		t.Fatalf("new local backend: %v", err)
	}
	broker := secrets.New(backend)

	catalog := rules.New(store)
	lic, err := license.New(license.Config{BaseURL: "http://localhost"}, broker, store)
	if err != nil {
		t.Fatalf("new license client: %v", err)
	}
	compiler := ruleset.New(store, catalog, blobstore.NewMemStore(), lic)
	resolver := credentials.New(func(ctx context.Context, arn string, d time.Duration) (credentials.Explicit, error) {
		return credentials.Explicit{}, nil
	}, credentials.EnvironmentPolicy{Allowed: true})

	logger := logging.New("test", "error", "text")
	coordinator := jobs.New(store, lic, resolver, compiler, broker, logger)
	return New(store, coordinator, logger), store
}

func seedTenant(t *testing.T, store *recordstore.Store) {
	t.Helper()
	tenant := &domain.Tenant{
		CustomerID:       "acme",
		Name:             "prod",
		Cloud:            domain.CloudAWS,
		ActivatedRegions: map[string]struct{}{"us-east-1": {}},
	}
	if err := store.Tenants.Create(context.Background(), tenant.Key(), tenant); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
}

func seedRule(t *testing.T, store *recordstore.Store) {
	t.Helper()
	if err := store.Rules.Create(context.Background(), "r1", &domain.Rule{RuleID: "r1", Cloud: domain.CloudAWS}); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
}

func TestTickFiresEligibleScheduledJob(t *testing.T) {
	s, store := newSchedulerHarness(t)
	seedTenant(t, store)
	seedRule(t, store)

	entry := &domain.ScheduledJob{
		Name:         "nightly",
		CustomerID:   "acme",
		ScheduleExpr: "* * * * *",
		Enabled:      true,
		TargetTenant: "prod",
		Regions:      []string{"us-east-1"},
		RuleSets:     []string{"r1"},
		OwningUser:   "alice",
		LastFireTime: time.Now().Add(-2 * time.Minute),
	}
	if err := store.ScheduledJobs.Create(context.Background(), "acme/nightly", entry); err != nil {
		t.Fatalf("seed scheduled job: %v", err)
	}

	s.Tick(context.Background(), time.Now())

	jobsList, err := store.Jobs.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobsList) != 1 {
		t.Fatalf("expected one job submitted, got %d", len(jobsList))
	}
}

func TestTickSkipsDisabledEntries(t *testing.T) {
	s, store := newSchedulerHarness(t)
	seedTenant(t, store)
	seedRule(t, store)

	entry := &domain.ScheduledJob{
		Name:         "nightly",
		CustomerID:   "acme",
		ScheduleExpr: "* * * * *",
		Enabled:      false,
		TargetTenant: "prod",
		Regions:      []string{"us-east-1"},
		LastFireTime: time.Now().Add(-2 * time.Minute),
	}
	if err := store.ScheduledJobs.Create(context.Background(), "acme/nightly", entry); err != nil {
		t.Fatalf("seed scheduled job: %v", err)
	}

	s.Tick(context.Background(), time.Now())

	jobsList, err := store.Jobs.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobsList) != 0 {
		t.Fatalf("expected no jobs submitted for disabled entry, got %d", len(jobsList))
	}
}

func TestTickDoesNotRefireBeforeNextScheduledMinute(t *testing.T) {
	s, store := newSchedulerHarness(t)
	seedTenant(t, store)
	seedRule(t, store)

	entry := &domain.ScheduledJob{
		Name:         "nightly",
		CustomerID:   "acme",
		ScheduleExpr: "* * * * *",
		Enabled:      true,
		TargetTenant: "prod",
		Regions:      []string{"us-east-1"},
		RuleSets:     []string{"r1"},
		LastFireTime: time.Now().Add(-2 * time.Minute),
	}
	if err := store.ScheduledJobs.Create(context.Background(), "acme/nightly", entry); err != nil {
		t.Fatalf("seed scheduled job: %v", err)
	}

	now := time.Now()
	s.Tick(context.Background(), now)
	s.Tick(context.Background(), now)

	jobsList, err := store.Jobs.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobsList) != 1 {
		t.Fatalf("expected exactly one job across two ticks at the same nominal time, got %d", len(jobsList))
	}
}

func TestTickIgnoresInvalidScheduleExpressionsWithoutBlockingOthers(t *testing.T) {
	s, store := newSchedulerHarness(t)
	seedTenant(t, store)
	seedRule(t, store)

	bad := &domain.ScheduledJob{
		Name:         "broken",
		CustomerID:   "acme",
		ScheduleExpr: "not a cron expression",
		Enabled:      true,
		TargetTenant: "prod",
		Regions:      []string{"us-east-1"},
		LastFireTime: time.Now().Add(-2 * time.Minute),
	}
	good := &domain.ScheduledJob{
		Name:         "nightly",
		CustomerID:   "acme",
		ScheduleExpr: "* * * * *",
		Enabled:      true,
		TargetTenant: "prod",
		Regions:      []string{"us-east-1"},
		RuleSets:     []string{"r1"},
		LastFireTime: time.Now().Add(-2 * time.Minute),
	}
	if err := store.ScheduledJobs.Create(context.Background(), "acme/broken", bad); err != nil {
		t.Fatalf("seed bad: %v", err)
	}
	if err := store.ScheduledJobs.Create(context.Background(), "acme/nightly", good); err != nil {
		t.Fatalf("seed good: %v", err)
	}

	s.Tick(context.Background(), time.Now())

	jobsList, err := store.Jobs.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobsList) != 1 {
		t.Fatalf("expected the valid entry to still fire despite the broken one, got %d", len(jobsList))
	}
}
