package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/epam/syndicate-rule-engine-sub001/internal/blobstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/credentials"
	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/license"
	"github.com/epam/syndicate-rule-engine-sub001/internal/logging"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/rules"
	"github.com/epam/syndicate-rule-engine-sub001/internal/ruleset"
	"github.com/epam/syndicate-rule-engine-sub001/internal/secrets"
	"github.com/epam/syndicate-rule-engine-sub001/internal/state"
)

const coordinatorTestMasterKey = "1111111111111111111111111111111111111111111111111111111111111111"

type harness struct {
	store       *recordstore.Store
	coordinator *Coordinator
	license     *license.Client
}

func newHarness(t *testing.T, assumeRole credentials.AssumeRoleFunc) *harness {
	t.Helper()
	ps, err := state.NewPersistentState(state.DefaultConfig())
	if err != nil {
		t.Fatalf("new persistent state: %v", err)
	}
	store := recordstore.New(ps)

	backend, err := secrets.NewLocalBackend([]byte(coordinatorTestMasterKey))
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

	if assumeRole == nil {
		assumeRole = func(ctx context.Context, arn string, duration time.Duration) (credentials.Explicit, error) {
			return credentials.Explicit{}, nil
		}
	}
	resolver := credentials.New(assumeRole, credentials.EnvironmentPolicy{Allowed: false})

	logger := logging.New("test", "error", "text")
	coordinator := New(store, lic, resolver, compiler, broker, logger)
	return &harness{store: store, coordinator: coordinator, license: lic}
}

func seedTenant(t *testing.T, store *recordstore.Store, customerID, name string, regions []string) *domain.Tenant {
	t.Helper()
	tenant := &domain.Tenant{
		CustomerID:       customerID,
		Name:             name,
		Cloud:            domain.CloudAWS,
		ActivatedRegions: make(map[string]struct{}),
	}
	for _, r := range regions {
		tenant.ActivatedRegions[r] = struct{}{}
	}
	if err := store.Tenants.Create(context.Background(), tenant.Key(), tenant); err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return tenant
}

func seedLicense(t *testing.T, store *recordstore.Store, key string, quota int) {
	t.Helper()
	lic := &domain.License{
		LicenseKey:     key,
		RuleQuota:      100,
		JobQuotaPeriod: quota,
		ValidFrom:      time.Now().Add(-time.Hour),
		ValidUntil:     time.Now().Add(time.Hour),
	}
	if err := store.Licenses.Create(context.Background(), key, lic); err != nil {
		t.Fatalf("seed license: %v", err)
	}
}

func baseSubmission(customerID, tenant, licenseKey string) Submission {
	return Submission{
		CustomerID: customerID,
		Tenant:     tenant,
		Cloud:      domain.CloudAWS,
		Regions:    []string{"us-east-1"},
		LicenseKey: licenseKey,
		Submitter:  "alice",
		Explicit:   &credentials.Explicit{AccessKeyID: "k", SecretAccessKey: "s"},
		RuleSetSelector: ruleset.Selector{ExplicitRuleIDs: []string{"r1"}},
	}
}

func TestSubmitHappyPathReachesReady(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 5)

	job, err := h.coordinator.Submit(ctx, baseSubmission("acme", "prod", "lic-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.State != domain.JobReady {
		t.Fatalf("expected READY, got %s", job.State)
	}
	if job.SecretRef == "" {
		t.Fatalf("expected a sealed secret ref")
	}
	if len(job.RuleSetRefs) != 1 {
		t.Fatalf("expected one ruleset artifact ref, got %+v", job.RuleSetRefs)
	}

	lic, err := h.store.Licenses.Get(ctx, "lic-1")
	if err != nil {
		t.Fatalf("get license: %v", err)
	}
	if lic.JobQuotaPeriod != 4 {
		t.Fatalf("expected quota reserved, got %d", lic.JobQuotaPeriod)
	}
}

func TestSubmitRejectsUnactivatedRegion(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 5)

	sub := baseSubmission("acme", "prod", "lic-1")
	sub.Regions = []string{"eu-west-1"}
	_, err := h.coordinator.Submit(ctx, sub)
	if err == nil {
		t.Fatalf("expected validation error for unactivated region")
	}
	re, ok := errors.As(err)
	if !ok || re.Kind != errors.KindValidation {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

func TestSubmitRejectsCloudMismatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 5)

	sub := baseSubmission("acme", "prod", "lic-1")
	sub.Cloud = domain.CloudAzure
	_, err := h.coordinator.Submit(ctx, sub)
	if err == nil {
		t.Fatalf("expected validation error for cloud mismatch")
	}
	re, ok := errors.As(err)
	if !ok || re.Kind != errors.KindValidation {
		t.Fatalf("expected Validation error, got %v", err)
	}
}

func TestSubmitBusyWhenSlotHeldByActiveJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 5)

	if _, err := h.coordinator.Submit(ctx, baseSubmission("acme", "prod", "lic-1")); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	job, err := h.coordinator.Submit(ctx, baseSubmission("acme", "prod", "lic-1"))
	if err == nil {
		t.Fatalf("expected busy error on second concurrent submission")
	}
	re, ok := errors.As(err)
	if !ok || re.Kind != errors.KindBusy {
		t.Fatalf("expected Busy error, got %v", err)
	}
	if job.State != domain.JobFailed {
		t.Fatalf("expected failed job record, got %s", job.State)
	}

	lic, _ := h.store.Licenses.Get(ctx, "lic-1")
	if lic.JobQuotaPeriod != 4 {
		t.Fatalf("expected quota untouched by the rejected second submission, got %d", lic.JobQuotaPeriod)
	}
}

func TestSubmitAllowsSimultaneousWhenPermitted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 5)

	sub := baseSubmission("acme", "prod", "lic-1")
	sub.AllowSimultaneous = true
	if _, err := h.coordinator.Submit(ctx, sub); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := h.coordinator.Submit(ctx, sub); err != nil {
		t.Fatalf("second simultaneous submit should succeed: %v", err)
	}
}

func TestSubmitRefundsQuotaWhenCredentialResolutionFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 5)

	sub := baseSubmission("acme", "prod", "lic-1")
	sub.Explicit = nil // no explicit, no binding, env policy disallowed -> NoCredentials

	job, err := h.coordinator.Submit(ctx, sub)
	if err == nil {
		t.Fatalf("expected NoCredentials error")
	}
	re, ok := errors.As(err)
	if !ok || re.Kind != errors.KindNoCredentials {
		t.Fatalf("expected NoCredentials error, got %v", err)
	}
	if job.State != domain.JobFailed {
		t.Fatalf("expected job marked FAILED, got %s", job.State)
	}

	lic, _ := h.store.Licenses.Get(ctx, "lic-1")
	if lic.JobQuotaPeriod != 5 {
		t.Fatalf("expected quota refunded back to 5, got %d", lic.JobQuotaPeriod)
	}

	slot, err := h.store.TenantSlots.Get(ctx, "acme/prod")
	if err == nil {
		t.Fatalf("expected tenant slot released after failure, found %+v", slot)
	}
}

func TestSubmitRejectsLicenseQuotaExhausted(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 0)

	job, err := h.coordinator.Submit(ctx, baseSubmission("acme", "prod", "lic-1"))
	if err == nil {
		t.Fatalf("expected license quota error")
	}
	re, ok := errors.As(err)
	if !ok || re.Kind != errors.KindLicenseQuota {
		t.Fatalf("expected LicenseQuota error, got %v", err)
	}
	if job.State != domain.JobFailed {
		t.Fatalf("expected job marked FAILED, got %s", job.State)
	}
}

func TestJanitorSweepReclaimsExpiredSlotAndTimesOutHolder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 5)

	job, err := h.coordinator.Submit(ctx, baseSubmission("acme", "prod", "lic-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.coordinator.Transition(ctx, job.ID, domain.JobRunning); err != nil {
		t.Fatalf("transition to running: %v", err)
	}

	slot, err := h.store.TenantSlots.Get(ctx, "acme/prod")
	if err != nil {
		t.Fatalf("get slot: %v", err)
	}
	slot.AcquiredAt = time.Now().Add(-4 * time.Hour)
	if err := h.store.TenantSlots.Update(ctx, "acme/prod", slot); err != nil {
		t.Fatalf("age slot: %v", err)
	}

	reclaimed, err := h.coordinator.JanitorSweep(ctx, 3*time.Hour)
	if err != nil {
		t.Fatalf("janitor sweep: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed slot, got %d", reclaimed)
	}

	reloaded, err := h.store.Jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.State != domain.JobTimedOut {
		t.Fatalf("expected job TIMED_OUT after sweep, got %s", reloaded.State)
	}
}

func TestRequestCancelThenEnforceGraceTransitionsToCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 5)

	job, err := h.coordinator.Submit(ctx, baseSubmission("acme", "prod", "lic-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := h.coordinator.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	requestedAt := time.Now().Add(-time.Minute)
	if err := h.coordinator.EnforceCancelGrace(ctx, job.ID, requestedAt); err != nil {
		t.Fatalf("enforce cancel grace: %v", err)
	}

	reloaded, err := h.store.Jobs.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.State != domain.JobCancelled {
		t.Fatalf("expected CANCELLED, got %s", reloaded.State)
	}
}

func TestRequestCancelRejectsTerminalJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	seedTenant(t, h.store, "acme", "prod", []string{"us-east-1"})
	seedLicense(t, h.store, "lic-1", 5)

	job, err := h.coordinator.Submit(ctx, baseSubmission("acme", "prod", "lic-1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.coordinator.Transition(ctx, job.ID, domain.JobSucceeded); err != nil {
		t.Fatalf("transition: %v", err)
	}

	err = h.coordinator.RequestCancel(ctx, job.ID)
	if err == nil {
		t.Fatalf("expected conflict cancelling a terminal job")
	}
	re, ok := errors.As(err)
	if !ok || re.Kind != errors.KindConflict {
		t.Fatalf("expected Conflict error, got %v", err)
	}
}
