// Package jobs is the Job Coordinator (spec §4.8): the admission
// algorithm, the tenant-concurrency slot lock, and the
// SUBMITTED→RESERVED→READY→RUNNING→{terminal} state machine.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/epam/syndicate-rule-engine-sub001/internal/credentials"
	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/license"
	"github.com/epam/syndicate-rule-engine-sub001/internal/logging"
	"github.com/epam/syndicate-rule-engine-sub001/internal/metrics"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/ruleset"
	"github.com/epam/syndicate-rule-engine-sub001/internal/secrets"
)

// Submission is one incoming scan request.
type Submission struct {
	CustomerID      string
	Tenant          string
	Cloud           domain.CloudKind // must match the tenant's own cloud (spec §4.8 step 1)
	Regions         []string
	RuleSetSelector ruleset.Selector
	LicenseKey      string
	Submitter       string
	Explicit        *credentials.Explicit
	Binding         *credentials.Binding
	SubmitterEnv    *credentials.SubmitterEnv
	AllowSimultaneous bool
	SlotTTL         time.Duration
}

// Coordinator runs the admission algorithm and owns job lifecycle
// transitions.
type Coordinator struct {
	store     *recordstore.Store
	license   *license.Client
	resolver  *credentials.Resolver
	compiler  *ruleset.Compiler
	broker    *secrets.Broker
	log       *logging.Logger
	slotTTL   time.Duration
	cancelGrace time.Duration
}

func New(store *recordstore.Store, lic *license.Client, resolver *credentials.Resolver, compiler *ruleset.Compiler, broker *secrets.Broker, log *logging.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		license:     lic,
		resolver:    resolver,
		compiler:    compiler,
		broker:      broker,
		log:         log,
		slotTTL:     3 * time.Hour,
		cancelGrace: 30 * time.Second,
	}
}

// Submit runs the full admission algorithm from spec §4.8 and returns
// either a job in READY state or a terminal FAILED job carrying the
// classified error. The coordinator does not push READY jobs onto a
// worker queue.
func (c *Coordinator) Submit(ctx context.Context, s Submission) (*domain.Job, error) {
	tenant, err := c.store.Tenants.Get(ctx, s.CustomerID+"/"+s.Tenant)
	if err != nil {
		return nil, err
	}
	if s.Cloud != tenant.Cloud {
		return nil, errors.Validation("cloud", "requested cloud does not match the tenant's cloud")
	}
	if !tenant.RegionsActivated(s.Regions) {
		return nil, errors.Validation("regions", "not all requested regions are activated for this tenant")
	}

	job := &domain.Job{
		ID:         uuid.NewString(),
		CustomerID: s.CustomerID,
		Tenant:     s.Tenant,
		Cloud:      tenant.Cloud,
		Regions:    s.Regions,
		LicenseKey: s.LicenseKey,
		Submitter:  s.Submitter,
		SubmitTime: time.Now().UTC(),
		State:      domain.JobSubmitted,
	}
	if err := c.store.Jobs.Create(ctx, job.ID, job); err != nil {
		return nil, err
	}

	// Step 2: tenant-concurrency lock.
	slotTTL := s.SlotTTL
	if slotTTL <= 0 {
		slotTTL = c.slotTTL
	}
	if !s.AllowSimultaneous {
		acquired, err := c.acquireSlot(ctx, s.CustomerID, s.Tenant, job.ID, slotTTL)
		if err != nil {
			return c.fail(ctx, job, errors.Internal("slot acquisition failed", err))
		}
		if !acquired {
			return c.fail(ctx, job, errors.Busy(s.Tenant))
		}
	}
	job.State = domain.JobReserved
	if err := c.store.Jobs.Update(ctx, job.ID, job); err != nil {
		return nil, err
	}

	// Step 3: license & quota.
	if err := c.license.Reserve(ctx, s.LicenseKey); err != nil {
		c.releaseSlot(ctx, s.CustomerID, s.Tenant, job.ID)
		return c.fail(ctx, job, err)
	}

	// Step 4: credentials.
	env, err := c.resolver.Resolve(ctx, tenant, s.Explicit, s.Binding, s.SubmitterEnv)
	if err != nil {
		_ = c.license.Refund(ctx, s.LicenseKey)
		c.releaseSlot(ctx, s.CustomerID, s.Tenant, job.ID)
		return c.fail(ctx, job, err)
	}
	envJSON, _ := json.Marshal(env.Env)
	secretRef, err := c.broker.Seal(ctx, envJSON)
	env.Close()
	if err != nil {
		_ = c.license.Refund(ctx, s.LicenseKey)
		c.releaseSlot(ctx, s.CustomerID, s.Tenant, job.ID)
		return c.fail(ctx, job, err)
	}
	job.SecretRef = secretRef

	// Step 5: compile ruleset, then transition to READY.
	selector := s.RuleSetSelector
	selector.Cloud = tenant.Cloud
	selector.LicenseKey = s.LicenseKey
	artifactKey, err := c.compiler.Compile(ctx, selector)
	if err != nil {
		_ = c.broker.Forget(ctx, secretRef)
		_ = c.license.Refund(ctx, s.LicenseKey)
		c.releaseSlot(ctx, s.CustomerID, s.Tenant, job.ID)
		return c.fail(ctx, job, err)
	}
	job.RuleSetRefs = []string{artifactKey}
	job.State = domain.JobReady
	if err := c.store.Jobs.Update(ctx, job.ID, job); err != nil {
		return nil, err
	}
	c.log.LogJobTransition(ctx, job.ID, string(domain.JobReserved), string(domain.JobReady), "")
	metrics.JobsSubmittedTotal.WithLabelValues("admitted").Inc()
	metrics.JobsStateTransitionsTotal.WithLabelValues(string(domain.JobReady)).Inc()
	return job, nil
}

func (c *Coordinator) fail(ctx context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	re, _ := errors.As(cause)
	job.State = domain.JobFailed
	if re != nil {
		job.ErrorKind = string(re.Kind)
		job.ErrorMessage = re.Message
	} else {
		job.ErrorKind = "INTERNAL"
		job.ErrorMessage = cause.Error()
	}
	_ = c.store.Jobs.Update(ctx, job.ID, job)
	c.log.LogJobTransition(ctx, job.ID, "", string(domain.JobFailed), job.ErrorKind)
	metrics.JobsSubmittedTotal.WithLabelValues("rejected").Inc()
	metrics.JobsStateTransitionsTotal.WithLabelValues(string(domain.JobFailed)).Inc()
	return job, cause
}

func slotKey(customerID, tenant string) string {
	return fmt.Sprintf("%s/%s", customerID, tenant)
}

// acquireSlot performs the conditional write described in spec §4.8:
// a TenantSlot keyed by (customer, tenant) with expected prior value
// absent. If a slot exists but is older than ttl it is reclaimed, and
// the previous holder is force-transitioned to TIMED_OUT.
func (c *Coordinator) acquireSlot(ctx context.Context, customerID, tenant, jobID string, ttl time.Duration) (bool, error) {
	key := slotKey(customerID, tenant)
	slot := &domain.TenantSlot{CustomerID: customerID, Tenant: tenant, JobID: jobID, AcquiredAt: time.Now().UTC()}
	if err := c.store.TenantSlots.Create(ctx, key, slot); err == nil {
		return true, nil
	}

	existing, err := c.store.TenantSlots.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if time.Since(existing.AcquiredAt) <= ttl {
		return false, nil
	}

	// Reclaim: force the previous holder to TIMED_OUT, then take the slot.
	if prevJob, err := c.store.Jobs.Get(ctx, existing.JobID); err == nil && !prevJob.State.Terminal() {
		prevJob.State = domain.JobTimedOut
		prevJob.ErrorKind = string(errors.KindTimedOut)
		_ = c.store.Jobs.Update(ctx, prevJob.ID, prevJob)
		c.log.LogJobTransition(ctx, prevJob.ID, "", string(domain.JobTimedOut), string(errors.KindTimedOut))
	}
	existing.JobID = jobID
	existing.AcquiredAt = time.Now().UTC()
	if err := c.store.TenantSlots.Update(ctx, key, existing); err != nil {
		return false, nil
	}
	return true, nil
}

// releaseSlot deletes the tenant's concurrency slot if jobID still holds
// it. It runs on a terminal transition and when admission fails after
// the slot was taken.
func (c *Coordinator) releaseSlot(ctx context.Context, customerID, tenant, jobID string) {
	key := slotKey(customerID, tenant)
	existing, err := c.store.TenantSlots.Get(ctx, key)
	if err != nil || existing.JobID != jobID {
		return
	}
	_ = c.store.TenantSlots.Delete(ctx, key)
}

// Transition moves a job to state to, stamping StartTime on RUNNING and
// EndTime on a terminal state, and releases the tenant slot once the
// new state is terminal.
func (c *Coordinator) Transition(ctx context.Context, jobID string, to domain.JobState) error {
	job, err := c.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	from := job.State
	job.State = to
	if to == domain.JobRunning {
		job.StartTime = time.Now().UTC()
	}
	if to.Terminal() {
		job.EndTime = time.Now().UTC()
	}
	if err := c.store.Jobs.Update(ctx, jobID, job); err != nil {
		return err
	}
	c.log.LogJobTransition(ctx, jobID, string(from), string(to), job.ErrorKind)
	metrics.JobsStateTransitionsTotal.WithLabelValues(string(to)).Inc()
	if to.Terminal() {
		c.releaseSlot(ctx, job.CustomerID, job.Tenant, job.ID)
	}
	return nil
}

// RequestCancel sets cancel_requested on a job for the worker to
// observe at its next cooperative checkpoint.
func (c *Coordinator) RequestCancel(ctx context.Context, jobID string) error {
	job, err := c.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return errors.Conflict(fmt.Sprintf("job %q is already terminal", jobID))
	}
	job.CancelRequested = true
	return c.store.Jobs.Update(ctx, jobID, job)
}

// EnforceCancelGrace force-transitions a job to CANCELLED if cancel
// was requested more than cancel_grace ago and the worker has not
// reached a terminal state on its own.
func (c *Coordinator) EnforceCancelGrace(ctx context.Context, jobID string, requestedAt time.Time) error {
	if time.Since(requestedAt) < c.cancelGrace {
		return nil
	}
	job, err := c.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	return c.Transition(ctx, jobID, domain.JobCancelled)
}

// JanitorSweep reclaims expired TenantSlots across all tenants,
// timing out whichever job was holding a slot past its TTL.
func (c *Coordinator) JanitorSweep(ctx context.Context, ttl time.Duration) (reclaimed int, err error) {
	slots, err := c.store.TenantSlots.List(ctx, "")
	if err != nil {
		return 0, err
	}
	for _, slot := range slots {
		if time.Since(slot.AcquiredAt) <= ttl {
			continue
		}
		job, err := c.store.Jobs.Get(ctx, slot.JobID)
		if err != nil || job.State.Terminal() {
			_ = c.store.TenantSlots.Delete(ctx, slotKey(slot.CustomerID, slot.Tenant))
			continue
		}
		job.State = domain.JobTimedOut
		job.ErrorKind = string(errors.KindTimedOut)
		_ = c.store.Jobs.Update(ctx, job.ID, job)
		_ = c.store.TenantSlots.Delete(ctx, slotKey(slot.CustomerID, slot.Tenant))
		c.log.LogJobTransition(ctx, job.ID, "", string(domain.JobTimedOut), string(errors.KindTimedOut))
		metrics.TenantSlotReclaimsTotal.Inc()
		reclaimed++
	}
	return reclaimed, nil
}
