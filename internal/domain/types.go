// Package domain holds the data model shared across every component of
// the rule engine's job orchestration substrate (spec §3). Types here
// are plain structs with no behavior beyond small invariant helpers;
// persistence, caching, and transitions live in the owning component
// packages (jobs, ruleset, scheduler, ...).
package domain

import "time"

// CloudKind identifies the target cloud a Tenant scans.
type CloudKind string

const (
	CloudAWS        CloudKind = "AWS"
	CloudAzure      CloudKind = "AZURE"
	CloudGoogle     CloudKind = "GOOGLE"
	CloudKubernetes CloudKind = "KUBERNETES"
)

// Tenant is identified by (CustomerID, Name).
type Tenant struct {
	CustomerID       string
	Name             string
	Cloud            CloudKind
	NativeAccountID  string
	ActivatedRegions map[string]struct{}
	ExcludedRules    map[string]struct{}
	IncludedRules    map[string]struct{}
	CredentialsBindingARN string // assume-role ARN, empty if none registered
	Version          int64
}

// Key returns the Tenant's composite primary key.
func (t *Tenant) Key() string { return t.CustomerID + "/" + t.Name }

// Valid checks the Excluded ∩ Included = ∅ invariant from spec §3.
func (t *Tenant) Valid() bool {
	for r := range t.ExcludedRules {
		if _, ok := t.IncludedRules[r]; ok {
			return false
		}
	}
	return true
}

// RegionsActivated reports whether every region in regions is in the
// tenant's ActivatedRegions set.
func (t *Tenant) RegionsActivated(regions []string) bool {
	for _, r := range regions {
		if _, ok := t.ActivatedRegions[r]; !ok {
			return false
		}
	}
	return true
}

// SigningKey identifies the algorithm+key-id pair issued by the License Manager.
type SigningKey struct {
	KeyID     string
	Algorithm string
	SecretRef string // Secret Broker reference to the private key material
}

// License is identified by LicenseKey.
type License struct {
	LicenseKey      string
	AllowedRuleSets []string
	RuleQuota       int
	JobQuotaPeriod  int
	ValidFrom       time.Time
	ValidUntil      time.Time
	SigningKey      SigningKey
	TenantActivations map[string]struct{} // tenant keys activated against this license
	Version         int64
}

// Usable reports whether the license can be used at t (spec §3: "a
// license with valid_until < now is non-usable").
func (l *License) Usable(now time.Time) bool {
	return now.Before(l.ValidUntil) && !now.Before(l.ValidFrom)
}

// RuleSource references an external policy repository.
type RuleSource struct {
	ID              string
	URL             string
	Ref             string
	PathPrefix      string
	SealedSecretRef string
	OwningCustomer  string
	AllowedTenants  map[string]struct{}
	RestrictedTenants map[string]struct{}
	LastCommitHash  string
	Version         int64
}

// Rule is immutable per (RuleID, RuleVersion).
type Rule struct {
	RuleID           string
	RuleVersion      string
	Cloud            CloudKind
	ResourceType     string
	Severity         string
	Description      string
	ServiceSection   string
	Standards        []StandardControl
	MITRE            []MITREMapping
	Deprecated       bool
	Tombstoned       bool
	RuleSourceID     string
	CommitHash       string
}

// StandardControl maps a rule to a compliance standard + control id.
type StandardControl struct {
	Standard string
	Version  string
	Control  string
}

// MITREMapping maps a rule to an ATT&CK tactic/technique.
type MITREMapping struct {
	Tactic    string
	Technique string
}

// RuleSetStatus is the lifecycle status of a compiled RuleSet artifact.
type RuleSetStatus string

const (
	RuleSetCompiling RuleSetStatus = "COMPILING"
	RuleSetReady     RuleSetStatus = "READY"
	RuleSetFailed    RuleSetStatus = "FAILED"
)

// RuleSet is a named, versioned bundle of rule ids for a cloud.
type RuleSet struct {
	Name         string
	Version      string
	Cloud        CloudKind
	RuleIDs      []string
	Status       RuleSetStatus
	ArtifactKey  string
	Fingerprint  string
	LicenseKey   string
	ErrorKind    string
	RefCount     int
	RecordVersion int64
}

// JobState is a state in the Job Coordinator's state machine (spec §4.8).
type JobState string

const (
	JobSubmitted JobState = "SUBMITTED"
	JobReserved  JobState = "RESERVED"
	JobReady     JobState = "READY"
	JobRunning   JobState = "RUNNING"
	JobSucceeded JobState = "SUCCEEDED"
	JobFailed    JobState = "FAILED"
	JobCancelled JobState = "CANCELLED"
	JobTimedOut  JobState = "TIMED_OUT"
)

// Terminal reports whether s is a terminal state.
func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobTimedOut:
		return true
	default:
		return false
	}
}

// NonTerminalHoldsSlot reports whether a job in state s should hold a
// TenantSlot (spec Testable Property 1).
func (s JobState) NonTerminalHoldsSlot() bool {
	switch s {
	case JobReserved, JobReady, JobRunning:
		return true
	default:
		return false
	}
}

// Job is identified by a UUID.
type Job struct {
	ID               string
	CustomerID       string
	Tenant           string
	Cloud            CloudKind
	Regions          []string
	RuleSetRefs      []string
	LicenseKey       string
	Submitter        string
	SubmitTime       time.Time
	StartTime        time.Time
	EndTime          time.Time
	State            JobState
	ErrorKind        string
	ErrorMessage     string
	ResultArtifactKey     string
	StatisticsArtifactKey string
	AttemptCounter   int
	CancelRequested  bool
	SecretRef        string // sealed credentials handle
	RecordVersion    int64
}

// TenantSlot is the per-tenant concurrency token.
type TenantSlot struct {
	CustomerID string
	Tenant     string
	JobID      string
	AcquiredAt time.Time
	RecordVersion int64
}

// Key returns the TenantSlot's composite key.
func (s *TenantSlot) Key() string { return s.CustomerID + "/" + s.Tenant }

// ScheduledJob fires a fresh Job per nominal tick (spec §4.12).
type ScheduledJob struct {
	Name           string
	CustomerID     string
	ScheduleExpr   string // cron(...) or rate(...)
	Enabled        bool
	TargetTenant   string
	Regions        []string
	RuleSets       []string
	LastFireTime   time.Time
	OwningUser     string
	RecordVersion  int64
}

// BatchResult coalesces resource-change events within a tumbling window
// (spec Open Question (a), fixed at 5 minutes — see internal/jobs/batch.go).
type BatchResult struct {
	ID            string
	Tenant        string
	WindowStart   time.Time
	WindowEnd     time.Time
	EventCount    int
	JobIDs        []string
	Sealed        bool
	RecordVersion int64
}

// MetricSnapshot is a point-in-time per-tenant aggregation.
type MetricSnapshot struct {
	Tenant              string
	CustomerID          string
	AsOf                time.Time
	ResourceTypeCounts  map[string]int
	SeverityCounts      map[string]int
	MitreTacticToTechniqueToResources map[string]map[string][]string
	ComplianceRatios    map[string]float64 // "standard@version" -> ratio
	TopFindingResources []string
	RegionCoverage      map[string]int
	LastScanDate        time.Time
	LicenseSummaries    []string
}

// FindingStatus is the per-rule-per-resource evaluation outcome.
type FindingStatus string

const (
	FindingPassed   FindingStatus = "PASSED"
	FindingFailed   FindingStatus = "FAILED"
	FindingError    FindingStatus = "ERROR"
	FindingDisabled FindingStatus = "DISABLED"
)

// ErrorKind classifies a failure captured during scan ingestion (spec §4.10).
type ErrorKind string

const (
	ErrorCredentials ErrorKind = "CREDENTIALS"
	ErrorAccess      ErrorKind = "ACCESS"
	ErrorQuota       ErrorKind = "QUOTA"
	ErrorThrottling  ErrorKind = "THROTTLING"
	ErrorInternal    ErrorKind = "INTERNAL"
)

// errorKindPriority orders error kinds for the tie-break rule in spec §4.10.3:
// CREDENTIALS > ACCESS > QUOTA > THROTTLING > INTERNAL.
var errorKindPriority = map[ErrorKind]int{
	ErrorCredentials: 4,
	ErrorAccess:      3,
	ErrorQuota:       2,
	ErrorThrottling:  1,
	ErrorInternal:    0,
}

// HighestPriorityErrorKind returns the kind with the highest priority
// among kinds, per spec §4.10's tie-break order.
func HighestPriorityErrorKind(kinds []ErrorKind) ErrorKind {
	best := ErrorKind("")
	bestPriority := -1
	for _, k := range kinds {
		if p := errorKindPriority[k]; p > bestPriority {
			bestPriority = p
			best = k
		}
	}
	return best
}

// ResourceIdentity identifies a scanned cloud resource.
type ResourceIdentity struct {
	ARNOrNativeID string
	Name          string
	Type          string
	Location      string
}

// Finding is a single (rule, resource, region) evaluation outcome.
type Finding struct {
	RuleID       string
	Region       string
	Resource     ResourceIdentity
	Timestamp    time.Time
	Status       FindingStatus
	ErrorKind    ErrorKind
	ErrorMessage string
}

// ResourceExceptionKind distinguishes the three exception forms (spec §3).
type ResourceExceptionKind string

const (
	ExceptionByIdentity ResourceExceptionKind = "IDENTITY"
	ExceptionByARN      ResourceExceptionKind = "ARN"
	ExceptionByTagFilter ResourceExceptionKind = "TAG_FILTER"
)

// ResourceException suppresses matching findings from reports only.
type ResourceException struct {
	ID         string
	Tenant     string
	Kind       ResourceExceptionKind
	Type       string
	Location   string
	ResourceID string
	ARN        string
	TagFilter  map[string]string // conjunction of tag key/value pairs
	ExpireAt   time.Time
}

// Matches reports whether the exception suppresses f.
func (e *ResourceException) Matches(f Finding) bool {
	switch e.Kind {
	case ExceptionByIdentity:
		return e.Type == f.Resource.Type && e.Location == f.Resource.Location && e.ResourceID == f.Resource.ARNOrNativeID
	case ExceptionByARN:
		return e.ARN == f.Resource.ARNOrNativeID
	case ExceptionByTagFilter:
		// Tag matching is resolved against resource tags supplied by the
		// ingestor out-of-band; callers pass tags via MatchesTags.
		return false
	default:
		return false
	}
}

// MatchesTags evaluates a tag-filter exception's conjunction against a
// resource's tag set.
func (e *ResourceException) MatchesTags(tags map[string]string) bool {
	if e.Kind != ExceptionByTagFilter {
		return false
	}
	for k, v := range e.TagFilter {
		if tags[k] != v {
			return false
		}
	}
	return len(e.TagFilter) > 0
}

// ReportStatus is the lifecycle status of a ReportStatistics record.
type ReportStatus string

const (
	ReportPending   ReportStatus = "PENDING"
	ReportSucceeded ReportStatus = "SUCCEEDED"
	ReportFailed    ReportStatus = "FAILED"
	ReportDuplicate ReportStatus = "DUPLICATE"
)

// ReportType enumerates the report kinds spec §4.13 names.
type ReportType string

const (
	ReportOperational  ReportType = "OPERATIONAL"
	ReportProject      ReportType = "PROJECT"
	ReportDepartment   ReportType = "DEPARTMENT"
	ReportCLevel       ReportType = "C_LEVEL"
	ReportCompliance   ReportType = "COMPLIANCE"
	ReportDetails      ReportType = "DETAILS"
	ReportDigest       ReportType = "DIGEST"
	ReportErrors       ReportType = "ERRORS"
	ReportRules        ReportType = "RULES"
	ReportFindings     ReportType = "FINDINGS"
)

// ReportStatistics records the dispatch lifecycle of one report request.
type ReportStatistics struct {
	ID            string
	Entity        string // job_id or tenant, per spec §4.13
	ReportType    ReportType
	Status        ReportStatus
	Attempt       int
	NextRetryAt   time.Time
	LastError     string
	CreatedAt     time.Time
	RecordVersion int64
}

// DedupKey returns the (entity, report_type) pair used for retry-all
// deduplication.
func (r *ReportStatistics) DedupKey() string { return r.Entity + "|" + string(r.ReportType) }
