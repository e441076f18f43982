package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/epam/syndicate-rule-engine-sub001/internal/blobstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/state"
)

func newTestIngestor(t *testing.T) (*Ingestor, *blobstore.MemStore, *recordstore.Store) {
	t.Helper()
	ps, err := state.NewPersistentState(state.DefaultConfig())
	if err != nil {
		t.Fatalf("new persistent state: %v", err)
	}
	store := recordstore.New(ps)
	blobs := blobstore.NewMemStore()
	return New(blobs, store), blobs, store
}

func putJSON(t *testing.T, blobs *blobstore.MemStore, key, raw string) {
	t.Helper()
	if err := blobs.Put(context.Background(), key, bytes.NewBufferString(raw), int64(len(raw)), "application/json"); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func seedJob(t *testing.T, store *recordstore.Store, jobID string) {
	t.Helper()
	job := &domain.Job{
		ID:         jobID,
		CustomerID: "acme",
		Tenant:     "prod",
		State:      domain.JobRunning,
		StartTime:  time.Now().Add(-5 * time.Minute).UTC(),
		EndTime:    time.Now().UTC(),
	}
	if err := store.Jobs.Create(context.Background(), jobID, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
}

func TestIngestPassesWhenNoResourcesAndNoErrors(t *testing.T) {
	ing, blobs, store := newTestIngestor(t)
	seedJob(t, store, "job-1")
	putJSON(t, blobs, "results/job-1/us-east-1/rule-a/metadata.json", `{"resource_type":"aws.s3"}`)
	putJSON(t, blobs, "results/job-1/us-east-1/rule-a/resources.json", `[]`)

	stats, err := ing.Ingest(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(stats.Results) != 1 || stats.Results[0].Status != string(domain.FindingPassed) {
		t.Fatalf("expected single passed result, got %+v", stats.Results)
	}
	if stats.Summary.Passed != 1 || stats.Summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", stats.Summary)
	}
}

func TestIngestFailsWhenResourcesFound(t *testing.T) {
	ing, blobs, store := newTestIngestor(t)
	seedJob(t, store, "job-2")
	putJSON(t, blobs, "results/job-2/us-east-1/rule-a/metadata.json", `{"resource_type":"aws.s3"}`)
	putJSON(t, blobs, "results/job-2/us-east-1/rule-a/resources.json", `[{"id":"bucket-1"},{"id":"bucket-2"}]`)

	stats, err := ing.Ingest(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(stats.Results) != 1 {
		t.Fatalf("expected one result, got %+v", stats.Results)
	}
	r := stats.Results[0]
	if r.Status != string(domain.FindingFailed) || r.ResourcesScanned != 2 {
		t.Fatalf("expected failed with 2 resources, got %+v", r)
	}
}

func TestIngestErrorTakesPriorityOverResources(t *testing.T) {
	ing, blobs, store := newTestIngestor(t)
	seedJob(t, store, "job-3")
	putJSON(t, blobs, "results/job-3/us-east-1/rule-a/resources.json", `[{"id":"bucket-1"}]`)
	putJSON(t, blobs, "results/job-3/us-east-1/rule-a/errors.log",
		"{\"kind\":\"THROTTLING\",\"message\":\"rate limited\"}\n{\"kind\":\"CREDENTIALS\",\"message\":\"expired token\"}\n")

	stats, err := ing.Ingest(context.Background(), "job-3")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	r := stats.Results[0]
	if r.Status != string(domain.FindingFailed) || r.ErrorKind != string(domain.ErrorCredentials) {
		t.Fatalf("expected CREDENTIALS to win over THROTTLING, got %+v", r)
	}
}

func TestIngestDedupsResourcesByIDRegionType(t *testing.T) {
	ing, blobs, store := newTestIngestor(t)
	seedJob(t, store, "job-4")
	putJSON(t, blobs, "results/job-4/us-east-1/rule-a/metadata.json", `{"resource_type":"aws.s3"}`)
	putJSON(t, blobs, "results/job-4/us-east-1/rule-a/resources.json", `[{"id":"bucket-1"},{"id":"bucket-1"}]`)

	stats, err := ing.Ingest(context.Background(), "job-4")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stats.Results[0].ResourcesScanned != 1 {
		t.Fatalf("expected duplicate resource ids deduped, got %d", stats.Results[0].ResourcesScanned)
	}
}

func TestIngestPopulatesRunBracketTimestamps(t *testing.T) {
	ing, blobs, store := newTestIngestor(t)
	seedJob(t, store, "job-6")
	putJSON(t, blobs, "results/job-6/us-east-1/rule-a/resources.json", `[]`)

	stats, err := ing.Ingest(context.Background(), "job-6")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	job, err := store.Jobs.Get(context.Background(), "job-6")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	r := stats.Results[0]
	if !r.StartedAt.Equal(job.StartTime) || !r.FinishedAt.Equal(job.EndTime) {
		t.Fatalf("expected result timestamps to mirror the job run bracket, got %+v vs job %v/%v", r, job.StartTime, job.EndTime)
	}
	if r.ElapsedSeconds <= 0 {
		t.Fatalf("expected positive elapsed time, got %f", r.ElapsedSeconds)
	}
}

func TestIngestCountsDisabledRulesMissingFromOutput(t *testing.T) {
	ing, blobs, store := newTestIngestor(t)
	ctx := context.Background()

	job := &domain.Job{
		ID:          "job-7",
		CustomerID:  "acme",
		Tenant:      "prod",
		State:       domain.JobRunning,
		Regions:     []string{"us-east-1"},
		RuleSetRefs: []string{"rulesets/AWS/fp-1"},
		StartTime:   time.Now().Add(-time.Minute).UTC(),
		EndTime:     time.Now().UTC(),
	}
	if err := store.Jobs.Create(ctx, job.ID, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	rs := &domain.RuleSet{Name: "fp-1", Cloud: domain.CloudAWS, RuleIDs: []string{"rule-a", "rule-b"}, Status: domain.RuleSetReady}
	if err := store.RuleSets.Create(ctx, "fp-1", rs); err != nil {
		t.Fatalf("seed ruleset: %v", err)
	}
	putJSON(t, blobs, "results/job-7/us-east-1/rule-a/resources.json", `[]`)

	stats, err := ing.Ingest(ctx, "job-7")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stats.Summary.Disabled != 1 {
		t.Fatalf("expected rule-b to be counted disabled, got summary %+v", stats.Summary)
	}
	var found bool
	for _, r := range stats.Results {
		if r.RuleID == "rule-b" && r.Status == string(domain.FindingDisabled) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a DISABLED result entry for rule-b, got %+v", stats.Results)
	}
}

func TestIngestPersistsArtifactKeysOnJob(t *testing.T) {
	ing, blobs, store := newTestIngestor(t)
	seedJob(t, store, "job-5")
	putJSON(t, blobs, "results/job-5/us-east-1/rule-a/resources.json", `[]`)

	if _, err := ing.Ingest(context.Background(), "job-5"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	job, err := store.Jobs.Get(context.Background(), "job-5")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.StatisticsArtifactKey != "statistics/job-5.json" {
		t.Fatalf("unexpected statistics artifact key: %s", job.StatisticsArtifactKey)
	}
	if job.ResultArtifactKey == "" {
		t.Fatalf("expected result artifact key set")
	}
}
