// Package ingest is the Result Ingestor (spec §4.10): reads the raw
// output tree under results/{job_id}/, canonicalizes it into a
// deterministic statistics document, and writes statistics/{job_id}.json.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/epam/syndicate-rule-engine-sub001/internal/blobstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
)

// rawMetadata mirrors the evaluator's metadata.json contract (spec §4.9).
type rawMetadata struct {
	PolicyName        string `json:"policy_name"`
	PolicyDescription string `json:"policy_description"`
	ResourceType      string `json:"resource_type"`
	OutputDir         string `json:"output_dir"`
}

type rawErrorEntry struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	At        string `json:"at"`
}

// RuleRegionResult is one (rule_id, region) line of the statistics document.
type RuleRegionResult struct {
	RuleID          string    `json:"rule_id"`
	Region          string    `json:"region"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	ResourcesScanned int      `json:"resources_scanned"`
	ElapsedSeconds  float64   `json:"elapsed_time"`
	FailedResources []string  `json:"failed_resources,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
}

// RulesSummary is the overall tally across all (rule, region) results.
type RulesSummary struct {
	Total    int `json:"total"`
	Disabled int `json:"disabled"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
}

// Statistics is the canonical document written to statistics/{job_id}.json.
type Statistics struct {
	JobID   string             `json:"job_id"`
	Results []RuleRegionResult `json:"results"`
	Summary RulesSummary       `json:"rules_summary"`
}

const maxFailedResourceSamples = 20

// Ingestor canonicalizes one job's raw output tree.
type Ingestor struct {
	blobs blobstore.Store
	store *recordstore.Store
}

func New(blobs blobstore.Store, store *recordstore.Store) *Ingestor {
	return &Ingestor{blobs: blobs, store: store}
}

// perRuleRegion accumulates raw resources and errors before the
// canonicalization tie-breaks are applied.
type perRuleRegion struct {
	ruleID, region string
	resourceType   string
	resources      map[string]struct{} // dedup key -> present
	errorKinds     []domain.ErrorKind
	errorMessage   string
}

// Ingest reads every results/{job_id}/{region}/{policy}/* entry listed
// by the blob store, canonicalizes per spec §4.10, and persists the
// statistics artifact plus the Job's artifact keys atomically.
func (i *Ingestor) Ingest(ctx context.Context, jobID string) (*Statistics, error) {
	job, err := i.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// The run bracket is the worker subprocess's own lifetime: one
	// invocation covers every (rule, region) pair in the job, so every
	// result line shares it. finishedAt falls back to now when ingest
	// runs ahead of the job's own terminal transition.
	startedAt := job.StartTime
	finishedAt := job.EndTime
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	elapsed := finishedAt.Sub(startedAt).Seconds()

	prefix := fmt.Sprintf("results/%s/", jobID)
	keys, err := i.blobs.List(ctx, prefix)
	if err != nil {
		return nil, errors.Internal("ingest: list results failed", err)
	}
	sort.Strings(keys)

	groups := make(map[string]*perRuleRegion)
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		parts := strings.SplitN(rel, "/", 3)
		if len(parts) < 3 {
			continue
		}
		region, policy, file := parts[0], parts[1], parts[2]
		groupKey := policy + "|" + region
		g, ok := groups[groupKey]
		if !ok {
			g = &perRuleRegion{ruleID: policy, region: region, resources: make(map[string]struct{})}
			groups[groupKey] = g
		}

		rc, err := i.blobs.Get(ctx, key)
		if err != nil {
			continue
		}
		var buf bytes.Buffer
		buf.ReadFrom(rc)
		rc.Close()

		switch file {
		case "metadata.json":
			var meta rawMetadata
			if json.Unmarshal(buf.Bytes(), &meta) == nil {
				g.resourceType = meta.ResourceType
			}
		case "resources.json":
			var resources []map[string]interface{}
			if json.Unmarshal(buf.Bytes(), &resources) == nil {
				for _, r := range resources {
					id := fmt.Sprintf("%v", r["id"])
					g.resources[id+"|"+region+"|"+g.resourceType] = struct{}{}
				}
			}
		case "errors.log":
			for _, line := range strings.Split(buf.String(), "\n") {
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				var e rawErrorEntry
				if json.Unmarshal([]byte(line), &e) == nil {
					g.errorKinds = append(g.errorKinds, domain.ErrorKind(e.Kind))
					g.errorMessage = e.Message
				}
			}
		}
	}

	results := make([]RuleRegionResult, 0, len(groups))
	for _, g := range groups {
		res := RuleRegionResult{
			RuleID:           g.ruleID,
			Region:           g.region,
			StartedAt:        startedAt,
			FinishedAt:       finishedAt,
			ElapsedSeconds:   elapsed,
			ResourcesScanned: len(g.resources),
		}
		if len(g.errorKinds) > 0 {
			res.Status = string(domain.FindingFailed)
			res.ErrorKind = string(domain.HighestPriorityErrorKind(g.errorKinds))
			res.ErrorMessage = g.errorMessage
		} else if len(g.resources) == 0 {
			res.Status = string(domain.FindingPassed)
		} else {
			res.Status = string(domain.FindingFailed)
			samples := make([]string, 0, len(g.resources))
			for r := range g.resources {
				samples = append(samples, r)
			}
			sort.Strings(samples)
			if len(samples) > maxFailedResourceSamples {
				samples = samples[:maxFailedResourceSamples]
			}
			res.FailedResources = samples
		}
		results = append(results, res)
	}

	for _, ruleID := range i.disabledRules(ctx, job, groups) {
		for _, region := range job.Regions {
			if _, ok := groups[ruleID+"|"+region]; ok {
				continue
			}
			results = append(results, RuleRegionResult{
				RuleID: ruleID,
				Region: region,
				Status: string(domain.FindingDisabled),
			})
		}
	}

	sort.Slice(results, func(a, b int) bool {
		if results[a].RuleID != results[b].RuleID {
			return results[a].RuleID < results[b].RuleID
		}
		return results[a].Region < results[b].Region
	})

	summary := RulesSummary{Total: len(results)}
	for _, r := range results {
		switch r.Status {
		case string(domain.FindingPassed):
			summary.Passed++
		case string(domain.FindingFailed):
			summary.Failed++
		case string(domain.FindingDisabled):
			summary.Disabled++
		}
	}

	stats := &Statistics{JobID: jobID, Results: results, Summary: summary}
	raw, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return nil, errors.Internal("ingest: encode statistics failed", err)
	}
	artifactKey := fmt.Sprintf("statistics/%s.json", jobID)
	if err := i.blobs.Put(ctx, artifactKey, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		return nil, errors.Internal("ingest: write statistics failed", err)
	}

	job.ResultArtifactKey = prefix
	job.StatisticsArtifactKey = artifactKey
	if err := i.store.Jobs.Update(ctx, jobID, job); err != nil {
		return nil, err
	}
	return stats, nil
}

// disabledRules reports every rule ID named in the job's compiled
// rulesets that produced no output group in any region: the Ruleset
// Compiler already strips tombstoned and tenant-excluded rules before
// compilation, so a rule that made it into the artifact but never
// appears in the raw output tree was skipped by the evaluator itself.
func (i *Ingestor) disabledRules(ctx context.Context, job *domain.Job, groups map[string]*perRuleRegion) []string {
	var expected []string
	for _, ref := range job.RuleSetRefs {
		rs, err := i.store.RuleSets.Get(ctx, path.Base(ref))
		if err != nil {
			continue
		}
		expected = append(expected, rs.RuleIDs...)
	}

	ran := make(map[string]struct{})
	for _, g := range groups {
		ran[g.ruleID] = struct{}{}
	}

	var disabled []string
	for _, ruleID := range expected {
		if _, ok := ran[ruleID]; !ok {
			disabled = append(disabled, ruleID)
		}
	}
	return disabled
}
