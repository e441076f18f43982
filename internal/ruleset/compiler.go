// Package ruleset is the Ruleset Compiler (spec §4.5): turns a cloud +
// rule selector into a concrete, content-addressed policy bundle,
// reusing an existing READY artifact whenever the fingerprint repeats.
package ruleset

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/epam/syndicate-rule-engine-sub001/internal/blobstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/license"
	"github.com/epam/syndicate-rule-engine-sub001/internal/metrics"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/rules"
)

// Selector picks the candidate rule set for a compile request.
type Selector struct {
	Cloud          domain.CloudKind
	ExplicitRuleIDs []string // if set, used verbatim instead of catalog filters
	Standards      []string
	ServiceSections []string
	ExcludedRuleIDs []string
	LicenseAllowedRuleSets []string // empty means no license scoping
	LicenseKey     string          // if set, the compiled rule count is checked against its rule quota
}

type Compiler struct {
	store   *recordstore.Store
	catalog *rules.Catalog
	blobs   blobstore.Store
	license *license.Client
}

func New(store *recordstore.Store, catalog *rules.Catalog, blobs blobstore.Store, lic *license.Client) *Compiler {
	return &Compiler{store: store, catalog: catalog, blobs: blobs, license: lic}
}

// Compile executes the 5-step procedure from spec §4.5 and returns the
// artifact blob key of a READY RuleSet.
func (c *Compiler) Compile(ctx context.Context, sel Selector) (artifactKey string, err error) {
	start := time.Now()
	outcome := "ready"
	defer func() {
		if err != nil {
			outcome = "failed"
		}
		metrics.RulesetCompileDuration.WithLabelValues(string(sel.Cloud), outcome).Observe(time.Since(start).Seconds())
	}()

	// Step 1: materialize candidates.
	candidates, err := c.materialize(ctx, sel)
	if err != nil {
		return "", err
	}

	// Step 2: exclusions, then license allow-list intersection.
	excluded := toSet(sel.ExcludedRuleIDs)
	filtered := candidates[:0]
	for _, id := range candidates {
		if _, ok := excluded[id]; ok {
			continue
		}
		filtered = append(filtered, id)
	}
	if len(sel.LicenseAllowedRuleSets) > 0 {
		allowed := toSet(sel.LicenseAllowedRuleSets)
		scoped := filtered[:0]
		for _, id := range filtered {
			if _, ok := allowed[id]; ok {
				scoped = append(scoped, id)
			}
		}
		filtered = scoped
	}
	if len(filtered) == 0 {
		return "", errors.NoRules()
	}
	sort.Strings(filtered)

	if sel.LicenseKey != "" && c.license != nil {
		if err := c.license.CheckRuleQuota(ctx, sel.LicenseKey, len(filtered)); err != nil {
			return "", err
		}
	}

	// Step 3: fingerprint and reuse.
	fp := fingerprint(sel.Cloud, filtered)
	if existing := c.findReady(ctx, fp); existing != nil {
		return existing.ArtifactKey, nil
	}

	// Step 4: compile and write, guarded by optimistic CAS (step 5).
	name := fp
	rs := &domain.RuleSet{
		Name:    name,
		Version: "1",
		Cloud:   sel.Cloud,
		RuleIDs: filtered,
		Status:  domain.RuleSetCompiling,
		Fingerprint: fp,
	}
	if err := c.store.RuleSets.Create(ctx, name, rs); err != nil {
		// Another writer is already compiling (or already READY) this
		// fingerprint; check the winner's state before failing.
		if existing := c.findReady(ctx, fp); existing != nil {
			return existing.ArtifactKey, nil
		}
		return "", errors.Conflict(fmt.Sprintf("ruleset %q is being compiled concurrently", name))
	}

	bundle, err := c.assembleBundle(sel.Cloud, filtered)
	if err != nil {
		rs.Status = domain.RuleSetFailed
		rs.ErrorKind = "INTERNAL"
		_ = c.store.RuleSets.Update(ctx, name, rs)
		return "", errors.Internal("ruleset bundle assembly failed", err)
	}

	artifactKey = fmt.Sprintf("rulesets/%s/%s", sel.Cloud, fp)
	if err := c.blobs.Put(ctx, artifactKey, bytes.NewReader(bundle), int64(len(bundle)), "application/x-yaml"); err != nil {
		rs.Status = domain.RuleSetFailed
		rs.ErrorKind = "INTERNAL"
		_ = c.store.RuleSets.Update(ctx, name, rs)
		return "", errors.Internal("ruleset artifact write failed", err)
	}

	rs.ArtifactKey = artifactKey
	rs.Status = domain.RuleSetReady
	if err := c.store.RuleSets.Update(ctx, name, rs); err != nil {
		return "", errors.Conflict("ruleset compile lost the COMPILING->READY race")
	}
	return artifactKey, nil
}

func (c *Compiler) materialize(ctx context.Context, sel Selector) ([]string, error) {
	if len(sel.ExplicitRuleIDs) > 0 {
		return append([]string(nil), sel.ExplicitRuleIDs...), nil
	}
	var ids []string
	cursor := ""
	for {
		page, err := c.catalog.Query(ctx, rules.Query{Cloud: sel.Cloud, Cursor: cursor, Limit: 500})
		if err != nil {
			return nil, errors.Internal("rule catalog query failed", err)
		}
		for _, r := range page.Rules {
			if len(sel.Standards) > 0 && !hasAnyStandard(r, sel.Standards) {
				continue
			}
			if len(sel.ServiceSections) > 0 && !contains(sel.ServiceSections, r.ServiceSection) {
				continue
			}
			ids = append(ids, r.RuleID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return ids, nil
}

func (c *Compiler) findReady(ctx context.Context, fingerprint string) *domain.RuleSet {
	rs, err := c.store.RuleSets.Get(ctx, fingerprint)
	if err != nil || rs.Status != domain.RuleSetReady {
		return nil
	}
	return rs
}

// assembleBundle renders the policy bundle as a YAML document listing
// rule ids under the cloud, the format named in spec §4.5 step 4.
func (c *Compiler) assembleBundle(cloud domain.CloudKind, ruleIDs []string) ([]byte, error) {
	doc := struct {
		Cloud string   `yaml:"cloud"`
		Rules []string `yaml:"rules"`
	}{Cloud: string(cloud), Rules: ruleIDs}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	defer enc.Close()
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fingerprint hashes cloud + sorted rule ids so identical requests
// always resolve to the same RuleSet name (spec §4.5 step 3).
func fingerprint(cloud domain.CloudKind, sortedRuleIDs []string) string {
	h := sha256.New()
	io.WriteString(h, string(cloud))
	io.WriteString(h, "\n")
	io.WriteString(h, strings.Join(sortedRuleIDs, ","))
	return hex.EncodeToString(h.Sum(nil))
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, i := range items {
		m[i] = struct{}{}
	}
	return m
}

func contains(items []string, v string) bool {
	for _, i := range items {
		if i == v {
			return true
		}
	}
	return false
}

func hasAnyStandard(r *domain.Rule, standards []string) bool {
	for _, s := range r.Standards {
		if contains(standards, s.Standard) {
			return true
		}
	}
	return false
}
