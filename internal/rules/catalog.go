// Package rules is the Rule Catalog (spec §4.4): clones or fetches
// each configured RuleSource at its pinned ref, walks files under the
// configured path prefix, and indexes the parsed Rule records. Git
// access is via go-git/v5, the git implementation already present in
// the retrieval pack's dependency surface (gardener-gardener).
package rules

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gitmem "github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-git/go-billy/v5/memfs"
	"gopkg.in/yaml.v3"

	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/errors"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
)

// ruleDoc is the on-disk YAML shape a rule file parses into.
type ruleDoc struct {
	RuleID         string                  `yaml:"id"`
	Cloud          string                  `yaml:"cloud"`
	ResourceType   string                  `yaml:"resource_type"`
	Severity       string                  `yaml:"severity"`
	Description    string                  `yaml:"description"`
	ServiceSection string                  `yaml:"service_section"`
	Standards      []domain.StandardControl `yaml:"standards"`
	MITRE          []domain.MITREMapping   `yaml:"mitre"`
	Deprecated     bool                    `yaml:"deprecated"`
}

// Catalog ingests RuleSources into the record store and serves the
// cloud/standard/severity/service/resource-type query surface.
type Catalog struct {
	store *recordstore.Store
}

func New(store *recordstore.Store) *Catalog {
	return &Catalog{store: store}
}

// Sync clones or fetches src at its pinned ref, walks files under
// PathPrefix, and upserts the parsed Rule records. It is idempotent
// keyed on (rule_source_id, commit_hash): if the resolved commit
// matches src.LastCommitHash, Sync is a no-op.
func (c *Catalog) Sync(ctx context.Context, src *domain.RuleSource) (commitHash string, changed int, err error) {
	repo, err := git.CloneContext(ctx, gitmem.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:           src.URL,
		ReferenceName: plumbing.ReferenceName(src.Ref),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		return "", 0, errors.Upstream("rule-catalog-git", err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", 0, errors.Upstream("rule-catalog-git", err)
	}
	commitHash = head.Hash().String()

	if commitHash == src.LastCommitHash {
		return commitHash, 0, nil
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", 0, errors.Internal("rule catalog worktree unavailable", err)
	}

	files, err := wt.Filesystem.ReadDir(src.PathPrefix)
	if err != nil {
		return "", 0, errors.Upstream("rule-catalog-git", err)
	}

	seen := make(map[string]struct{})
	for _, f := range files {
		if f.IsDir() || !isRuleFile(f.Name()) {
			continue
		}
		fullPath := filepath.Join(src.PathPrefix, f.Name())
		fh, err := wt.Filesystem.Open(fullPath)
		if err != nil {
			continue
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(fh); err != nil {
			fh.Close()
			continue
		}
		fh.Close()

		parsed, perr := parseRuleFile(buf.Bytes())
		if perr != nil {
			continue
		}
		for i := range parsed {
			parsed[i].RuleSourceID = src.ID
			parsed[i].CommitHash = commitHash
			rule := parsed[i]
			seen[rule.RuleID+"@"+rule.RuleVersion] = struct{}{}
			if existing, gerr := c.store.Rules.Get(ctx, rule.RuleID); gerr == nil {
				existing.Tombstoned = false
				*existing = rule
				_ = c.store.Rules.Update(ctx, rule.RuleID, existing)
			} else {
				_ = c.store.Rules.Create(ctx, rule.RuleID, &rule)
			}
			changed++
		}
	}

	// Tombstone rules from this source that the newer sync no longer sees.
	existing, _ := c.store.Rules.List(ctx, "")
	for _, r := range existing {
		if r.RuleSourceID != src.ID || r.Tombstoned {
			continue
		}
		if _, ok := seen[r.RuleID+"@"+r.RuleVersion]; !ok {
			r.Tombstoned = true
			_ = c.store.Rules.Update(ctx, r.RuleID, r)
		}
	}

	src.LastCommitHash = commitHash
	_ = c.store.RuleSources.Update(ctx, src.ID, src)
	return commitHash, changed, nil
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func parseRuleFile(raw []byte) ([]domain.Rule, error) {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	var docs []ruleDoc
	for {
		var doc ruleDoc
		if err := dec.Decode(&doc); err != nil {
			break
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("rules: no documents parsed")
	}
	out := make([]domain.Rule, 0, len(docs))
	for _, d := range docs {
		if d.RuleID == "" {
			continue
		}
		out = append(out, domain.Rule{
			RuleID:         d.RuleID,
			RuleVersion:    "1",
			Cloud:          domain.CloudKind(strings.ToUpper(d.Cloud)),
			ResourceType:   d.ResourceType,
			Severity:       d.Severity,
			Description:    d.Description,
			ServiceSection: d.ServiceSection,
			Standards:      d.Standards,
			MITRE:          d.MITRE,
			Deprecated:     d.Deprecated,
		})
	}
	return out, nil
}

// Query filters the catalog by any combination of the given non-empty
// fields, skipping tombstoned rules, and returns results sorted by
// RuleID for a stable opaque pagination cursor.
type Query struct {
	Cloud        domain.CloudKind
	Standard     string
	Severity     string
	ServiceSection string
	ResourceType string
	Cursor       string
	Limit        int
}

// Page is an opaque-cursor page of query results.
type Page struct {
	Rules      []*domain.Rule
	NextCursor string
}

func (c *Catalog) Query(ctx context.Context, q Query) (*Page, error) {
	all, err := c.store.Rules.List(ctx, "")
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].RuleID < all[j].RuleID })

	matched := make([]*domain.Rule, 0, len(all))
	for _, r := range all {
		if r.Tombstoned {
			continue
		}
		if q.Cloud != "" && r.Cloud != q.Cloud {
			continue
		}
		if q.Severity != "" && r.Severity != q.Severity {
			continue
		}
		if q.ServiceSection != "" && r.ServiceSection != q.ServiceSection {
			continue
		}
		if q.ResourceType != "" && r.ResourceType != q.ResourceType {
			continue
		}
		if q.Standard != "" {
			hasStandard := false
			for _, s := range r.Standards {
				if s.Standard == q.Standard {
					hasStandard = true
					break
				}
			}
			if !hasStandard {
				continue
			}
		}
		matched = append(matched, r)
	}

	start := 0
	if q.Cursor != "" {
		for i, r := range matched {
			if r.RuleID > q.Cursor {
				start = i
				break
			}
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	page := &Page{Rules: matched[start:end]}
	if end < len(matched) {
		page.NextCursor = matched[end-1].RuleID
	}
	return page, nil
}
