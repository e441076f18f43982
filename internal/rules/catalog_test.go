package rules

import (
	"context"
	"testing"

	"github.com/epam/syndicate-rule-engine-sub001/internal/domain"
	"github.com/epam/syndicate-rule-engine-sub001/internal/recordstore"
	"github.com/epam/syndicate-rule-engine-sub001/internal/state"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	ps, err := state.NewPersistentState(state.DefaultConfig())
	if err != nil {
		t.Fatalf("new persistent state: %v", err)
	}
	store := recordstore.New(ps)
	return New(store)
}

func seedRule(t *testing.T, c *Catalog, r domain.Rule) {
	t.Helper()
	if err := c.store.Rules.Create(context.Background(), r.RuleID, &r); err != nil {
		t.Fatalf("seed rule %s: %v", r.RuleID, err)
	}
}

func TestCatalogQueryFiltersByCloudAndSeverity(t *testing.T) {
	c := newTestCatalog(t)
	seedRule(t, c, domain.Rule{RuleID: "r1", Cloud: domain.CloudAWS, Severity: "HIGH"})
	seedRule(t, c, domain.Rule{RuleID: "r2", Cloud: domain.CloudAWS, Severity: "LOW"})
	seedRule(t, c, domain.Rule{RuleID: "r3", Cloud: domain.CloudAzure, Severity: "HIGH"})

	page, err := c.Query(context.Background(), Query{Cloud: domain.CloudAWS, Severity: "HIGH"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Rules) != 1 || page.Rules[0].RuleID != "r1" {
		t.Fatalf("expected only r1, got %+v", page.Rules)
	}
}

func TestCatalogQuerySkipsTombstoned(t *testing.T) {
	c := newTestCatalog(t)
	seedRule(t, c, domain.Rule{RuleID: "r1", Cloud: domain.CloudAWS, Tombstoned: true})
	seedRule(t, c, domain.Rule{RuleID: "r2", Cloud: domain.CloudAWS})

	page, err := c.Query(context.Background(), Query{Cloud: domain.CloudAWS})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Rules) != 1 || page.Rules[0].RuleID != "r2" {
		t.Fatalf("expected tombstoned rule excluded, got %+v", page.Rules)
	}
}

func TestCatalogQueryPaginatesByRuleIDCursor(t *testing.T) {
	c := newTestCatalog(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		seedRule(t, c, domain.Rule{RuleID: id, Cloud: domain.CloudAWS})
	}

	first, err := c.Query(context.Background(), Query{Cloud: domain.CloudAWS, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(first.Rules) != 2 || first.Rules[0].RuleID != "a" || first.Rules[1].RuleID != "b" {
		t.Fatalf("unexpected first page: %+v", first.Rules)
	}
	if first.NextCursor != "b" {
		t.Fatalf("expected cursor 'b', got %q", first.NextCursor)
	}

	second, err := c.Query(context.Background(), Query{Cloud: domain.CloudAWS, Limit: 2, Cursor: first.NextCursor})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(second.Rules) != 2 || second.Rules[0].RuleID != "c" || second.Rules[1].RuleID != "d" {
		t.Fatalf("unexpected second page: %+v", second.Rules)
	}
	if second.NextCursor != "" {
		t.Fatalf("expected no further cursor, got %q", second.NextCursor)
	}
}

func TestParseRuleFileMultiDocument(t *testing.T) {
	raw := []byte("id: r1\ncloud: aws\nseverity: HIGH\n---\nid: r2\ncloud: azure\nseverity: LOW\n")
	rules, err := parseRuleFile(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 parsed rules, got %d", len(rules))
	}
	if rules[0].RuleID != "r1" || rules[0].Cloud != domain.CloudAWS {
		t.Fatalf("unexpected first rule: %+v", rules[0])
	}
	if rules[1].RuleID != "r2" || rules[1].Cloud != domain.CloudKind("AZURE") {
		t.Fatalf("unexpected second rule: %+v", rules[1])
	}
}

func TestParseRuleFileSkipsDocumentsMissingID(t *testing.T) {
	raw := []byte("cloud: aws\nseverity: HIGH\n")
	rules, err := parseRuleFile(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(rules) != 0 {
		t.Fatalf("expected no rules parsed without an id field, got %+v", rules)
	}
}
