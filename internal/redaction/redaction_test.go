package redaction

import "testing"

func TestRedactString(t *testing.T) {
	r := NewRedactor(DefaultConfig())
	in := `assume_role secret="AKIAxxxxxxxxxxx" token: abc123`
	out := r.RedactString(in)
	if out == in {
		t.Fatalf("expected redaction to change the string")
	}
	for _, bad := range []string{"AKIAxxxxxxxxxxx", "abc123"} {
		if containsSubstring(out, bad) {
			t.Errorf("redacted output still contains secret fragment %q: %s", bad, out)
		}
	}
}

func TestRedactMap(t *testing.T) {
	r := NewRedactor(DefaultConfig())
	in := map[string]interface{}{
		"password":   "hunter2",
		"region":     "eu-west-1",
		"nested":     map[string]interface{}{"secret": "top-secret"},
		"list_field": []interface{}{"token=abc"},
	}
	out := r.RedactMap(in)
	if out["password"] != DefaultConfig().RedactionText {
		t.Errorf("password field not redacted: %v", out["password"])
	}
	if out["region"] != "eu-west-1" {
		t.Errorf("non-secret field should pass through unchanged: %v", out["region"])
	}
	nested, ok := out["nested"].(map[string]interface{})
	if !ok || nested["secret"] != DefaultConfig().RedactionText {
		t.Errorf("nested secret field not redacted: %v", out["nested"])
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
