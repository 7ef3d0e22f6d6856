package sandbox

import (
	"errors"
	"testing"
)

func TestQueryGuard(t *testing.T) {
	cases := []struct {
		name  string
		query string
		rule  string // "" means allowed
	}{
		{"plain match", "MATCH (c:Capsule {id: $id}) RETURN c", ""},
		{"lowercase read", "match (n) return n.title", ""},
		{"delete blocked", "MATCH (n) DELETE n", RuleWriteKeyword},
		{"merge blocked", "MERGE (c:Capsule {id: $id})", RuleWriteKeyword},
		{"set blocked", "MATCH (n) SET n.x = 1", RuleWriteKeyword},
		{"call blocked", "CALL db.labels()", RuleWriteKeyword},
		{"multi statement", "MATCH (n) RETURN n; DROP DATABASE", RuleMultiStatement},
		{"line comment", "MATCH (n) RETURN n // hidden", RuleInjection},
		{"block comment", "MATCH (n) /* x */ RETURN n", RuleInjection},
		{"interpolation", "MATCH (n) RETURN n.${field}", RuleInjection},
		{"sql comment", "MATCH (n) RETURN n -- tail", RuleInjection},
		{"unterminated quote", "MATCH (n {id: 'oops}) RETURN n", RuleUnbalanced},
		{"keyword inside literal ok", "MATCH (n {title: 'please do not DELETE me'}) RETURN n", ""},
		{"semicolon inside literal ok", "MATCH (n {title: 'a;b'}) RETURN n", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateQuery(tc.query)
			if tc.rule == "" {
				if err != nil {
					t.Fatalf("expected allowed, got %v", err)
				}
				return
			}
			var v *QueryViolation
			if !errors.As(err, &v) {
				t.Fatalf("expected QueryViolation, got %v", err)
			}
			if v.Rule != tc.rule {
				t.Fatalf("expected rule %s, got %s (%s)", tc.rule, v.Rule, v.Detail)
			}
		})
	}
}
