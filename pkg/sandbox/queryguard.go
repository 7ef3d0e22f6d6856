package sandbox

import (
	"fmt"
	"strings"
	"unicode"
)

// QueryViolation is returned when a datastore query submitted through a host
// function fails strict-mode validation.
type QueryViolation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

func (e *QueryViolation) Error() string {
	return fmt.Sprintf("query rejected (%s): %s", e.Rule, e.Detail)
}

// Violation rule identifiers.
const (
	RuleWriteKeyword   = "WRITE_KEYWORD"
	RuleMultiStatement = "MULTI_STATEMENT"
	RuleInjection      = "INJECTION_PATTERN"
	RuleUnbalanced     = "UNBALANCED_QUOTE"
)

// writeKeywords are Cypher clauses that mutate the graph. Checked against
// tokens outside string literals, so a literal "DELETE" in quoted data passes.
var writeKeywords = map[string]struct{}{
	"CREATE": {}, "MERGE": {}, "DELETE": {}, "DETACH": {},
	"SET": {}, "REMOVE": {}, "DROP": {}, "CALL": {}, "LOAD": {},
}

// ValidateQuery enforces strict-mode query policy: no write keywords, a
// single statement only, and no interpolation patterns that smuggle values
// past bound parameters ($name is the only parameter form allowed).
func ValidateQuery(query string) error {
	stripped, err := stripLiterals(query)
	if err != nil {
		return err
	}

	if i := strings.IndexByte(stripped, ';'); i >= 0 {
		// A trailing semicolon is still a second (empty) statement slot;
		// reject it rather than guessing intent.
		return &QueryViolation{
			Rule:   RuleMultiStatement,
			Detail: "query must be a single statement without ';'",
		}
	}

	for _, pat := range []string{"${", "//", "/*", "--"} {
		if strings.Contains(stripped, pat) {
			return &QueryViolation{
				Rule:   RuleInjection,
				Detail: fmt.Sprintf("sequence %q is not allowed; use bound parameters", pat),
			}
		}
	}

	for _, tok := range tokenize(stripped) {
		if _, bad := writeKeywords[strings.ToUpper(tok)]; bad {
			return &QueryViolation{
				Rule:   RuleWriteKeyword,
				Detail: fmt.Sprintf("write clause %q not permitted through the sandbox", strings.ToUpper(tok)),
			}
		}
	}
	return nil
}

// stripLiterals replaces quoted string contents with spaces so keyword and
// pattern checks cannot be confused by literal data. Unterminated quotes are
// themselves a violation since they are the classic injection foothold.
func stripLiterals(query string) (string, error) {
	var b strings.Builder
	b.Grow(len(query))

	var quote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case quote != 0:
			if c == '\\' && i+1 < len(query) {
				i++
				b.WriteString("  ")
				continue
			}
			if c == quote {
				quote = 0
			}
			b.WriteByte(' ')
		case c == '\'' || c == '"' || c == '`':
			quote = c
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	if quote != 0 {
		return "", &QueryViolation{
			Rule:   RuleUnbalanced,
			Detail: "unterminated string literal",
		}
	}
	return b.String(), nil
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
