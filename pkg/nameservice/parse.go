package nameservice

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ParsedQuery holds the parts of a SELECT query as split by Split. It is
// built once per inbound query, consumed by the probes and the final
// synthesis, and discarded afterwards.
type ParsedQuery struct {
	// Prefixes are the PREFIX declarations, in order.
	Prefixes []string
	// SelectVars is the raw projection string, aggregate expressions
	// included, with parentheses tightened.
	SelectVars string
	// SelectVarNames has one variable name per projected column; for
	// "(expr AS ?v)" the name is "?v".
	SelectVarNames []string
	// Body is the WHERE body with whitespace collapsed and the trailing
	// dot stripped.
	Body string
	// GroupBy is the GROUP BY clause including a trailing space, or
	// empty.
	GroupBy string
	// Footer is what remains after the GROUP BY, e.g. ORDER BY / LIMIT /
	// OFFSET.
	Footer string
}

var (
	// queryPattern is deliberately tolerant and non-validating: it only
	// needs the coarse structure, not SPARQL conformance.
	queryPattern = regexp.MustCompile(
		`^\s*(.*?)\s*SELECT\s+(\S[^{]*\S)\s*WHERE\s*\{\s*(\S.*\S)\s*\}\s*(.*?)\s*$`)

	whitespace    = regexp.MustCompile(`\s+`)
	beforePrefix  = regexp.MustCompile(`\s+(PREFIX)`)
	openParenGap  = regexp.MustCompile(`\(\s+`)
	closeParenGap = regexp.MustCompile(`\s+\)`)
	trailingDot   = regexp.MustCompile(`\s*\.?\s*$`)
	// aggregateVar extracts "?v" from "(COUNT(?x) AS ?v)".
	aggregateVar = regexp.MustCompile(`\(\s*[^(]+\s*\([^)]+\)\s*[aA][sS]\s*(\?[^)]+)\s*\)`)
)

// Split breaks a SPARQL query into prefixes, projection, body, GROUP BY and
// footer. The query is whitespace-collapsed first, so multi-line queries are
// fine. Returns an error when the query does not have the expected
// "prefixes SELECT vars WHERE { body } tail" shape.
func Split(query string) (*ParsedQuery, error) {
	m := queryPattern.FindStringSubmatch(whitespace.ReplaceAllString(query, " "))
	if m == nil {
		return nil, errors.New("query does not match the SELECT pattern")
	}

	var prefixes []string
	if m[1] != "" {
		prefixes = splitBeforeEachPrefix(m[1])
	}

	selectVars := openParenGap.ReplaceAllString(m[2], "(")
	selectVars = closeParenGap.ReplaceAllString(selectVars, ")")
	names := strings.Fields(aggregateVar.ReplaceAllString(selectVars, "${1}"))

	body := trailingDot.ReplaceAllString(whitespace.ReplaceAllString(m[3], " "), "")

	groupBy, footer := splitGroupBy(m[4])

	return &ParsedQuery{
		Prefixes:       prefixes,
		SelectVars:     selectVars,
		SelectVarNames: names,
		Body:           body,
		GroupBy:        groupBy,
		Footer:         footer,
	}, nil
}

// splitBeforeEachPrefix splits "PREFIX a: <x> PREFIX b: <y>" into one string
// per declaration.
func splitBeforeEachPrefix(s string) []string {
	return strings.Split(beforePrefix.ReplaceAllString(s, "\x00${1}"), "\x00")
}

// splitGroupBy separates a leading "GROUP BY ?a ?b" from the rest of the
// tail. The GROUP BY part keeps a trailing space so it can be concatenated
// directly into the synthesised query.
func splitGroupBy(tail string) (groupBy, footer string) {
	parts := strings.Fields(tail)
	if len(parts) <= 2 || parts[0] != "GROUP" || parts[1] != "BY" {
		return "", tail
	}
	i := 2
	for i < len(parts) && strings.HasPrefix(parts[i], "?") {
		i++
	}
	return strings.Join(parts[:i], " ") + " ", strings.Join(parts[i:], " ")
}

// buildQuery synthesises an outer query around the original one: the
// original projection and body become an inner SELECT, the added triples
// join it in the outer WHERE.
func buildQuery(prefixes []string, outerVars, newTriples []string, selectVars, body, groupBy, footer string) string {
	return strings.Join(prefixes, "\n") + "\n" +
		"SELECT " + strings.Join(outerVars, " ") + " WHERE {\n" +
		"  { SELECT " + selectVars + " WHERE {\n" +
		"    " + body + " } " + groupBy + "}\n" +
		strings.Join(newTriples, " .\n") + "\n" +
		"} " + footer
}
