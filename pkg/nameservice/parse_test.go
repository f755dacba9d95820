package nameservice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	parsed, err := Split(
		" PREFIX a: <bla>  PREFIX bc: <http://y> \n" +
			"SELECT ?x_  ( COUNT( ?y_2) AS ?yy)  WHERE \n" +
			"{ ?x wd:P31 ?p31 { SELECT ... WHERE ... } ?p31 w:P279 ?y .} " +
			"GROUP BY ?yy ?x OFFSET 20 LIMIT 10")
	require.NoError(t, err)

	assert.Equal(t, []string{"PREFIX a: <bla>", "PREFIX bc: <http://y>"}, parsed.Prefixes)
	assert.Equal(t, "?x_ (COUNT(?y_2) AS ?yy)", parsed.SelectVars)
	assert.Equal(t, []string{"?x_", "?yy"}, parsed.SelectVarNames)
	assert.Equal(t, "?x wd:P31 ?p31 { SELECT ... WHERE ... } ?p31 w:P279 ?y", parsed.Body)
	assert.Equal(t, "GROUP BY ?yy ?x ", parsed.GroupBy)
	assert.Equal(t, "OFFSET 20 LIMIT 10", parsed.Footer)
}

func TestSplitWithoutPrefixesOrTail(t *testing.T) {
	parsed, err := Split("SELECT ?x WHERE { ?x wdt:P31 wd:Q5 }")
	require.NoError(t, err)

	assert.Empty(t, parsed.Prefixes)
	assert.Equal(t, "?x", parsed.SelectVars)
	assert.Equal(t, []string{"?x"}, parsed.SelectVarNames)
	assert.Equal(t, "?x wdt:P31 wd:Q5", parsed.Body)
	assert.Empty(t, parsed.GroupBy)
	assert.Empty(t, parsed.Footer)
}

func TestSplitStripsTrailingDot(t *testing.T) {
	parsed, err := Split("SELECT ?x WHERE { ?x wdt:P31 wd:Q5 . } LIMIT 10")
	require.NoError(t, err)

	assert.Equal(t, "?x wdt:P31 wd:Q5", parsed.Body)
	assert.Equal(t, "LIMIT 10", parsed.Footer)
}

func TestSplitRejectsNonSelect(t *testing.T) {
	_, err := Split("ASK { ?x wdt:P31 wd:Q5 }")
	require.Error(t, err)

	_, err = Split("this is not sparql at all")
	require.Error(t, err)
}

func TestSplitGroupByStopsAtFirstNonVariable(t *testing.T) {
	parsed, err := Split("SELECT ?x WHERE { ?x a ?y } GROUP BY ?x ORDER BY ?x LIMIT 5")
	require.NoError(t, err)

	assert.Equal(t, "GROUP BY ?x ", parsed.GroupBy)
	assert.Equal(t, "ORDER BY ?x LIMIT 5", parsed.Footer)
}

func TestBuildQuery(t *testing.T) {
	got := buildQuery(
		[]string{"PREFIX a: <bla>"},
		[]string{"?x", "?x_name"},
		[]string{"  ?x <p> ?x_name"},
		"?x", "?x a:b ?y", "", "LIMIT 10")

	assert.Equal(t,
		"PREFIX a: <bla>\n"+
			"SELECT ?x ?x_name WHERE {\n"+
			"  { SELECT ?x WHERE {\n"+
			"    ?x a:b ?y } }\n"+
			"  ?x <p> ?x_name\n"+
			"} LIMIT 10", got)
}
