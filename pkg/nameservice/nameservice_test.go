package nameservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ad-freiburg/sparql-proxy/pkg/backend"
)

const labelPredicate = "@en@<http://www.w3.org/2000/01/rdf-schema#label>"

// probeBackend answers probe queries: resultsize 1 when the decoded query
// contains one of the given markers, 0 otherwise. It also rejects any
// pinned request, since probes must never pin.
func probeBackend(t *testing.T, markers ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotContains(t, r.URL.RawQuery, "pinresult", "probe queries must not pin")
		query, err := url.QueryUnescape(r.URL.Query().Get("query"))
		require.NoError(t, err)
		for _, marker := range markers {
			if strings.Contains(query, marker) {
				w.Write([]byte(`{"status": "OK", "resultsize": 1}`))
				return
			}
		}
		w.Write([]byte(`{"status": "OK", "resultsize": 0}`))
	}))
}

func newTestService(t *testing.T, serverURL, subjectVarSuffix string, configArgs ...string) *Service {
	t.Helper()
	probe, err := backend.New(backend.Config{
		URL:     serverURL,
		Timeout: time.Second,
		ID:      2,
		// Pinning on, to check that probes force it off.
		PinResults: true,
	}, log.NewNopLogger())
	require.NoError(t, err)

	configs := make([]AddTripleConfig, 0, len(configArgs))
	for _, arg := range configArgs {
		cfg, err := ParseAddTripleConfig(arg)
		require.NoError(t, err)
		configs = append(configs, cfg)
	}
	return New(probe, subjectVarSuffix, configs, log.NewNopLogger())
}

func TestEnhance(t *testing.T) {
	server := probeBackend(t, "?x_name_test")
	defer server.Close()

	svc := newTestService(t, server.URL, "_id", labelPredicate+"|_name|1")

	enhanced := svc.Enhance(context.Background(),
		"PREFIX wdt: <http://www.wikidata.org/prop/direct/> "+
			"PREFIX wd: <http://www.wikidata.org/entity/>  "+
			"PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>"+
			"SELECT ?x ?y ?y_label WHERE {"+
			"  ?x wdt:P31 wd:Q5 ."+
			"  ?x wdt:P17 ?y ."+
			"  ?y rdfs:label ?y_label ."+
			"} LIMIT 10 ")

	lines := strings.Split(enhanced, "\n")
	require.Len(t, lines, 8)
	assert.Equal(t, "PREFIX wdt: <http://www.wikidata.org/prop/direct/>", lines[0])
	assert.Equal(t, "PREFIX wd: <http://www.wikidata.org/entity/>", lines[1])
	assert.Equal(t, "PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>", lines[2])
	assert.Equal(t, "SELECT ?x_id ?x_name ?y ?y_label WHERE {", lines[3])
	assert.Equal(t, "  { SELECT ?x_id ?y ?y_label WHERE {", lines[4])
	assert.Equal(t, "    ?x_id wdt:P31 wd:Q5 . ?x_id wdt:P17 ?y . ?y rdfs:label ?y_label } }", lines[5])
	assert.Equal(t, "  ?x_id "+labelPredicate+" ?x_name", lines[6])
	assert.Equal(t, "} LIMIT 10", lines[7])
}

func TestEnhanceSkipsExistingNameTriple(t *testing.T) {
	// The backend would confirm every probe, but ?y already carries an
	// rdfs:label triple, so no probe may even be issued for it.
	server := probeBackend(t, "?y_name_test")
	defer server.Close()

	svc := newTestService(t, server.URL, "_id", labelPredicate+"|_name|1")

	enhanced := svc.Enhance(context.Background(),
		"PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#> "+
			"SELECT ?y WHERE { ?y rdfs:label ?y_label } LIMIT 10")

	assert.NotContains(t, enhanced, "?y_name")
}

func TestEnhanceIdempotent(t *testing.T) {
	// The marker only matches the first-round probe; the probe built from
	// the already enhanced query asks for ?x_name_name_test instead.
	server := probeBackend(t, "?x wdt:P31")
	defer server.Close()

	svc := newTestService(t, server.URL, "_id", labelPredicate+"|_name|1")

	query := "PREFIX wdt: <http://www.wikidata.org/prop/direct/> " +
		"PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#> " +
		"SELECT ?x WHERE { ?x wdt:P31 ?c } LIMIT 10"

	once := svc.Enhance(context.Background(), query)
	require.Equal(t, 1, strings.Count(once, labelPredicate))
	require.Contains(t, once, "SELECT ?x_id ?x_name WHERE {")

	twice := svc.Enhance(context.Background(), once)
	assert.Equal(t, 1, strings.Count(twice, labelPredicate),
		"re-enhancing must not add further triples")
	assert.Contains(t, twice, "SELECT ?x_id ?x_name WHERE {")
	assert.NotContains(t, twice, "?x_name_name")
}

func TestEnhanceParseFailureReturnsInput(t *testing.T) {
	server := probeBackend(t)
	defer server.Close()

	svc := newTestService(t, server.URL, "_id", labelPredicate+"|_name|1")

	query := "DESCRIBE <http://example.com/thing>"
	assert.Equal(t, query, svc.Enhance(context.Background(), query))
}

func TestEnhanceProbeFailureSkips(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := newTestService(t, server.URL, "_id", labelPredicate+"|_name|1")

	query := "SELECT ?x WHERE { ?x wdt:P31 ?c } LIMIT 10"
	enhanced := svc.Enhance(context.Background(), query)
	assert.NotContains(t, enhanced, "?x_name")
	assert.Contains(t, enhanced, "SELECT ?x WHERE {")
}

func TestEnhancePositionAtEnd(t *testing.T) {
	server := probeBackend(t, "?x_coords_test")
	defer server.Close()

	svc := newTestService(t, server.URL, "_id",
		"<http://www.wikidata.org/prop/direct/P625>|_coords|-1")

	enhanced := svc.Enhance(context.Background(),
		"SELECT ?y ?x WHERE { ?x wdt:P31 ?y } LIMIT 5")

	// _coords only applies to the last projected variable and appends at
	// the very end, wrapped in OPTIONAL.
	assert.Contains(t, enhanced, "SELECT ?y ?x_id ?x_coords WHERE {")
	assert.Contains(t, enhanced, "OPTIONAL { ?x_id <http://www.wikidata.org/prop/direct/P625> ?x_coords }")
}

func TestEnhanceRepeatedLabelReplacesIdColumn(t *testing.T) {
	server := probeBackend(t, "?x_name_test", "?y_name_test")
	defer server.Close()

	svc := newTestService(t, server.URL, "_id", labelPredicate+"|_name|1")

	enhanced := svc.Enhance(context.Background(),
		"SELECT ?x ?y WHERE { ?x wdt:P17 ?y } LIMIT 5")

	// First label added next to its id column, second label replaces its
	// id column.
	assert.Contains(t, enhanced, "SELECT ?x_id ?x_name ?y_name WHERE {")
	assert.Contains(t, enhanced, "  { SELECT ?x_id ?y_id WHERE {")
}
