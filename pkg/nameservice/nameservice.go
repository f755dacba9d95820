package nameservice

import (
	"context"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ad-freiburg/sparql-proxy/pkg/backend"
	"github.com/ad-freiburg/sparql-proxy/pkg/util"
)

var metricProbes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sparql_proxy",
	Name:      "name_service_probes_total",
	Help:      "Name service probe queries by result.",
}, []string{"result"})

var resultSize = regexp.MustCompile(`"resultsize"\s*:\s*(\d+)`)

// Service rewrites SPARQL queries so that id columns gain neighbouring name
// columns (labels, images, coordinates). For each projected variable and
// each configured predicate it first probes the backend to check that the
// added triple actually produces results.
//
// Terminology: an "id variable" stands for entities that have a name via a
// configured predicate; a "name variable" stands for the literals naming it;
// a "name triple" connects the two.
type Service struct {
	probe            *backend.Client
	subjectVarSuffix string
	configs          []AddTripleConfig
	logger           log.Logger
}

// New creates a name service that issues its probe queries against the
// given backend. subjectVarSuffix is appended to an id variable when the
// first name triple is added for it; it may be empty as long as not every
// config suffix is empty too.
func New(probe *backend.Client, subjectVarSuffix string, configs []AddTripleConfig, logger log.Logger) *Service {
	return &Service{
		probe:            probe,
		subjectVarSuffix: subjectVarSuffix,
		configs:          configs,
		logger:           log.With(logger, "component", "nameservice"),
	}
}

// Configs returns the configured triples, for the startup log.
func (s *Service) Configs() []AddTripleConfig {
	return s.configs
}

// Enhance rewrites the query so that every id column with names also
// carries them. It never fails: on a parse error, a probe failure or an
// unparseable probe response the affected addition is skipped and the query
// is returned as enhanced as it got, possibly unchanged.
func (s *Service) Enhance(ctx context.Context, query string) string {
	level.Info(s.logger).Log("msg", "checking which name triples can be added")
	start := time.Now()

	parsed, err := Split(query)
	if err != nil {
		level.Error(s.logger).Log("msg", "problem parsing SPARQL query, query unchanged",
			"err", err, "query", util.Abbrev(util.CompactWhitespace(query), 200))
		return query
	}

	// The projection, body and GROUP BY evolve as variables are renamed;
	// work on copies and keep the parsed original intact.
	selectVars := parsed.SelectVars
	body := parsed.Body
	groupBy := parsed.GroupBy
	outerVars := append([]string(nil), parsed.SelectVarNames...)

	varsAdded := 0
	addedPerConfig := make([]int, len(s.configs))
	var newTriples []string

	for varIndex, originalVar := range parsed.SelectVarNames {
		// The variable is renamed at most once, no matter how many
		// triples are added for it.
		current := originalVar
		renamed := false

		for configIndex := range s.configs {
			cfg := &s.configs[configIndex]

			if !cfg.appliesToPosition(varIndex, len(parsed.SelectVarNames)) {
				continue
			}
			if hasNameTriple(current, cfg, body) {
				continue
			}
			if !s.probeAddsResults(ctx, parsed.Prefixes, selectVars, body, groupBy, current, cfg) {
				continue
			}

			if s.subjectVarSuffix != "" && !renamed {
				replaced := originalVar + s.subjectVarSuffix
				level.Info(s.logger).Log("msg", "renaming variable",
					"from", originalVar, "to", replaced)
				wholeWord := regexp.MustCompile(regexp.QuoteMeta(originalVar) + `\b`)
				body = wholeWord.ReplaceAllString(body, replaced)
				groupBy = wholeWord.ReplaceAllString(groupBy, replaced)
				selectVars = wholeWord.ReplaceAllString(selectVars, replaced)
				outerVars[varIndex+varsAdded] = replaced
				current = replaced
				renamed = true
			}

			newVar := originalVar + cfg.Suffix
			if newVar == current {
				// Rejected at startup; left here as a guard for
				// programmatic construction.
				level.Error(s.logger).Log("msg", "added variable would collide with its subject",
					"var", newVar)
				continue
			}

			triple := current + " " + cfg.Predicate + " " + newVar
			if cfg.Optional {
				triple = "OPTIONAL { " + triple + " }"
			}
			level.Info(s.logger).Log("msg", "adding triple", "triple", triple)
			// Indented to line up inside the synthesised WHERE block.
			newTriple := "  " + triple

			position := cfg.Position
			if addedPerConfig[configIndex] > 0 {
				position = cfg.PositionRepeated
			}
			switch {
			case position == 0:
				// Replace the id variable by the name variable.
				outerVars[varIndex+varsAdded] = newVar
			case position > 0:
				// Insert right of the subject. Counted, so that
				// later subjects shift accordingly.
				varsAdded++
				outerVars = insertVar(outerVars, varIndex+varsAdded+position-1, newVar)
			default:
				// Append at an offset from the end. Trailing
				// insertions do not count towards varsAdded.
				outerVars = insertVar(outerVars, len(outerVars)+position+1, newVar)
			}
			level.Debug(s.logger).Log("msg", "new outer projection", "vars", util.Abbrev(strings.Join(outerVars, " "), 200))

			addedPerConfig[configIndex]++
			newTriples = append(newTriples, newTriple)
		}
	}

	enhanced := buildQuery(parsed.Prefixes, outerVars, newTriples, selectVars, body, groupBy, parsed.Footer)
	level.Info(s.logger).Log("msg", "name service done", "elapsed", time.Since(start).Milliseconds())
	return enhanced
}

// hasNameTriple reports whether the body already contains a triple whose
// subject is the variable and whose predicate matches the config's existence
// regex.
func hasNameTriple(variable string, cfg *AddTripleConfig, body string) bool {
	re, err := regexp.Compile(regexp.QuoteMeta(variable) + `\s+` + cfg.PredicateExists)
	if err != nil {
		// Validated at config parse time; treat as existing so the
		// config is skipped for this variable.
		return true
	}
	return re.MatchString(body)
}

// appliesToPosition resolves the optional projection-slot restriction,
// counting negative values from the end.
func (c *AddTripleConfig) appliesToPosition(varIndex, projectionLen int) bool {
	if c.SelectVarPosition == nil {
		return true
	}
	position := *c.SelectVarPosition
	if position < 0 {
		position += projectionLen
	}
	return varIndex == position
}

// probeAddsResults submits a probe query that wraps the original query and
// adds a single test triple, and reports whether it produces any rows.
// Probes are never pinned, so speculative subtrees stay out of the upstream
// cache.
func (s *Service) probeAddsResults(ctx context.Context, prefixes []string, selectVars, body, groupBy, variable string, cfg *AddTripleConfig) bool {
	testVar := variable + cfg.Suffix + "_test"
	testTriple := "  " + variable + " " + cfg.Predicate + " " + testVar

	// The explicit ORDER BY works around an upstream bug with inner
	// queries that have a single triple. Do not remove it.
	probeGroupBy := groupBy + "ORDER BY " + variable + " "

	probeQuery := buildQuery(prefixes, []string{testVar}, []string{testTriple},
		selectVars, body, probeGroupBy, "LIMIT 1")
	level.Debug(s.logger).Log("msg", "probing triple", "triple", util.CompactWhitespace(testTriple))

	resp := s.probe.Query(ctx, "/?query="+url.QueryEscape(probeQuery),
		s.probe.Timeout(), backend.QueryOpts{NoPin: true})
	if !resp.Ok() {
		metricProbes.WithLabelValues("error").Inc()
		level.Error(s.logger).Log("msg", "could not get probe result from backend",
			"exception", resp.Exception,
			"query", util.Abbrev(util.CompactWhitespace(probeQuery), 200))
		return false
	}

	m := resultSize.FindSubmatch(resp.Body)
	if m == nil {
		metricProbes.WithLabelValues("error").Inc()
		return false
	}
	n, err := strconv.Atoi(string(m[1]))
	if err != nil || n == 0 {
		metricProbes.WithLabelValues("no_result").Inc()
		return false
	}
	metricProbes.WithLabelValues("added").Inc()
	return true
}

func insertVar(vars []string, pos int, v string) []string {
	if pos < 0 {
		pos = 0
	}
	if pos > len(vars) {
		pos = len(vars)
	}
	vars = append(vars, "")
	copy(vars[pos+1:], vars[pos:])
	vars[pos] = v
	return vars
}
