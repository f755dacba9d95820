package querier

import (
	"net/url"
	"regexp"

	"github.com/go-kit/log/level"
	"gopkg.in/yaml.v2"

	"github.com/ad-freiburg/sparql-proxy/pkg/backend"
	"github.com/ad-freiburg/sparql-proxy/pkg/util"
)

// envelope is the YAML document the UI sends when it wants two different
// queries, one per backend, sharing a footer.
type envelope struct {
	Yaml struct {
		Query1 string `yaml:"query_1"`
		Query2 string `yaml:"query_2"`
		Footer string `yaml:"footer"`
	} `yaml:"yaml"`
}

var (
	queryParam = regexp.MustCompile(`^/\?query=`)
	// liftFooter promotes the first unindented LIMIT line to a footer
	// key, indentQueryLines indents the embedded query lines so the
	// whole document becomes valid YAML. Both are anchored on "\n" and
	// intentionally do not handle CRLF input.
	liftFooter       = regexp.MustCompile(`\n(LIMIT)`)
	indentQueryLines = regexp.MustCompile(`\n(PREFIX|LIMIT|OFFSET)`)
)

// processEnvelope parses a "/?query=yaml..." path into two queries and
// races them. Every parse failure becomes a ProxyError carrying the raw
// YAML as query text.
func (q *Querier) processEnvelope(path string) *backend.Response {
	level.Info(q.logger).Log("msg", "YAML with two queries, trying to parse it")

	raw := queryParam.ReplaceAllString(path, "")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return q.envelopeError(path, err.Error())
	}

	normalised := decoded
	if loc := liftFooter.FindStringSubmatchIndex(decoded); loc != nil {
		normalised = decoded[:loc[0]] + "\n  footer: |-\n" + decoded[loc[2]:]
	}
	normalised = indentQueryLines.ReplaceAllString(normalised, "\n    ${1}")
	level.Debug(q.logger).Log("msg", "normalised YAML", "yaml", util.Abbrev(normalised, 500))

	var env envelope
	if err := yaml.Unmarshal([]byte(normalised), &env); err != nil {
		return q.envelopeError(path, err.Error())
	}
	if env.Yaml.Query1 == "" || env.Yaml.Query2 == "" || env.Yaml.Footer == "" {
		return q.envelopeError(path, "query_1, query_2 or footer missing")
	}

	query1 := env.Yaml.Query1 + "\n" + env.Yaml.Footer
	query2 := env.Yaml.Query2 + "\n" + env.Yaml.Footer
	level.Info(q.logger).Log("msg", "parsed YAML envelope",
		"query_1", util.Abbrev(util.CompactWhitespace(query1), 80),
		"query_2", util.Abbrev(util.CompactWhitespace(query2), 80),
	)

	return q.race("/?query="+url.QueryEscape(query1), "/?query="+url.QueryEscape(query2))
}

func (q *Querier) envelopeError(path, cause string) *backend.Response {
	msg := "Error parsing the YAML string (" + cause + ")"
	level.Info(q.logger).Log("msg", msg)
	return backend.NewProxyError(path, msg)
}
