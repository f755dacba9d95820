package querier

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ad-freiburg/sparql-proxy/pkg/backend"
	"github.com/ad-freiburg/sparql-proxy/pkg/nameservice"
)

// Querier classifies inbound request paths and dispatches them to one or
// both backends: YAML envelopes are split into two queries and raced, plain
// SPARQL queries are (optionally) enhanced and sent to the primary, and
// everything else is forwarded verbatim to the primary.
type Querier struct {
	backend1      *backend.Client
	backend2      *backend.Client
	timeoutNormal time.Duration
	nameService   *nameservice.Service
	logger        log.Logger
}

// New creates a querier over the two backends. nameService may be nil, in
// which case plain SPARQL queries are forwarded unchanged.
func New(backend1, backend2 *backend.Client, timeoutNormal time.Duration, nameService *nameservice.Service, logger log.Logger) *Querier {
	return &Querier{
		backend1:      backend1,
		backend2:      backend2,
		timeoutNormal: timeoutNormal,
		nameService:   nameService,
		logger:        logger,
	}
}

// Process handles one inbound request path (query string included) and
// always produces a response envelope. The inbound context is not passed on
// to upstream calls: a running upstream call is never cancelled, only its
// own deadline bounds it.
func (q *Querier) Process(_ context.Context, path string) *backend.Response {
	// A YAML envelope carries one query per backend; race them.
	if strings.HasPrefix(path, "/?query=yaml") {
		return q.processEnvelope(path)
	}

	// A plain SPARQL query goes to the primary backend, enhanced first
	// when the name service is active.
	if strings.HasPrefix(path, "/?query=") && q.nameService != nil {
		if enhanced, ok := q.enhancePath(path); ok {
			path = enhanced
		}
		return q.backend1.Query(context.Background(), path, q.timeoutNormal, backend.QueryOpts{})
	}

	// Anything else, e.g. /?cmd=stats or /?cmd=clearcache, is forwarded
	// verbatim to the primary backend only.
	level.Info(q.logger).Log("msg", "ordinary query, processed using backend 1")
	return q.backend1.Query(context.Background(), path, q.timeoutNormal, backend.QueryOpts{})
}

// enhancePath extracts the first query parameter, runs it through the name
// service, and substitutes the result back, re-encoding all parameters in
// order. Returns false when the path does not parse as a query string.
// Probes run detached from the inbound request, so whether a triple is
// added depends only on the probe's own deadline.
func (q *Querier) enhancePath(path string) (string, bool) {
	params, err := parseQueryString(strings.TrimPrefix(path, "/?"))
	if err != nil || len(params) == 0 || params[0].key != "query" {
		level.Info(q.logger).Log("msg", "cannot extract query parameter, forwarding unchanged", "err", err)
		return "", false
	}
	params[0].value = q.nameService.Enhance(context.Background(), params[0].value)
	return "/?" + encodeQueryString(params), true
}

// param is one key-value pair of a query string. Order matters: the first
// query parameter is the SPARQL query.
type param struct {
	key   string
	value string
}

func parseQueryString(raw string) ([]param, error) {
	var params []param
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		decodedKey, err := url.QueryUnescape(key)
		if err != nil {
			return nil, err
		}
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			return nil, err
		}
		params = append(params, param{key: decodedKey, value: decodedValue})
	}
	return params, nil
}

func encodeQueryString(params []param) string {
	encoded := make([]string, len(params))
	for i, p := range params {
		encoded[i] = url.QueryEscape(p.key) + "=" + url.QueryEscape(p.value)
	}
	return strings.Join(encoded, "&")
}
