package querier

import (
	"context"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ad-freiburg/sparql-proxy/pkg/backend"
)

var metricRacingOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sparql_proxy",
	Name:      "racing_outcome_total",
	Help:      "Raced requests by outcome: best (primary in time), fallback (secondary used), worst (both failed).",
}, []string{"outcome"})

type raceResult struct {
	response  *backend.Response
	backendID int
}

// race queries both backends in parallel, preferring the primary: an Ok
// from backend 1 within its deadline always wins, even when backend 2
// answered first. Both arms always run to completion; neither is cancelled
// when the other one wins, so a late primary success can still replace an
// earlier fallback success.
func (q *Querier) race(path1, path2 string) *backend.Response {
	// Buffered so the arm whose result is not consumed can still deposit
	// and finish. The consumer reads one or two results, never zero.
	results := make(chan raceResult, 2)

	// Deliberately not derived from the request context: a running
	// upstream call is never cancelled, its own deadline bounds it.
	start := func(b *backend.Client, path string) {
		go func() {
			results <- raceResult{
				response:  b.Query(context.Background(), path, b.Timeout(), backend.QueryOpts{}),
				backendID: b.ID(),
			}
		}()
	}
	start(q.backend1, path1)
	start(q.backend2, path2)

	first := <-results

	// Backend 1 answered first: take its success immediately, otherwise
	// whatever backend 2 comes up with.
	if first.backendID == q.backend1.ID() {
		if first.response.Ok() {
			return q.outcome("BEST", first.response, "backend 1 responded in time")
		}
		second := <-results
		if second.response.Ok() {
			return q.outcome("FALLBACK", second.response, "backend 1 failed, taking result from backend 2")
		}
		return q.outcome("WORST", second.response, "neither backend responded in time")
	}

	// Backend 2 answered first: still give backend 1 the chance to win
	// within its own deadline.
	level.Info(q.logger).Log("msg", "backend 2 responded first, giving backend 1 a chance too")
	second := <-results
	if second.response.Ok() {
		return q.outcome("BEST", second.response, "backend 1 responded in time")
	}
	if first.response.Ok() {
		return q.outcome("FALLBACK", first.response, "backend 1 failed, taking result from backend 2")
	}
	return q.outcome("WORST", second.response, "neither backend responded in time")
}

func (q *Querier) outcome(label string, response *backend.Response, msg string) *backend.Response {
	metricRacingOutcome.WithLabelValues(strings.ToLower(label)).Inc()
	level.Info(q.logger).Log("msg", msg, "outcome", label)
	return response
}
