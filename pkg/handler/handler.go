package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ad-freiburg/sparql-proxy/pkg/backend"
	"github.com/ad-freiburg/sparql-proxy/pkg/util"
)

var (
	metricRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sparql_proxy",
		Name:      "requests_total",
		Help:      "Inbound GET requests.",
	})
	metricRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sparql_proxy",
		Name:      "request_duration_seconds",
		Help:      "Total time spent serving a request.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Dispatcher decides how an inbound request path is answered.
type Dispatcher interface {
	Process(ctx context.Context, path string) *backend.Response
}

// Handler serves the proxy's HTTP surface. It holds immutable references to
// the dispatcher; there is no mutable state shared between requests.
type Handler struct {
	dispatcher Dispatcher
	logger     log.Logger
}

// New creates the HTTP handler over the given dispatcher.
func New(dispatcher Dispatcher, logger log.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// RegisterRoutes registers the proxy routes. /metrics and /ready are served
// locally; every other GET is handed to the dispatcher.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.ReadyHandler).Methods(http.MethodGet)
	r.PathPrefix("/").HandlerFunc(h.QueryHandler).Methods(http.MethodGet)
}

// ReadyHandler reports readiness.
func (h *Handler) ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}

// QueryHandler forwards one GET request through the dispatcher and writes
// the outcome. The response is always HTTP 200 with an
// Access-Control-Allow-Origin header: the UI renders embedded error
// documents only when they arrive as 200 with JSON.
func (h *Handler) QueryHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metricRequests.Inc()

	path := r.URL.RequestURI()
	level.Info(h.logger).Log("msg", "GET request received", "path", util.AbbrevQuery(path, 80))

	response := h.dispatcher.Process(r.Context(), path)

	if response.Ok() {
		if response.ContentType != "" {
			w.Header().Set("Content-Type", response.ContentType)
		}
		allowOrigin := response.AllowOrigin
		if allowOrigin == "" {
			allowOrigin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.WriteHeader(http.StatusOK)
		w.Write(response.Body)
		level.Debug(h.logger).Log("msg", "forwarded result to caller")
	} else {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		w.Write(response.Body)
		level.Info(h.logger).Log("msg", "sending error JSON to caller")
	}

	elapsed := time.Since(start)
	metricRequestDuration.Observe(elapsed.Seconds())
	level.Info(h.logger).Log("msg", "total time spent on request", "elapsed_ms", elapsed.Milliseconds())
}
