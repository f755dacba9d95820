package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ad-freiburg/sparql-proxy/pkg/util"
)

// maxPoolSize bounds the number of connections per backend. Connections are
// single-use, keep-alive is disabled.
const maxPoolSize = 4

var metricBackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sparql_proxy",
	Name:      "backend_requests_total",
	Help:      "Outbound backend requests by backend id and outcome.",
}, []string{"backend", "outcome"})

// Config describes one upstream SPARQL engine. Immutable after construction.
type Config struct {
	// URL is the base URL of the engine, e.g.
	// "https://example.com:443/api/wikidata".
	URL string
	// Timeout is the per-call deadline used for racing queries against
	// this backend.
	Timeout time.Duration
	// ID is the stable backend id: 1 for the primary, 2 for the fallback.
	ID int
	// PinResults appends the pinning URL parameters to every query, so
	// that results stay in the upstream cache.
	PinResults bool
	// ClearCacheOnStart wipes the upstream cache, pinned results
	// included, when the client is constructed.
	ClearCacheOnStart bool
	// ShowCacheStats logs the upstream cache statistics after every
	// successful query. Backends with PinResults set log them as well.
	ShowCacheStats bool
}

// Client issues GET requests to a single upstream SPARQL engine and
// normalises the outcomes into Response envelopes.
type Client struct {
	id             int
	origin         string
	basePath       string
	timeout        time.Duration
	pinResults     bool
	showCacheStats bool
	httpClient     *http.Client
	logger         log.Logger
}

// QueryOpts tweaks a single call.
type QueryOpts struct {
	// NoPin forces the pinning URL parameters off even when the backend
	// is configured to pin. Used for name-service probe queries, whose
	// speculative subtrees must stay out of the upstream cache. Also
	// suppresses the cache statistics log after the call.
	NoPin bool
}

// New creates a client for the given backend. When the config asks for it,
// the upstream cache is cleared right away.
func New(cfg Config, logger log.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid backend %d URL %q", cfg.ID, cfg.URL)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend %d URL %q must carry a scheme and a host", cfg.ID, cfg.URL)
	}
	basePath := u.Path
	if basePath == "" {
		basePath = "/"
	}

	c := &Client{
		id:             cfg.ID,
		origin:         u.Scheme + "://" + u.Host,
		basePath:       basePath,
		timeout:        cfg.Timeout,
		pinResults:     cfg.PinResults,
		showCacheStats: cfg.ShowCacheStats,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
				MaxConnsPerHost:   maxPoolSize,
				TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: log.With(logger, "backend", cfg.ID),
	}

	if cfg.ClearCacheOnStart {
		c.ClearCache()
	}
	level.Info(c.logger).Log(
		"msg", "backend configured",
		"url", c.origin+c.basePath,
		"timeout", cfg.Timeout,
		"pin_results", cfg.PinResults,
		"cache_cleared", cfg.ClearCacheOnStart,
	)
	return c, nil
}

// ID returns the stable backend id (1 = primary, 2 = fallback).
func (c *Client) ID() int {
	return c.id
}

// Timeout returns the per-call deadline configured for racing queries.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Query sends a GET request with the given path (always starting with "/",
// query string included) to the backend and waits at most timeout for the
// response. The outcome is always a Response envelope, never an error:
// timeouts and transport failures become ProxyError, upstream JSON errors
// become BackendError.
func (c *Client) Query(ctx context.Context, path string, timeout time.Duration, opts QueryOpts) *Response {
	pinParams := ""
	if c.pinResults && !opts.NoPin {
		pinParams = "&pinresult=true&pinsubtrees=true"
	}
	fullPath := c.basePath + path + pinParams
	level.Info(c.logger).Log("msg", "sending GET request", "path", util.AbbrevQuery(fullPath, 80))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin+fullPath, nil)
	if err != nil {
		return c.proxyError(path, "transport_error",
			fmt.Sprintf("Backend %d: cannot build request (%s)", c.id, err))
	}
	req.Header.Set("Connection", "close")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return c.proxyError(path, "timeout",
				fmt.Sprintf("Backend %d: timeout after %.1f seconds", c.id, timeout.Seconds()))
		}
		return c.proxyError(path, "transport_error",
			fmt.Sprintf("Backend %d: error with request to %s (%s)", c.id, c.origin, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return c.proxyError(path, "timeout",
				fmt.Sprintf("Backend %d: timeout after %.1f seconds", c.id, timeout.Seconds()))
		}
		return c.proxyError(path, "transport_error",
			fmt.Sprintf("Backend %d: error reading response from %s (%s)", c.id, c.origin, err))
	}
	if resp.StatusCode != http.StatusOK {
		return c.proxyError(path, "bad_status",
			fmt.Sprintf("Backend %d: unexpected HTTP status %d", c.id, resp.StatusCode))
	}

	// A 200 can still carry an upstream error, e.g. "allocated more than
	// the specified limit". Those are preserved verbatim.
	if exception, isError := upstreamError(body); isError {
		metricBackendRequests.WithLabelValues(fmt.Sprint(c.id), "backend_error").Inc()
		level.Info(c.logger).Log("msg", "upstream responded with ERROR",
			"exception", util.CompactWhitespace(exception))
		return NewBackendError(body)
	}

	metricBackendRequests.WithLabelValues(fmt.Sprint(c.id), "ok").Inc()
	level.Debug(c.logger).Log("msg", "response received", "body", util.Abbrev(util.CompactWhitespace(string(body)), 500))

	if (c.pinResults || c.showCacheStats) && !opts.NoPin {
		c.ShowCacheStats()
	}

	return NewOk(resp.Header.Get("Content-Type"), resp.Header.Get("Access-Control-Allow-Origin"), body)
}

func (c *Client) proxyError(path, outcome, msg string) *Response {
	metricBackendRequests.WithLabelValues(fmt.Sprint(c.id), outcome).Inc()
	level.Info(c.logger).Log("msg", msg)
	return NewProxyError(path, msg)
}

// upstreamError reports whether a 200 body is an upstream JSON error
// document, and returns its exception message. Bodies that are not JSON
// objects count as success.
func upstreamError(body []byte) (string, bool) {
	var doc struct {
		Status    string `json:"status"`
		Exception string `json:"exception"`
	}
	if err := jsoniter.Unmarshal(body, &doc); err != nil {
		return "", false
	}
	if doc.Status != "ERROR" {
		return "", false
	}
	exception := doc.Exception
	if exception == "" {
		exception = "[error msg not found]"
	}
	return exception, true
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err)
}

// ShowCacheStats fetches and logs the upstream cache statistics. Best
// effort: failures are logged and swallowed.
func (c *Client) ShowCacheStats() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin+c.basePath+"?cmd=cachestats", nil)
	if err != nil {
		level.Info(c.logger).Log("msg", "error getting cache statistics", "err", err)
		return
	}
	req.Header.Set("Connection", "close")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		level.Info(c.logger).Log("msg", "error getting cache statistics", "err", err)
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		level.Info(c.logger).Log("msg", "error getting cache statistics", "status", resp.StatusCode, "err", err)
		return
	}

	var stats struct {
		NumCached  int64  `json:"num-cached-elements"`
		NumPinned  int64  `json:"num-pinned-elements"`
		PinnedSize uint64 `json:"pinned-size"`
	}
	if err := jsoniter.Unmarshal(body, &stats); err != nil {
		level.Info(c.logger).Log("msg", "error parsing cache statistics", "err", err)
		return
	}
	level.Info(c.logger).Log(
		"msg", "cache statistics",
		"cached_results", stats.NumCached,
		"pinned_results", stats.NumPinned,
		"pinned_size", humanize.Bytes(stats.PinnedSize),
	)
}

// ClearCache wipes the upstream cache completely, pinned results included.
// Best effort: failures are logged and swallowed.
func (c *Client) ClearCache() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin+c.basePath+"?cmd=clearcachecomplete", nil)
	if err != nil {
		level.Info(c.logger).Log("msg", "error clearing cache", "err", err)
		return
	}
	req.Header.Set("Connection", "close")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		level.Info(c.logger).Log("msg", "error clearing cache", "err", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		level.Info(c.logger).Log("msg", "error clearing cache", "status", resp.StatusCode)
		return
	}
	level.Info(c.logger).Log("msg", "cache completely cleared")
}
