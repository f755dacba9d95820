package backend

import (
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// State tags a Response with exactly one of the three possible outcomes of a
// backend call.
type State int

const (
	// StateOk is a successful upstream response.
	StateOk State = iota
	// StateBackendError is an upstream JSON error, echoed byte for byte.
	StateBackendError
	// StateProxyError is an error synthesised by the proxy itself, e.g. a
	// timeout or a transport failure.
	StateProxyError
)

// Response is the uniform outcome of a backend call. For StateOk the
// preserved upstream headers and the opaque body are set. For
// StateBackendError the body is the upstream error document. For
// StateProxyError the body is a synthesised JSON error document and
// Exception carries the human-readable message.
type Response struct {
	state State

	// ContentType and AllowOrigin are the preserved upstream headers,
	// set for StateOk only.
	ContentType string
	AllowOrigin string

	// Body is the upstream body for StateOk and StateBackendError, and
	// the synthesised JSON error document for StateProxyError.
	Body []byte

	// Exception is the human-readable error for StateProxyError.
	Exception string
}

// State returns the outcome tag of this response.
func (r *Response) State() State {
	return r.state
}

// Ok reports whether this response is a successful upstream response. Both
// error states count as failure for racing precedence.
func (r *Response) Ok() bool {
	return r.state == StateOk
}

// NewOk wraps a successful upstream response.
func NewOk(contentType, allowOrigin string, body []byte) *Response {
	return &Response{
		state:       StateOk,
		ContentType: contentType,
		AllowOrigin: allowOrigin,
		Body:        body,
	}
}

// NewBackendError wraps an upstream error document. The body is preserved
// verbatim so that the UI can render the embedded error message.
func NewBackendError(body []byte) *Response {
	return &Response{
		state: StateBackendError,
		Body:  body,
	}
}

type errorBody struct {
	Query      string        `json:"query"`
	Status     string        `json:"status"`
	ResultSize string        `json:"resultsize"`
	Time       errorBodyTime `json:"time"`
	Exception  string        `json:"exception"`
}

type errorBodyTime struct {
	Total         string `json:"total"`
	ComputeResult string `json:"computeResult"`
}

// NewProxyError synthesises an error response in the JSON shape the UI
// understands. The query text is recovered from the request path so that the
// UI can display it alongside the error.
func NewProxyError(queryPath, errorMsg string) *Response {
	errorMsg = "SPARQL Proxy error: " + errorMsg
	body, err := jsoniter.Marshal(errorBody{
		Query:      queryFromPath(queryPath),
		Status:     "ERROR",
		ResultSize: "0",
		Time:       errorBodyTime{Total: "0ms", ComputeResult: "0ms"},
		Exception:  errorMsg,
	})
	if err != nil {
		body = []byte(`{"status": "ERROR"}`)
	}
	return &Response{
		state:     StateProxyError,
		Body:      body,
		Exception: errorMsg,
	}
}

// queryFromPath extracts the value of the first query parameter from a
// request path of the form "/?query=...&...".
func queryFromPath(queryPath string) string {
	raw := strings.TrimPrefix(queryPath, "/?")
	for _, pair := range strings.Split(raw, "&") {
		key, value, _ := strings.Cut(pair, "=")
		if key != "query" {
			continue
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			return decoded
		}
		return value
	}
	return "[no query specified]"
}
