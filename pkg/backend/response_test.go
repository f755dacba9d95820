package backend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProxyError(t *testing.T) {
	resp := NewProxyError("/?query=SELECT%20%3Fx%20WHERE%20%7B%7D&action=json", "Backend 1: timeout after 0.1 seconds")

	require.Equal(t, StateProxyError, resp.State())
	require.False(t, resp.Ok())

	var body struct {
		Query      string `json:"query"`
		Status     string `json:"status"`
		ResultSize string `json:"resultsize"`
		Time       struct {
			Total         string `json:"total"`
			ComputeResult string `json:"computeResult"`
		} `json:"time"`
		Exception string `json:"exception"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "SELECT ?x WHERE {}", body.Query)
	assert.Equal(t, "ERROR", body.Status)
	assert.Equal(t, "0", body.ResultSize)
	assert.Equal(t, "0ms", body.Time.Total)
	assert.Equal(t, "0ms", body.Time.ComputeResult)
	assert.Equal(t, "SPARQL Proxy error: Backend 1: timeout after 0.1 seconds", body.Exception)
}

func TestNewProxyErrorWithoutQuery(t *testing.T) {
	resp := NewProxyError("/?cmd=stats", "no backend reachable")

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "[no query specified]", body["query"])
}

func TestNewBackendErrorPreservesBody(t *testing.T) {
	upstream := []byte(`{"status": "ERROR", "exception": "allocated more than the specified limit"}`)
	resp := NewBackendError(upstream)

	require.Equal(t, StateBackendError, resp.State())
	assert.False(t, resp.Ok())
	assert.Equal(t, upstream, resp.Body)
}

func TestNewOk(t *testing.T) {
	resp := NewOk("application/qlever-results+json", "*", []byte(`{"status": "OK"}`))

	require.True(t, resp.Ok())
	assert.Equal(t, "application/qlever-results+json", resp.ContentType)
	assert.Equal(t, "*", resp.AllowOrigin)
}
