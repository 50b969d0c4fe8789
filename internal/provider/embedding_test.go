package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkwell-labs/inkwell-events/internal/metrics"
)

func newTestEmbedder(t *testing.T, handler http.HandlerFunc) (*HTTPEmbedder, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m := metrics.New(prometheus.NewRegistry())
	return NewHTTPEmbedder("test", srv.URL, "/embed", "inkwell-mini", time.Second, 3, time.Minute, m), m
}

func TestHTTPEmbedderOK(t *testing.T) {
	var gotReq embedRequest
	p, m := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.25, -0.5}})
	})

	vec, err := p.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.25, -0.5}, vec)
	assert.Equal(t, "inkwell-mini", gotReq.Model)
	assert.Equal(t, "hello world", gotReq.Input)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("test", metrics.ResultOK)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ProviderErrors.WithLabelValues("test")))
}

func TestHTTPEmbedderRateLimited(t *testing.T) {
	p, m := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := p.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("test", metrics.ResultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProviderErrors.WithLabelValues("test")))
}

func TestHTTPEmbedderBadRequestIsInvalidInput(t *testing.T) {
	p, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := p.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHTTPEmbedderServerErrorIsTransient(t *testing.T) {
	p, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := p.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidInput)
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func TestHTTPEmbedderEmptyEmbeddingIsError(t *testing.T) {
	p, _ := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{})
	})

	_, err := p.Embed(context.Background(), "x")
	assert.ErrorContains(t, err, "empty embedding")
}

func TestHTTPEmbedderBreakerShortCircuits(t *testing.T) {
	calls := 0
	p, m := newTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 3; i++ {
		_, err := p.Embed(context.Background(), "x")
		require.Error(t, err)
	}
	require.Equal(t, 3, calls)

	_, err := p.Embed(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, calls, "open breaker makes no HTTP call")

	// short-circuits are not provider traffic: counters stay at the 3 real calls
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ProviderCalls.WithLabelValues("test", metrics.ResultError)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ProviderErrors.WithLabelValues("test")))
}
