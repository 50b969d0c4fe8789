package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/inkwell-labs/inkwell-events/internal/metrics"
)

// Embedder computes a vector for a piece of entry text.
type Embedder interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrRateLimited: the provider answered 429; backing off may succeed.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrInvalidInput: the provider rejected the request; retrying cannot help.
	ErrInvalidInput = errors.New("provider rejected input")
	// ErrUnavailable: the breaker is open, no call was made.
	ErrUnavailable = errors.New("provider unavailable")
)

// HTTPEmbedder calls an embedding service over HTTP behind a circuit breaker
// and records provider_calls_total / provider_errors_total.
type HTTPEmbedder struct {
	name    string
	url     string
	model   string
	client  *http.Client
	br      *Breaker
	metrics *metrics.Metrics
}

func NewHTTPEmbedder(
	name, baseURL, path, model string,
	timeout time.Duration,
	failThreshold int, openFor time.Duration,
	m *metrics.Metrics,
) *HTTPEmbedder {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	return &HTTPEmbedder{
		name:    name,
		url:     strings.TrimRight(baseURL, "/") + path,
		model:   model,
		client:  &http.Client{Timeout: timeout},
		br:      NewBreaker(failThreshold, openFor),
		metrics: m,
	}
}

func (p *HTTPEmbedder) Name() string { return p.name }

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if !p.br.TryAcquire() {
		// no HTTP call happened; the counters track real provider traffic
		return nil, ErrUnavailable
	}

	vec, err := p.post(ctx, text)
	if err != nil {
		p.br.OnFailure()
		p.fail()
		return nil, err
	}

	p.br.OnSuccess()
	p.metrics.ProviderCalls.WithLabelValues(p.name, metrics.ResultOK).Inc()
	return vec, nil
}

func (p *HTTPEmbedder) fail() {
	p.metrics.ProviderCalls.WithLabelValues(p.name, metrics.ResultError).Inc()
	p.metrics.ProviderErrors.WithLabelValues(p.name).Inc()
}

func (p *HTTPEmbedder) post(ctx context.Context, text string) ([]float32, error) {
	b, _ := json.Marshal(embedRequest{Model: p.model, Input: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}

	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case res.StatusCode/100 == 4:
		return nil, fmt.Errorf("%w: status=%d", ErrInvalidInput, res.StatusCode)
	case res.StatusCode/100 != 2:
		return nil, fmt.Errorf("provider=%s status=%d", p.name, res.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("provider=%s returned empty embedding", p.name)
	}

	return out.Embedding, nil
}
