package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "runway/internal/errors"
	"runway/internal/shared/logging"
)

// breakerTransport trips a named circuit breaker on transport errors and
// failure statuses so a dead sidecar sheds load instead of queueing it.
type breakerTransport struct {
	base    http.RoundTripper
	breaker *apperrors.CircuitBreaker
}

// NewWithCircuitBreaker returns a proxy-aware client whose transport is
// guarded by a circuit breaker named after the target service.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	if name == "" {
		name = "http-client"
	}
	client := New(timeout, logger)
	client.Transport = &breakerTransport{
		base:    client.Transport,
		breaker: apperrors.NewCircuitBreaker(name, apperrors.DefaultCircuitBreakerConfig()),
	}
	return client
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}

	resp, err := t.base.RoundTrip(req)
	switch {
	case errors.Is(err, context.Canceled):
		// A client-side abort says nothing about target health.
		t.breaker.Mark(nil)
		return nil, err
	case err != nil:
		t.breaker.Mark(err)
		return nil, err
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	default:
		t.breaker.Mark(nil)
	}
	return resp, nil
}
