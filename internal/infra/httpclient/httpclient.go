// Package httpclient builds the outbound HTTP clients for sidecar calls:
// proxy-aware transports, circuit breaking, and size-capped body reads.
package httpclient

import (
	"net/http"
	"time"

	"runway/internal/shared/logging"
)

const defaultClientTimeout = 30 * time.Second

// New returns an http.Client for outbound requests. It honors
// HTTP(S)_PROXY/ALL_PROXY/NO_PROXY but bypasses unreachable loopback
// proxies so a stale local proxy setting does not break deployments.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newTransport(logger),
	}
}

// newTransport clones the default transport so its HTTP/2 and pool
// settings survive, then swaps in the loopback-aware proxy policy.
func newTransport(logger logging.Logger) *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: proxyFunc(logger)}
	}
	cloned := base.Clone()
	cloned.Proxy = proxyFunc(logger)
	return cloned
}
