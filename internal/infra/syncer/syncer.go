// Package syncer implements the workspace-sync port against the sync
// sidecar's HTTP API.
package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"runway/internal/domain/worker"
	apperrors "runway/internal/errors"
	"runway/internal/infra/httpclient"
	jsonx "runway/internal/shared/json"
	"runway/internal/shared/logging"
)

const (
	syncPath        = "/api/v1/sync"
	defaultTimeout  = 60 * time.Second
	maxErrorBody    = 4 << 10
	headerTraceID   = "X-Trace-Id"
	headerSessionID = "X-Session-Id"
	headerRunID     = "X-Run-Id"
	headerOperation = "X-Operation"
)

// Config configures the sidecar client.
type Config struct {
	// BaseURL is the sidecar base, e.g. http://sync-sidecar:8099.
	BaseURL string
	// Timeout bounds one sync call. Syncs move whole workspaces, so the
	// default is generous.
	Timeout time.Duration
	// Retry overrides the transient-retry schedule.
	Retry apperrors.RetryConfig
}

// Client implements worker.WorkspaceSyncClient.
type Client struct {
	baseURL string
	http    *http.Client
	retry   apperrors.RetryConfig
	logger  logging.Logger
}

// New validates the sidecar URL and builds the client. Loopback and
// private addresses are allowed; the sidecar lives on the pod network.
func New(cfg Config, logger logging.Logger) (*Client, error) {
	baseURL, err := httpclient.ValidateBaseURL(cfg.BaseURL, httpclient.URLValidationOptions{
		AllowLocalhost:       true,
		AllowPrivateNetworks: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sync sidecar url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = apperrors.DefaultRetryConfig()
	}
	return &Client{
		baseURL: baseURL,
		http:    httpclient.NewWithCircuitBreaker(timeout, logger, "sync-sidecar"),
		retry:   retry,
		logger:  logging.OrNop(logger),
	}, nil
}

// SyncWorkspace posts the sync request and waits for the sidecar to
// finish the upload. Transient failures are retried; the caller records
// the final outcome either way.
func (c *Client) SyncWorkspace(ctx context.Context, req worker.SyncRequest) error {
	if strings.TrimSpace(req.ContainerID) == "" {
		return apperrors.NewPermanentError(fmt.Errorf("sync request for session %s has no container id", req.SessionID))
	}
	body, err := jsonx.Marshal(req)
	if err != nil {
		return apperrors.NewPermanentError(fmt.Errorf("encode sync request: %w", err))
	}

	err = apperrors.RetryWithLog(ctx, c.retry, func(ctx context.Context) error {
		return c.post(ctx, c.baseURL+syncPath, body, req.Trace)
	}, c.logger)
	if err != nil {
		return fmt.Errorf("sync workspace for session %s: %w", req.SessionID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte, trace worker.Trace) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return apperrors.NewPermanentError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setTraceHeaders(httpReq.Header, trace)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &apperrors.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
}

func setTraceHeaders(h http.Header, trace worker.Trace) {
	if trace.TraceID != "" {
		h.Set(headerTraceID, trace.TraceID)
	}
	if trace.SessionID != "" {
		h.Set(headerSessionID, trace.SessionID)
	}
	if trace.RunID != "" {
		h.Set(headerRunID, trace.RunID)
	}
	if trace.Operation != "" {
		h.Set(headerOperation, trace.Operation)
	}
}
