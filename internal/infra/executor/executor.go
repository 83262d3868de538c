// Package executor implements the in-container executor port against the
// worker agent's HTTP API.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"runway/internal/domain/worker"
	apperrors "runway/internal/errors"
	"runway/internal/infra/httpclient"
	jsonx "runway/internal/shared/json"
	"runway/internal/shared/logging"
)

const (
	defaultTimeout  = 30 * time.Second
	maxErrorBody    = 4 << 10
	maxResponseBody = 8 << 20
	headerTraceID   = "X-Trace-Id"
	headerSessionID = "X-Session-Id"
	headerRunID     = "X-Run-Id"
	headerOperation = "X-Operation"
)

// Config configures the executor client.
type Config struct {
	// BaseURL is the worker agent base, e.g. http://worker-agent:8098.
	BaseURL string
	// Timeout bounds one executor call.
	Timeout time.Duration
	// Retry overrides the transient-retry schedule for idempotent calls.
	Retry apperrors.RetryConfig
}

// Client implements worker.ExecutorClient.
type Client struct {
	baseURL string
	http    *http.Client
	retry   apperrors.RetryConfig
	logger  logging.Logger
}

// New validates the agent URL and builds the client.
func New(cfg Config, logger logging.Logger) (*Client, error) {
	baseURL, err := httpclient.ValidateBaseURL(cfg.BaseURL, httpclient.URLValidationOptions{
		AllowLocalhost:       true,
		AllowPrivateNetworks: true,
	})
	if err != nil {
		return nil, fmt.Errorf("executor url: %w", err)
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
		http:    httpclient.NewWithCircuitBreaker(timeout, logger, "executor"),
		retry:   retry,
		logger:  logging.OrNop(logger),
	}, nil
}

// RestoreWorkspace materializes the plan inside the container. The call
// is declarative, so transient failures are retried.
func (c *Client) RestoreWorkspace(ctx context.Context, containerID string, plan worker.RestorePlan, trace worker.Trace) error {
	var out struct{}
	return c.postRetry(ctx, containerID, "workspace/restore", plan, &out, trace)
}

// LinkAgentData wires shared agent data into the workspace.
func (c *Client) LinkAgentData(ctx context.Context, containerID string, links []worker.AgentDataLink, trace worker.Trace) error {
	body := struct {
		Links []worker.AgentDataLink `json:"links"`
	}{Links: links}
	var out struct{}
	return c.postRetry(ctx, containerID, "workspace/links", body, &out, trace)
}

// ValidateWorkspace checks the required paths. Missing paths are a result,
// not a transport failure; the agent answers 200 with the missing list.
func (c *Client) ValidateWorkspace(ctx context.Context, containerID string, requiredPaths []string, trace worker.Trace) ([]string, error) {
	body := struct {
		RequiredPaths []string `json:"requiredPaths"`
	}{RequiredPaths: requiredPaths}
	var out struct {
		Missing []string `json:"missing"`
	}
	if err := c.postRetry(ctx, containerID, "workspace/validate", body, &out, trace); err != nil {
		return nil, err
	}
	return out.Missing, nil
}

// ExecuteWorkspaceCommand runs one command inside the workspace. Commands
// are not idempotent, so this never retries; a non-zero exit surfaces as
// an error carrying the captured output.
func (c *Client) ExecuteWorkspaceCommand(ctx context.Context, containerID string, command []string, trace worker.Trace) (string, error) {
	if len(command) == 0 {
		return "", apperrors.NewPermanentError(fmt.Errorf("empty command for container %s", containerID))
	}
	body := struct {
		Command []string `json:"command"`
	}{Command: command}
	var out struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exitCode"`
	}
	if err := c.post(ctx, containerID, "exec", body, &out, trace); err != nil {
		return "", err
	}
	if out.ExitCode != 0 {
		return out.Output, apperrors.NewPermanentError(fmt.Errorf("command exited %d: %s", out.ExitCode, strings.TrimSpace(out.Output)))
	}
	return out.Output, nil
}

func (c *Client) postRetry(ctx context.Context, containerID, op string, body, out any, trace worker.Trace) error {
	return apperrors.RetryWithLog(ctx, c.retry, func(ctx context.Context) error {
		return c.post(ctx, containerID, op, body, out, trace)
	}, c.logger)
}

func (c *Client) post(ctx context.Context, containerID, op string, body, out any, trace worker.Trace) error {
	if strings.TrimSpace(containerID) == "" {
		return apperrors.NewPermanentError(fmt.Errorf("container id required for %s", op))
	}
	raw, err := jsonx.Marshal(body)
	if err != nil {
		return apperrors.NewPermanentError(fmt.Errorf("encode %s request: %w", op, err))
	}
	endpoint := fmt.Sprintf("%s/api/v1/containers/%s/%s", c.baseURL, url.PathEscape(containerID), op)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return apperrors.NewPermanentError(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if trace.TraceID != "" {
		httpReq.Header.Set(headerTraceID, trace.TraceID)
	}
	if trace.SessionID != "" {
		httpReq.Header.Set(headerSessionID, trace.SessionID)
	}
	if trace.RunID != "" {
		httpReq.Header.Set(headerRunID, trace.RunID)
	}
	if trace.Operation != "" {
		httpReq.Header.Set(headerOperation, trace.Operation)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &apperrors.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	payload, err := httpclient.ReadBodyLimited(resp.Body, maxResponseBody)
	if err != nil {
		if httpclient.IsBodyTooLarge(err) {
			return apperrors.NewPermanentError(fmt.Errorf("read %s response: %w", op, err))
		}
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if err := jsonx.Unmarshal(payload, out); err != nil {
		return apperrors.NewPermanentError(fmt.Errorf("decode %s response: %w", op, err))
	}
	return nil
}
