package app

import (
	"sync"

	"runway/internal/domain/callback"
	"runway/internal/provider"
	tokenutil "runway/internal/shared/token"
)

// UsageEstimator accumulates a local token count per run so runs whose
// provider never reported usage still finalize with an estimate. Values
// it produces carry Estimated=true and lose to any provider-reported
// usage under the store's finalize-once rule.
type UsageEstimator struct {
	mu     sync.Mutex
	counts map[string]*usageCount
}

type usageCount struct {
	input  int
	output int
}

// NewUsageEstimator creates an empty estimator.
func NewUsageEstimator() *UsageEstimator {
	return &UsageEstimator{counts: make(map[string]*usageCount)}
}

// FeedPrompt counts the input side of a run once, at execution start.
func (e *UsageEstimator) FeedPrompt(runID string, messages []provider.Message) {
	if e == nil || runID == "" || len(messages) == 0 {
		return
	}
	total := 0
	for _, m := range messages {
		total += tokenutil.Count(m.Content)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countFor(runID).input += total
}

// FeedOutput accumulates streamed delta text for the run.
func (e *UsageEstimator) FeedOutput(runID, text string) {
	if e == nil || runID == "" || text == "" {
		return
	}
	n := tokenutil.Count(text)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countFor(runID).output += n
}

// Estimate snapshots the current estimate for the run.
func (e *UsageEstimator) Estimate(runID string) callback.Usage {
	if e == nil {
		return callback.Usage{Estimated: true}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.counts[runID]
	if c == nil {
		return callback.Usage{Estimated: true}
	}
	return callback.Usage{
		InputTokens:  c.input,
		OutputTokens: c.output,
		TotalTokens:  c.input + c.output,
		Estimated:    true,
	}
}

// Forget drops the run's counters after its usage is finalized.
func (e *UsageEstimator) Forget(runID string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counts, runID)
}

func (e *UsageEstimator) countFor(runID string) *usageCount {
	c := e.counts[runID]
	if c == nil {
		c = &usageCount{}
		e.counts[runID] = c
	}
	return c
}
