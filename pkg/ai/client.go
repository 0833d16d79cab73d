// Package ai abstracts the text-completion backend used by the job
// processor.
package ai

import (
	"context"
	"errors"
)

// ErrTransient marks failures worth retrying: timeouts, throttling, upstream
// 5xx. Wrap with %w so callers can errors.Is it.
var ErrTransient = errors.New("transient ai failure")

// CompletionRequest is a single prompt sent to the model.
type CompletionRequest struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// CompletionResult carries the generated text plus token usage for cost
// accounting.
type CompletionResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Client generates completions. Implementations must honor ctx cancellation.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)
}
