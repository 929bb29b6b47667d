// Package llm abstracts the completion providers used for prompt-driven
// extraction and curation. Providers are deliberately thin: one request,
// one text response. Parsing and validation of model output belong to
// the caller.
package llm

import "context"

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Model       string // overrides the provider default when set
	JSONMode    bool   // ask the model for a JSON object response
	MaxTokens   int
	Temperature float64
}

// Provider executes completion requests against one vendor API.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}
