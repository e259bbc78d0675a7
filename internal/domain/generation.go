package domain

import "context"

// Generator produces text for a prompt action through a model backend.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (Generation, error)
}

// HealthChecker verifies backend availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// GenerationRequest is a single generation or refinement call.
type GenerationRequest struct {
	Action string
	Prompt string
	Model  string
}

// Generation carries the model output and its token usage.
// TotalTokens is zero when the backend does not report usage.
type Generation struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}
