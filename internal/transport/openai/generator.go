package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/promptmeter/internal/domain"
	"github.com/kailas-cloud/promptmeter/internal/metrics"
)

const (
	generateInstruction = "You are a prompt engineer. Turn the user's description into a complete, " +
		"well-structured prompt for a large language model. Reply with the prompt only."
	refineInstruction = "You are a prompt engineer. Improve the user's prompt for clarity, structure " +
		"and specificity while keeping its intent. Reply with the improved prompt only."
)

// Generator produces prompts via an OpenAI-compatible chat completions API.
type Generator struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
	user         string
	logger       *zap.Logger
}

// Config holds the generator backend settings.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
	User         string
	Timeout      time.Duration // 0 = no client-side timeout
	Logger       *zap.Logger
}

// NewGenerator creates an OpenAI-compatible generator.
func NewGenerator(cfg *Config) *Generator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Generator{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		user:         cfg.User,
		logger:       cfg.Logger,
	}
}

// DefaultModel returns the model used when a request names none.
func (g *Generator) DefaultModel() string { return g.defaultModel }

// Generate implements domain.Generator with transport-level metrics.
func (g *Generator) Generate(ctx context.Context, in domain.GenerationRequest) (domain.Generation, error) {
	model := in.Model
	if model == "" {
		model = g.defaultModel
	}

	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: instructionFor(in.Action)},
			{Role: openai.ChatMessageRoleUser, Content: in.Prompt},
		},
		User: g.user,
	}
	if g.maxTokens > 0 {
		req.MaxCompletionTokens = g.maxTokens
	}

	start := time.Now()

	resp, err := g.client.CreateChatCompletion(ctx, req)

	duration := time.Since(start)

	if err != nil {
		metrics.GeneratorRequestsTotal.WithLabelValues(in.Action, model, "error").Inc()
		g.logger.Warn("Generator request failed",
			zap.String("action", in.Action),
			zap.String("model", model),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return domain.Generation{}, parseAPIError(err)
	}

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		metrics.GeneratorRequestsTotal.WithLabelValues(in.Action, model, "error").Inc()
		return domain.Generation{}, fmt.Errorf("empty completion response: %w", domain.ErrGeneratorFailed)
	}

	metrics.GeneratorRequestsTotal.WithLabelValues(in.Action, model, "success").Inc()
	metrics.GeneratorRequestDuration.WithLabelValues(in.Action, model).Observe(duration.Seconds())
	if resp.Usage.TotalTokens > 0 {
		metrics.GeneratorTokensTotal.WithLabelValues(model, "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.GeneratorTokensTotal.WithLabelValues(model, "completion").Add(float64(resp.Usage.CompletionTokens))
	}

	if resp.Model != "" {
		model = resp.Model
	}
	return domain.Generation{
		Text:             resp.Choices[0].Message.Content,
		Model:            model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}, nil
}

// HealthCheck verifies API availability via ListModels (free endpoint).
func (g *Generator) HealthCheck(ctx context.Context) error {
	if _, err := g.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func instructionFor(action string) string {
	if action == "refine" {
		return refineInstruction
	}
	return generateInstruction
}

// parseAPIError extracts a human-readable error from the API response.
// All errors are wrapped with domain.ErrGeneratorFailed for 502 mapping.
func parseAPIError(err error) error {
	wrap := domain.ErrGeneratorFailed

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if detail := extractDetail(reqErr.Body); detail != "" {
			return fmt.Errorf("generator API error %d: %s: %w", reqErr.HTTPStatusCode, detail, wrap)
		}
		return fmt.Errorf("generator API error %d: %s: %w", reqErr.HTTPStatusCode, string(reqErr.Body), wrap)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("generator API error %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, wrap)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("generator request: %w: %w", err, wrap)
	}
	return fmt.Errorf("generator request failed: %w", wrap)
}

// extractDetail extracts the "detail" field from a JSON error body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
