package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configures the Anthropic scorer.
type AnthropicOptions struct {
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int64
}

// AnthropicScorer scores submissions with the Anthropic Messages API.
type AnthropicScorer struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicScorer creates a scorer using the official client.
func NewAnthropicScorer(opts AnthropicOptions) *AnthropicScorer {
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	// Retries are owned by the breaker.
	clientOpts = append(clientOpts, option.WithMaxRetries(0))

	client := anthropic.NewClient(clientOpts...)

	model := anthropic.Model(opts.Model)
	if model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 16
	}
	return &AnthropicScorer{client: &client, model: model, maxTokens: maxTokens}
}

func (a *AnthropicScorer) Name() string { return "anthropic:" + string(a.model) }

// Score implements Scorer.
func (a *AnthropicScorer) Score(ctx context.Context, s Submission) (int, error) {
	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: anthropic.Float(0),
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(Prompt(s))),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("anthropic api error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return ParseScore(text.String())
}
