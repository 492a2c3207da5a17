package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures the OpenAI scorer.
type OpenAIOptions struct {
	Model   string
	APIKey  string
	BaseURL string
}

// OpenAIScorer scores submissions with the Chat Completions API.
type OpenAIScorer struct {
	client *openai.Client
	model  openai.ChatModel
}

// NewOpenAIScorer creates a scorer using the official client.
func NewOpenAIScorer(opts OpenAIOptions) *OpenAIScorer {
	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	clientOpts = append(clientOpts, option.WithMaxRetries(0))

	client := openai.NewClient(clientOpts...)

	model := openai.ChatModel(opts.Model)
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	return &OpenAIScorer{client: &client, model: model}
}

func (o *OpenAIScorer) Name() string { return "openai:" + string(o.model) }

// Score implements Scorer.
func (o *OpenAIScorer) Score(ctx context.Context, s Submission) (int, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(Prompt(s)),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return 0, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("%w: no choices returned", ErrNoScore)
	}
	return ParseScore(resp.Choices[0].Message.Content)
}
