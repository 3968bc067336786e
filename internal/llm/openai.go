package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const defaultOpenAIModel = "gpt-4o-mini"

type OpenAIClient struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, model, baseURL string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIClient{client: openai.NewClient(opts...), model: model}
}

func (c *OpenAIClient) Available() bool { return true }

func (c *OpenAIClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	opts = opts.withDefaults()
	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(opts.MaxTokens)),
		Temperature:     openai.Float(opts.Temperature),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	}
	if opts.System != "" {
		params.Instructions = openai.String(opts.System)
	}
	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	text := strings.TrimSpace(resp.OutputText())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
