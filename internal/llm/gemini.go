package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiClient creates the underlying genai client lazily on first use.
type GeminiClient struct {
	apiKey string
	model  string

	once   sync.Once
	client *genai.Client
	err    error
}

func NewGemini(apiKey, model string) *GeminiClient {
	if model == "" {
		model = defaultGeminiModel
	}
	return &GeminiClient{apiKey: apiKey, model: model}
}

func (c *GeminiClient) Available() bool { return c.apiKey != "" }

func (c *GeminiClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	c.once.Do(func() {
		c.client, c.err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  c.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if c.err != nil {
		return "", fmt.Errorf("gemini: create client: %w", c.err)
	}
	opts = opts.withDefaults()
	temperature := float32(opts.Temperature)
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(opts.MaxTokens),
	}
	if opts.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: opts.System}}}
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: prompt}}}}
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
