package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

const (
	defaultOllamaHost  = "http://localhost:11434"
	defaultOllamaModel = "llama3.1"
)

type OllamaClient struct {
	client *api.Client
	model  string
}

func NewOllama(hostURL, model string, httpClient *http.Client) (*OllamaClient, error) {
	if hostURL == "" {
		hostURL = defaultOllamaHost
	}
	u, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaClient{client: api.NewClient(u, httpClient), model: model}, nil
}

func (c *OllamaClient) Available() bool { return true }

func (c *OllamaClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	opts = opts.withDefaults()
	messages := make([]api.Message, 0, 2)
	if opts.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: opts.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": opts.MaxTokens,
		},
	}
	var sb strings.Builder
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		sb.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
