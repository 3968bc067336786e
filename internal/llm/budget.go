package llm

import (
	"context"
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Budget rejects prompts larger than MaxTokens before they reach the wrapped Completer.
type Budget struct {
	next      Completer
	codec     tokenizer.Codec
	maxTokens int
}

func NewBudget(next Completer, maxTokens int) (*Budget, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Budget{next: next, codec: codec, maxTokens: maxTokens}, nil
}

// Count returns the number of tokens in text. It falls back to a 4 characters per token
// estimate when the codec fails.
func (b *Budget) Count(text string) int {
	n, err := b.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

func (b *Budget) Available() bool { return IsAvailable(b.next) }

func (b *Budget) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	if b.maxTokens > 0 {
		if n := b.Count(opts.System) + b.Count(prompt); n > b.maxTokens {
			return "", fmt.Errorf("%w: %d > %d", ErrPromptTooLarge, n, b.maxTokens)
		}
	}
	return b.next.Complete(ctx, prompt, opts)
}
