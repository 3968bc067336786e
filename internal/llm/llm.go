// Package llm provides the completion service used by intent inference and LLM-backed agents.
package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

const (
	defaultMaxTokens = 512
	defaultTimeout   = 30 * time.Second
)

var (
	ErrUnavailable    = errors.New("completion service unavailable")
	ErrEmptyResponse  = errors.New("completion service returned an empty response")
	ErrPromptTooLarge = errors.New("prompt exceeds token budget")
)

type Options struct {
	MaxTokens   int
	Temperature float64
	// System is an optional instruction sent ahead of the prompt.
	System string
}

func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = defaultMaxTokens
	}
	return o
}

// Completer turns a prompt into text.
type Completer interface {
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
	Available() bool
}

// Unavailable is a Completer that never answers.
type Unavailable struct{}

func (Unavailable) Complete(context.Context, string, Options) (string, error) {
	return "", ErrUnavailable
}

func (Unavailable) Available() bool { return false }

// Func adapts a function to the Completer interface.
type Func func(ctx context.Context, prompt string, opts Options) (string, error)

func (f Func) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return f(ctx, prompt, opts)
}

func (f Func) Available() bool { return f != nil }

// IsAvailable reports whether c is non-nil and available.
func IsAvailable(c Completer) bool {
	return c != nil && c.Available()
}

// IsTransient reports whether err is worth retrying or falling back from.
// Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "rate limit", "overloaded", "429", "500", "502", "503", "504", "529"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// withTimeout bounds ctx by d unless ctx already carries a deadline.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
