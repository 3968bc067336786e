package llm

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type LimitOptions struct {
	RequestsPerSecond float64
	Burst             int
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Timeout           time.Duration
}

// Limited rate limits calls to the wrapped Completer and retries transient failures
// with exponential backoff.
type Limited struct {
	next    Completer
	limiter *rate.Limiter
	opts    LimitOptions
	log     *zap.Logger
}

func NewLimited(next Completer, opts LimitOptions, logger *zap.Logger) *Limited {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		opts:    opts,
		log:     logger,
	}
}

func (l *Limited) Available() bool { return IsAvailable(l.next) }

func (l *Limited) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	ctx, cancel := withTimeout(ctx, l.opts.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= l.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := l.backoff(attempt)
			l.log.Debug("retrying completion",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("completion retry aborted: %w", lastErr)
			case <-time.After(delay):
			}
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
		out, err := l.next.Complete(ctx, prompt, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (l *Limited) backoff(attempt int) time.Duration {
	d := time.Duration(float64(l.opts.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if d > l.opts.MaxBackoff {
		d = l.opts.MaxBackoff
	}
	return d
}
