package ai

import (
	"context"
	"errors"
	"time"
)

// Complete calls the provider with a hard per-attempt timeout and at most
// maxRetries additional attempts. Only transient upstream failures (429
// and 5xx) are retried; everything else fails fast.
func Complete(ctx context.Context, p Provider, messages []Message, timeout time.Duration, maxRetries int) (string, error) {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := p.Chat(callCtx, messages)
		cancel()
		if err == nil {
			return reply, nil
		}
		lastErr = err

		var se *StatusError
		if !errors.As(err, &se) || !se.Retryable() {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}
