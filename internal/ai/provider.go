package ai

import (
	"context"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StatusError carries the upstream HTTP status so callers can decide
// whether a failure is worth retrying.
type StatusError struct {
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Msg)
}

// Retryable reports whether the status class is transient: 429 and 5xx
// only, so retries never amplify a 4xx outage.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}
