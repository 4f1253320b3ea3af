// Package backend adapts the two model inference protocols to one
// interface the engine can drive. The funcall variant speaks a native
// function-calling API with session-style contents; the chatapi variant
// speaks an OpenAI-compatible chat-completions API that replays the
// whole transcript on every call.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

// Turn is one entry of the canonical conversation history.
type Turn struct {
	Role       string // system, user, assistant or tool
	Content    string
	ToolCalls  []ToolCall // assistant turns that requested tool calls
	ToolCallID string     // tool turns: id of the call being answered
	ToolName   string     // tool turns: name of the tool that ran
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolSchema describes one tool as presented to the model.
type ToolSchema struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Response is one model answer: either final text or requested calls.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Budgets bounds the round loop for one backend variant.
type Budgets struct {
	// MaxToolCalls caps total tool invocations across the request.
	MaxToolCalls int
	// MaxRounds caps consecutive tool-requesting responses.
	MaxRounds int
	// PerRoundCalls caps calls requested in a single response.
	// Zero means unbounded.
	PerRoundCalls int
	// CallTimeout bounds one inference call. Zero means no deadline.
	CallTimeout time.Duration
}

// Backend is one model inference protocol.
type Backend interface {
	Name() string
	Model() string
	Budgets() Budgets
	Generate(ctx context.Context, systemPrompt string, history []Turn, tools []ToolSchema) (*Response, error)
}

// APIError is a protocol-level failure from a model API, classified by
// its HTTP status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("model API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model API error (%d)", e.StatusCode)
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case 500, 502, 503, 504:
		return true
	}
	return false
}

// QuotaExhausted reports whether the API rejected the call for quota.
func (e *APIError) QuotaExhausted() bool {
	return e.StatusCode == 429
}

// ErrCallTimeout marks an inference call that exceeded its deadline.
var ErrCallTimeout = errors.New("model API call timed out")

// IsTimeout reports whether err stems from a call deadline rather than
// the surrounding request being cancelled.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrCallTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// RetryPolicy bounds retries on transient failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// OnRetry runs once per retry, before the backoff sleep.
	OnRetry func()
}

// generateWithRetry runs fn, retrying transient API errors with
// exponential backoff. Non-transient errors surface immediately.
func generateWithRetry(ctx context.Context, logger *log.Logger, policy RetryPolicy, fn func() (*Response, error)) (*Response, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.Transient() || attempt >= attempts {
			return nil, err
		}

		if policy.OnRetry != nil {
			policy.OnRetry()
		}
		delay := policy.BaseDelay * (1 << (attempt - 1))
		if logger != nil {
			logger.Printf("transient model API error (%d), retry %d/%d in %s", apiErr.StatusCode, attempt, attempts, delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}
