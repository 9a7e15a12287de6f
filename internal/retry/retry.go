package retry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/planscope/api/internal/apperr"
)

// Policy retries an operation with exponential backoff. Only errors
// classified transient by apperr.IsTransient consume attempts; permanent
// errors propagate immediately without waiting.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Default is the policy applied to collaborator calls unless configured
// otherwise.
var Default = Policy{MaxAttempts: 3, BaseDelay: time.Second}

// ExhaustedError reports that every attempt failed with a transient error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

// Unwrap exposes the last attempt's error.
func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// Execute runs fn until it succeeds, fails permanently, or the attempt
// budget runs out. The delay before attempt n+1 is BaseDelay * 2^(n-1),
// so base=1s yields 1s, 2s, 4s between four attempts. The backoff wait
// aborts when ctx is done.
func (p Policy) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !apperr.IsTransient(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.BaseDelay << (attempt - 1)
		log.Printf("[Retry] %s attempt %d/%d failed: %v (retrying in %s)", op, attempt, attempts, lastErr, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &ExhaustedError{Op: op, Attempts: attempts, Last: lastErr}
}
