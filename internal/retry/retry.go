// Package retry wraps flaky transport operations in a fixed-delay retry
// loop. Results the caller rejects are retried exactly like errors;
// cancellation is never retried.
package retry

import (
	"errors"
	"time"
)

// ErrExhausted is returned when every attempt failed without hitting a
// non-retryable error. Callers treat it as the failure signal.
var ErrExhausted = errors.New("retry: attempts exhausted")

type Config struct {
	// Attempts is the total number of invocations, including the first.
	Attempts int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
	// NonRetryable errors (matched with errors.Is) propagate immediately
	// and unmodified. Used for user-initiated cancellation.
	NonRetryable []error
}

// Do invokes op until it returns a nil error and a result accepted by ok.
// A nil ok accepts any result returned without an error. An empty or
// "false" result rejected by ok counts as a soft failure and is retried
// identically to an error.
func Do[T any](op func() (T, error), ok func(T) bool, cfg Config) (T, error) {
	var zero T

	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := op()
		if err == nil && (ok == nil || ok(result)) {
			return result, nil
		}

		if err != nil {
			for _, nr := range cfg.NonRetryable {
				if errors.Is(err, nr) {
					return zero, err
				}
			}
		}

		if attempt < attempts && cfg.Delay > 0 {
			time.Sleep(cfg.Delay)
		}
	}

	return zero, ErrExhausted
}
