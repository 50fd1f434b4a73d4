package resilience

import (
	"errors"
)

// ConnectionError wraps an underlying error to mark it as a transport/
// connection-establishment failure rather than a semantic one (bad
// request, provider-side content rejection, etc). Only ConnectionErrors
// are eligible for RetryOnce's single reconnect attempt.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "connection error: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is, or wraps, a *ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// RetryOnce runs fn through breaker. If the first attempt fails with a
// connection error, it is retried exactly once before giving up. Any
// non-connection error, or a second consecutive failure, is returned
// as-is without a further retry. No engine adapter in this module wraps
// its calls with RetryOnce.
func RetryOnce(breaker *CircuitBreaker, fn func() error) error {
	err := breaker.Execute(fn)
	if err == nil {
		return nil
	}
	if !IsConnectionError(err) {
		return err
	}
	return breaker.Execute(fn)
}
