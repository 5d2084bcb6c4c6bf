// Package retry wraps fallible operations with bounded exponential backoff.
// Transient failures (network hiccups, rate limits, flaky RPC endpoints) are
// retried with a doubling delay; terminal failures (reverts, insufficient
// funds, canceled contexts) abort immediately so the caller can surface a
// domain error without burning attempts.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.vocdoni.io/dvote/log"
)

const (
	// DefaultMaxAttempts bounds the total number of tries, first included.
	DefaultMaxAttempts = 5
	// DefaultInitialDelay is the delay before the first retry; it doubles
	// on every subsequent one.
	DefaultInitialDelay = 500 * time.Millisecond
)

// Observer is invoked before every retry with the attempt just failed, the
// total attempt budget and the error that triggered the retry.
type Observer func(attempt, maxAttempts int, lastErr error)

// Options tune a Do call. The zero value uses the package defaults.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Observer     Observer
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as non-retryable. Do aborts immediately when the
// operation returns a terminal error.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTransient reports whether err looks worth retrying. Explicitly marked
// terminal errors, canceled contexts and errors whose message matches a known
// deterministic failure are not; network timeouts and transport-level
// failures are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var marked *terminalError
	if errors.As(err, &marked) {
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
	for _, token := range terminalMessageTokens {
		if strings.Contains(msg, token) {
			return false
		}
	}
	return true
}

// terminalMessageTokens match deterministic failures that retrying cannot
// fix without caller intervention.
var terminalMessageTokens = []string{
	"execution reverted",
	"insufficient funds",
	"insufficient allowance",
	"nonce too low",
	"invalid argument",
	"invalid params",
	"method not found",
	"already known",
}

// Do runs op until it succeeds, a terminal error occurs, the attempt budget
// is exhausted or ctx is canceled. The name is used only for logging. On
// exhaustion the last underlying error is returned.
func Do[T any](ctx context.Context, name string, op func() (T, error), opts Options) (T, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	initialDelay := opts.InitialDelay
	if initialDelay <= 0 {
		initialDelay = DefaultInitialDelay
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0 // deterministic doubling
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // bounded by attempts, not wall clock

	var zero T
	var result T
	attempt := 0
	operation := func() error {
		attempt++
		var err error
		result, err = op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(unwrapTerminal(err))
		}
		if attempt >= maxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		log.Debugw("retrying operation", "name", name, "attempt", attempt,
			"maxAttempts", maxAttempts, "delay", next.String(), "error", err.Error())
		if opts.Observer != nil {
			opts.Observer(attempt, maxAttempts, err)
		}
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return zero, err
	}
	return result, nil
}

func unwrapTerminal(err error) error {
	var marked *terminalError
	if errors.As(err, &marked) {
		return marked.err
	}
	return err
}
