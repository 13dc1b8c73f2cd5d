package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds retries of idempotent operations.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values <= 1 disable retries.
	MaxAttempts int

	// InitialInterval is the delay before the first retry (default: 100ms).
	InitialInterval time.Duration

	// MaxInterval caps the exponential delay (default: 2s).
	MaxInterval time.Duration

	// RetryStatus reports whether a completed result should be retried
	// (default: status >= 500).
	RetryStatus func(status int) bool
}

func (p *RetryPolicy) defaults() {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 2 * time.Second
	}
	if p.RetryStatus == nil {
		p.RetryStatus = func(status int) bool { return status >= 500 }
	}
}

// errRetryableStatus marks a result whose status asked for a retry.
var errRetryableStatus = errors.New("retryable backend status")

// retryingBridge retries idempotent operations with exponential backoff.
type retryingBridge struct {
	next   Bridge
	policy RetryPolicy
}

// Retrying wraps b so idempotent operations are retried according to p.
// Non-idempotent operations are always executed exactly once: only the
// bridge can judge whether repeating an operation is safe.
func Retrying(b Bridge, p RetryPolicy) Bridge {
	p.defaults()
	return &retryingBridge{next: b, policy: p}
}

func (r *retryingBridge) Invoke(ctx context.Context, op Operation) (*Result, error) {
	if !op.Idempotent || r.policy.MaxAttempts <= 1 {
		return r.next.Invoke(ctx, op)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.InitialInterval
	eb.MaxInterval = r.policy.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	var last *Result
	attempt := 0
	operation := func() error {
		attempt++
		res, err := r.next.Invoke(ctx, op)
		if err != nil {
			last = nil
			if ctx.Err() != nil || errors.Is(err, ErrResponseTooLarge) {
				return backoff.Permanent(err)
			}
			return err
		}
		last = res
		if r.policy.RetryStatus(res.Status) {
			return errRetryableStatus
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("retrying idempotent bridge operation",
			"operation", op.Name,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	if errors.Is(err, errRetryableStatus) {
		// Out of attempts: hand back the last raw result unmodified.
		return last, nil
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

func (r *retryingBridge) Close() error {
	return r.next.Close()
}

// serializedBridge allows one in-flight operation at a time.
type serializedBridge struct {
	mu   sync.Mutex
	next Bridge
}

// Serialized wraps b so at most one operation runs at a time, for backends
// that only accept a single connection (serial ports, single-session
// devices). Waiting callers give up when their context is done.
func Serialized(b Bridge) Bridge {
	return &serializedBridge{next: b}
}

func (s *serializedBridge) Invoke(ctx context.Context, op Operation) (*Result, error) {
	acquired := make(chan struct{})
	go func() {
		s.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// Release the lock once the pending acquisition completes.
		go func() {
			<-acquired
			s.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
	defer s.mu.Unlock()

	return s.next.Invoke(ctx, op)
}

func (s *serializedBridge) Close() error {
	return s.next.Close()
}
