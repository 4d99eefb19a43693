package remote

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// LimitConfig holds the rate-limiting and retry policy for outbound calls.
type LimitConfig struct {
	// MaxInFlight bounds concurrent requests.
	MaxInFlight int

	// MinSpacing is the minimum delay between request starts.
	MinSpacing time.Duration

	// MaxAttempts is the total number of tries per call (first attempt
	// plus retries).
	MaxAttempts int

	// InitialBackoff is the first retry delay; it doubles per retry up to
	// MaxBackoff, jittered ±25%.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration

	// Logger for retry activity. Defaults to stderr.
	Logger *log.Logger
}

// DefaultLimitConfig returns the service's documented limits: 3 requests in
// flight, ~3 requests per second, 5 attempts backing off 1s..64s.
func DefaultLimitConfig() LimitConfig {
	return LimitConfig{
		MaxInFlight:    3,
		MinSpacing:     340 * time.Millisecond,
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     64 * time.Second,
		AttemptTimeout: 30 * time.Second,
	}
}

// Limited wraps a Client with the process-wide rate limiter for one
// workspace: a concurrency semaphore, minimum spacing between request
// starts, and exponential backoff on throttle, 5xx, and transport errors.
// Non-throttle 4xx responses fail without retry.
type Limited struct {
	inner   Client
	cfg     LimitConfig
	limiter *rate.Limiter
	sem     chan struct{}
	logger  *log.Logger

	// sleep is swapped in tests to observe the backoff schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewLimited wraps inner with the given limits.
func NewLimited(inner Client, cfg LimitConfig) *Limited {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	var limiter *rate.Limiter
	if cfg.MinSpacing > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinSpacing), 1)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	return &Limited{
		inner:   inner,
		cfg:     cfg,
		limiter: limiter,
		sem:     make(chan struct{}, cfg.MaxInFlight),
		logger:  logger,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// do runs fn under the semaphore, spacing, and retry policy.
func (l *Limited) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.InitialBackoff
	bo.Multiplier = 2
	bo.MaxInterval = l.cfg.MaxBackoff
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}

		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if l.cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, l.cfg.AttemptTimeout)
		}
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		var ambiguous *createAmbiguousError
		if errors.As(err, &ambiguous) || !IsRetryable(err) {
			return err
		}
		if attempt == l.cfg.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		l.logger.Printf("%s failed (attempt %d/%d), retrying in %v: %v",
			op, attempt, l.cfg.MaxAttempts, delay.Round(time.Millisecond), err)
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return lastErr
}

// FetchTree implements Client. The whole traversal is retried as a unit;
// nodes already delivered to fn may be delivered again on retry, which is
// harmless because snapshots are keyed by id.
func (l *Limited) FetchTree(ctx context.Context, rootID string, fn func(TreeNode) error) error {
	return l.do(ctx, "fetch_tree", func(ctx context.Context) error {
		return l.inner.FetchTree(ctx, rootID, fn)
	})
}

// FetchContent implements Client.
func (l *Limited) FetchContent(ctx context.Context, id string) (*Content, error) {
	var content *Content
	err := l.do(ctx, "fetch_content", func(ctx context.Context) error {
		var err error
		content, err = l.inner.FetchContent(ctx, id)
		return err
	})
	return content, err
}

// Create implements Client. Create is not retried past the first attempt
// that may have reached the service with an ambiguous outcome: only
// throttle responses (which the service rejects before acting) are retried.
// Recovery from a crashed create goes through FindChild adoption instead.
func (l *Limited) Create(ctx context.Context, req CreateRequest) (*TreeNode, error) {
	var node *TreeNode
	err := l.do(ctx, "create", func(ctx context.Context) error {
		var err error
		node, err = l.inner.Create(ctx, req)
		if err != nil && IsRetryable(err) && !IsThrottle(err) {
			// The create may have committed remotely. Surface the error so
			// the engine's adoption probe resolves it on the next run.
			return &createAmbiguousError{err: err}
		}
		return err
	})
	return node, err
}

// createAmbiguousError wraps a create failure that must not be retried
// because the remote outcome is unknown.
type createAmbiguousError struct {
	err error
}

func (e *createAmbiguousError) Error() string {
	return "create outcome unknown: " + e.err.Error()
}

func (e *createAmbiguousError) Unwrap() error { return e.err }

// Update implements Client. Update is idempotent by content, so the full
// retry policy applies.
func (l *Limited) Update(ctx context.Context, id string, patch Patch) (time.Time, error) {
	var mtime time.Time
	err := l.do(ctx, "update", func(ctx context.Context) error {
		var err error
		mtime, err = l.inner.Update(ctx, id, patch)
		return err
	})
	return mtime, err
}

// Delete implements Client. Archiving an already-archived document is a
// no-op remotely, so delete retries freely.
func (l *Limited) Delete(ctx context.Context, id string) error {
	return l.do(ctx, "delete", func(ctx context.Context) error {
		return l.inner.Delete(ctx, id)
	})
}

// FindChild implements Client.
func (l *Limited) FindChild(ctx context.Context, parentID, title string) ([]TreeNode, error) {
	var nodes []TreeNode
	err := l.do(ctx, "find_child", func(ctx context.Context) error {
		var err error
		nodes, err = l.inner.FindChild(ctx, parentID, title)
		return err
	})
	return nodes, err
}
