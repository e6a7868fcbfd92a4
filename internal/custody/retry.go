package custody

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/tradehold-backend/pkg/config"
	"github.com/angelmondragon/tradehold-backend/pkg/metrics"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultBaseWait    = 200 * time.Millisecond
	maxJitter          = 100 * time.Millisecond
)

// caller bounds every processor round trip and retries only ErrUnavailable.
type caller struct {
	timeout    time.Duration
	baseWait   time.Duration
	maxRetries uint64
	metrics    *metrics.CustodyMetrics
	now        func() time.Time
}

func newCaller(cfg config.CustodyConfig, m *metrics.CustodyMetrics) caller {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	base := cfg.RetryBaseWait
	if base <= 0 {
		base = defaultBaseWait
	}
	return caller{
		timeout:    timeout,
		baseWait:   base,
		maxRetries: cfg.MaxRetries,
		metrics:    m,
		now:        time.Now,
	}
}

func (c caller) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.WithJitter(maxJitter, retry.NewExponential(c.baseWait)))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			c.metrics.IncRetry(op)
		}
		attempt++

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		started := c.now()
		err := fn(callCtx)
		c.metrics.ObserveCall(op, outcome(err), c.now().Sub(started))
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrRejected):
		return "rejected"
	}
	return "error"
}
