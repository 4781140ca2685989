package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

// RetryPolicy controls how model calls are retried on transient failures. A call is attempted at most
// MaxRetries+1 times. The wait before the n-th retry is Delay*Multiplier^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	MaxRetries int           `yaml:"maxRetries"`
	Delay      time.Duration `yaml:"delay"`
	Multiplier float64       `yaml:"multiplier"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		Delay:      500 * time.Millisecond,
		Multiplier: 2,
		MaxDelay:   5 * time.Second,
	}
}

func (p RetryPolicy) backoff(retry int) time.Duration {
	d := p.Delay
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// isTransient reports whether err is a ServiceError that may succeed when retried.
func isTransient(err error) bool {
	var serr *models.ServiceError
	return errors.As(err, &serr) && serr.Transient()
}

// retry runs op until it succeeds, shouldRetry rejects the error, the policy is exhausted, or ctx is done.
func retry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, shouldRetry func(error) bool, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if attempt >= policy.MaxRetries || !shouldRetry(err) {
			return err
		}

		wait := policy.backoff(attempt + 1)
		logger.Warn("Retrying model call",
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String(errLoggerKey, err.Error()))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
