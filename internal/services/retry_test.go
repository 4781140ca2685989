package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NexionisJake/Synapse-sub001/internal/logger"
	"github.com/NexionisJake/Synapse-sub001/internal/models"
)

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{Delay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.backoff(2))
	assert.Equal(t, 300*time.Millisecond, p.backoff(3))
	assert.Equal(t, 300*time.Millisecond, p.backoff(10))

	fixed := RetryPolicy{Delay: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, fixed.backoff(3))
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, Delay: time.Millisecond}
	unreachable := &models.ServiceError{Kind: models.ServiceUnreachable}
	notFound := &models.ServiceError{Kind: models.ServiceModelNotFound}

	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   error
	}{
		{
			name:      "Succeeds first time",
			errs:      []error{nil},
			wantCalls: 1,
		},
		{
			name:      "Recovers after transient failure",
			errs:      []error{unreachable, nil},
			wantCalls: 2,
		},
		{
			name:      "Gives up after max retries",
			errs:      []error{unreachable, unreachable, unreachable, nil},
			wantCalls: 3,
			wantErr:   unreachable,
		},
		{
			name:      "Does not retry permanent failure",
			errs:      []error{notFound, nil},
			wantCalls: 1,
			wantErr:   notFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retry(context.Background(), policy, logger.Nop(), isTransient, func() error {
				err := tt.errs[calls]
				calls++
				return err
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, tt.wantErr))
			}
		})
	}
}

func TestRetryStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := retry(ctx, RetryPolicy{MaxRetries: 5, Delay: time.Hour}, logger.Nop(), isTransient, func() error {
		calls++
		return &models.ServiceError{Kind: models.ServiceUnreachable}
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
