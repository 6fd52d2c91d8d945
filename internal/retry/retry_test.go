package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fast = Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Timeout: time.Second}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fast, nil, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("temporarily unavailable")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fast, nil, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	rejected := errors.New("rejected")
	_, err := Do(context.Background(), fast, nil, func(context.Context) (int, error) {
		calls++
		return 0, Permanent(rejected)
	})
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, 1, calls)
}

func TestDoAppliesPerAttemptTimeout(t *testing.T) {
	p := Policy{Attempts: 1, Timeout: 10 * time.Millisecond}
	_, err := Do(context.Background(), p, nil, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
