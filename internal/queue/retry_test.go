package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicySucceedsAfterFailures(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond}

	var retried []int
	calls := 0
	err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, prev error) {
		retried = append(retried, attempt)
		assert.EqualError(t, prev, "transient")
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{2, 3}, retried)
}

func TestRetryPolicyExhausts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("boom")
	}, nil)

	assert.EqualError(t, err, "boom")
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyPermanent(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Base: time.Millisecond}
	sentinel := errors.New("corrupt")

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(sentinel)
	}, nil)

	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Nil(t, Permanent(nil))
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, Base: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context, int) error {
			calls++
			return errors.New("transient")
		}, nil)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop after cancel")
	}
}

func TestPingWithoutBrokers(t *testing.T) {
	assert.ErrorIs(t, Ping(context.Background(), nil), ErrNoBrokers)
	assert.ErrorIs(t, EnsureTopics(context.Background(), nil, 1, 32<<20, "jobs"), ErrNoBrokers)
}
