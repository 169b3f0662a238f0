package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_ClosedAllowsAndCountsDown(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 3, SuccessThreshold: 2, RecoveryTimeout: 100 * time.Millisecond})

	for i := 0; i < 10; i++ {
		assert.True(t, b.Allow())
		b.RecordSuccess()
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_OpensAfterThresholdAndFailsFast(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 3, RecoveryTimeout: time.Second})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
}

func TestBreaker_HalfOpenClosesOnSuccessThreshold(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	require.Equal(t, Open, b.State())

	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, HalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 1, SuccessThreshold: 2, RecoveryTimeout: 10 * time.Millisecond})

	b.RecordFailure()
	time.Sleep(15 * time.Millisecond)
	require.True(t, b.Allow())
	require.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreaker_CallFailsFastWithoutInvokingFnWhenOpen(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	called := false
	err := b.Call(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorContains(t, err, "circuit breaker is open")
}

func TestBreaker_CallClassifiesTimeoutAsFailure(t *testing.T) {
	b := New("redis", Config{FailureThreshold: 1, OperationTimeout: 10 * time.Millisecond})

	err := b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_CallIgnoresUnclassifiedError(t *testing.T) {
	programmerErr := errors.New("boom: nil pointer")
	b := New("redis", Config{
		FailureThreshold: 1,
		Classify: func(err error) bool {
			return false
		},
	})

	err := b.Call(context.Background(), func(ctx context.Context) error {
		return programmerErr
	})
	assert.ErrorIs(t, err, programmerErr)
	assert.Equal(t, Closed, b.State())
}
