package reconnect

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/errs"
)

var errNetwork = errs.New("subscribe/poll", errs.CodeNetworkTimeout)

func TestExponentialDelaysDoubleWithinJitter(t *testing.T) {
	policy := NewExponential(time.Second, 30*time.Second, 0.2, 10, false)

	nominal := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, want := range nominal {
		attempt := uint(i + 1)
		want *= time.Second
		for n := 0; n < 50; n++ {
			delay, retry := policy.NextDelay(attempt, errNetwork)
			require.True(t, retry)
			require.GreaterOrEqual(t, delay, want-want/5-1, "attempt %d", attempt)
			require.LessOrEqual(t, delay, want+want/5+1, "attempt %d", attempt)
		}
		low, high := policy.Bounds(attempt)
		require.LessOrEqual(t, low, want)
		require.GreaterOrEqual(t, high, want)
	}
}

func TestExponentialWithoutJitterIsDeterministic(t *testing.T) {
	policy := NewExponential(500*time.Millisecond, 4*time.Second, 0, 10, false)
	var got []time.Duration
	for attempt := uint(1); attempt <= 6; attempt++ {
		delay, retry := policy.NextDelay(attempt, errNetwork)
		require.True(t, retry)
		got = append(got, delay)
	}
	require.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}, got)
}

func TestExponentialHugeAttemptStaysAtCap(t *testing.T) {
	policy := NewExponential(time.Second, 10*time.Second, 0, 0, true)
	delay, retry := policy.NextDelay(1<<20, errNetwork)
	require.True(t, retry)
	require.Equal(t, 10*time.Second, delay)
}

func TestPoliciesGiveUpAfterMaxRetries(t *testing.T) {
	linear := NewLinear(time.Second, 3, false)
	for attempt := uint(1); attempt <= 3; attempt++ {
		delay, retry := linear.NextDelay(attempt, errNetwork)
		require.True(t, retry)
		require.Equal(t, time.Second, delay)
	}
	_, retry := linear.NextDelay(4, errNetwork)
	require.False(t, retry)

	exp := NewExponential(time.Second, time.Minute, 0, 2, false)
	_, retry = exp.NextDelay(3, errNetwork)
	require.False(t, retry)
}

func TestUnlimitedNeverGivesUpOnRetryableErrors(t *testing.T) {
	linear := NewLinear(time.Second, 1, true)
	_, retry := linear.NextDelay(10_000, errNetwork)
	require.True(t, retry)
}

func TestTerminalErrorsGiveUpImmediately(t *testing.T) {
	denied := errs.New("subscribe/poll", errs.CodeAuthDenied, errs.WithHTTP(403))
	policies := []Policy{
		NewLinear(time.Second, 10, false),
		NewLinear(time.Second, 10, true),
		NewExponential(time.Second, time.Minute, 0.2, 10, true),
	}
	for _, policy := range policies {
		for _, attempt := range []uint{1, 2, 9} {
			_, retry := policy.NextDelay(attempt, denied)
			require.False(t, retry, "%s attempt %d", policy.Name(), attempt)
		}
	}
	conflict := errs.New("subscribe/poll", errs.CodeSubscriptionConflict)
	_, retry := NewLinear(time.Second, 10, true).NextDelay(1, conflict)
	require.False(t, retry)
}

func TestUnclassifiedErrorsAreRetried(t *testing.T) {
	_, retry := NewLinear(time.Second, 10, false).NextDelay(1, errors.New("decode: bad json"))
	require.True(t, retry)
}

func TestFromConfig(t *testing.T) {
	policy, err := FromConfig(Config{Policy: "Linear", Delay: 3 * time.Second, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, Linear{Delay: 3 * time.Second, MaxRetries: 5}, policy)

	policy, err = FromConfig(Config{})
	require.NoError(t, err)
	require.Equal(t, "exponential", policy.Name())
	exp, ok := policy.(Exponential)
	require.True(t, ok)
	require.Equal(t, DefaultBase, exp.Base)
	require.Equal(t, DefaultCap, exp.Cap)
	require.Equal(t, uint(DefaultExponentialMaxRetries), exp.MaxRetries)

	_, err = FromConfig(Config{Policy: "fibonacci"})
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.KindOf(err))
}
