package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hintedErr struct{ d time.Duration }

func (e hintedErr) Error() string             { return "slow down" }
func (e hintedErr) RetryDelay() time.Duration { return e.d }

// recordingPolicy returns a policy whose sleeps are captured instead of performed.
func recordingPolicy(max int) (Policy, *[]time.Duration) {
	var slept []time.Duration
	p := Policy{
		MaxAttempts: max,
		BaseDelay:   time.Second,
		MaxDelay:    4 * time.Second,
		Multiplier:  2,
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return ctx.Err()
		},
	}
	return p, &slept
}

func TestBackoff(t *testing.T) {
	p, _ := recordingPolicy(5)

	assert.Equal(t, time.Second, p.Backoff(1, errors.New("x")))
	assert.Equal(t, 2*time.Second, p.Backoff(2, errors.New("x")))
	assert.Equal(t, 4*time.Second, p.Backoff(3, errors.New("x")))
	assert.Equal(t, 4*time.Second, p.Backoff(10, errors.New("x")), "capped at MaxDelay")
	assert.Equal(t, 30*time.Second, p.Backoff(1, hintedErr{30 * time.Second}), "hint supersedes cap")
	assert.Equal(t, time.Second, p.Backoff(1, hintedErr{0}), "empty hint falls back")
}

func TestDo_SucceedsOnSecondAttempt(t *testing.T) {
	p, slept := recordingPolicy(3)
	var attempts []int

	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt == 1 {
			return errors.New("blip")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, []time.Duration{time.Second}, *slept)
}

func TestDo_Exhausts(t *testing.T) {
	p, slept := recordingPolicy(3)
	boom := errors.New("boom")
	calls := 0

	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	p, slept := recordingPolicy(3)
	denied := errors.New("denied")
	calls := 0

	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(denied)
	})

	assert.Equal(t, denied, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_HonorsRetryAfter(t *testing.T) {
	p, slept := recordingPolicy(3)

	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			return hintedErr{7 * time.Second}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, *slept)
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	p, _ := recordingPolicy(3)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Do(ctx, p, func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("interrupted")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestResume_ContinuesNumbering(t *testing.T) {
	p, slept := recordingPolicy(3)
	var attempts []int

	err := Resume(context.Background(), p, 1, hintedErr{5 * time.Second}, func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return errors.New("still failing")
	})

	require.Error(t, err)
	assert.Equal(t, []int{2, 3}, attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, *slept)
}

func TestResume_NothingLeft(t *testing.T) {
	p, _ := recordingPolicy(3)
	last := errors.New("last")

	err := Resume(context.Background(), p, 3, last, func(ctx context.Context, attempt int) error {
		t.Fatal("must not be called")
		return nil
	})

	assert.ErrorIs(t, err, last)
}

func TestDo_TimerPath(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	calls := 0

	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if attempt == 1 {
			return hintedErr{5 * time.Millisecond}
		}
		return errors.New("still down")
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 3, calls)
	assert.EqualError(t, ex.Err, "still down")
}

func TestDo_TimerPathHintKeepsOriginalError(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Millisecond}
	start := time.Now()

	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return hintedErr{20 * time.Millisecond}
	})

	var ex *ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.IsType(t, hintedErr{}, ex.Err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond, "waited for the hint")
}

func TestDo_TimerPathPermanent(t *testing.T) {
	denied := errors.New("denied")
	err := Do(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Hour}, func(ctx context.Context, attempt int) error {
		return Permanent(denied)
	})
	assert.Equal(t, denied, err)
}

func TestSleep_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), 0))
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, ParseRetryAfter(h))

	h.Set("Retry-After", "12")
	assert.Equal(t, 12*time.Second, ParseRetryAfter(h))

	h.Set("Retry-After", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
	d := ParseRetryAfter(h)
	assert.Greater(t, d, 58*time.Minute)
	assert.LessOrEqual(t, d, time.Hour)

	h.Set("Retry-After", "Mon, 01 Jan 2001 00:00:00 GMT")
	assert.Zero(t, ParseRetryAfter(h))

	h.Set("Retry-After", "soon")
	assert.Zero(t, ParseRetryAfter(h))
}
