package poller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/imgrelay/pkg/models"
)

func fastPoller(maxAttempts int) *Poller {
	return New(time.Millisecond, maxAttempts, nil)
}

// sequence replays observations in order, repeating the last one forever.
func sequence(obs ...Observation) (QueryFunc, *int) {
	calls := 0
	return func(_ context.Context, _ TaskHandle) (Observation, error) {
		i := calls
		calls++
		if i >= len(obs) {
			i = len(obs) - 1
		}
		return obs[i], nil
	}, &calls
}

func TestWait_Succeeds(t *testing.T) {
	query, calls := sequence(
		Observation{Status: StatusPending},
		Observation{Status: StatusPending},
		Observation{Status: StatusSucceeded, ImageURL: "http://x/img.png"},
	)

	obs, err := fastPoller(10).Wait(context.Background(), NewTaskHandle("t1"), query)
	require.NoError(t, err)
	assert.Equal(t, "http://x/img.png", obs.ImageURL)
	assert.Equal(t, 3, *calls)
}

func TestWait_SucceededWithoutImage(t *testing.T) {
	query, calls := sequence(Observation{Status: StatusSucceeded})

	_, err := fastPoller(10).Wait(context.Background(), NewTaskHandle("t1"), query)
	assert.ErrorIs(t, err, models.ErrNoImage)
	assert.Equal(t, 1, *calls, "a success without image must not be retried")
}

func TestWait_FailedSurfacesBackendMessage(t *testing.T) {
	query, calls := sequence(
		Observation{Status: StatusPending},
		Observation{Status: StatusFailed, Message: "content moderation rejected"},
	)

	_, err := fastPoller(10).Wait(context.Background(), NewTaskHandle("t1"), query)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBackend)
	assert.Contains(t, err.Error(), "content moderation rejected")
	assert.Equal(t, 2, *calls)
}

func TestWait_FailedWithoutMessage(t *testing.T) {
	query, _ := sequence(Observation{Status: StatusFailed})

	_, err := fastPoller(10).Wait(context.Background(), NewTaskHandle("t1"), query)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task failed")
}

func TestWait_TransportErrorStopsImmediately(t *testing.T) {
	calls := 0
	query := func(_ context.Context, _ TaskHandle) (Observation, error) {
		calls++
		return Observation{}, errors.New("connection reset")
	}

	_, err := fastPoller(10).Wait(context.Background(), NewTaskHandle("t1"), query)
	assert.ErrorIs(t, err, models.ErrTransport)
	assert.Equal(t, 1, calls)
}

func TestWait_ClassifiedErrorPassesThrough(t *testing.T) {
	query := func(_ context.Context, _ TaskHandle) (Observation, error) {
		return Observation{}, models.ErrBackend
	}

	_, err := fastPoller(10).Wait(context.Background(), NewTaskHandle("t1"), query)
	assert.ErrorIs(t, err, models.ErrBackend)
	assert.NotErrorIs(t, err, models.ErrTransport)
}

func TestWait_NeverTerminalTimesOut(t *testing.T) {
	query, calls := sequence(Observation{Status: StatusPending})

	_, err := fastPoller(5).Wait(context.Background(), NewTaskHandle("t1"), query)
	assert.ErrorIs(t, err, models.ErrTaskTimeout)
	assert.Equal(t, 5, *calls)
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	query, calls := sequence(Observation{Status: StatusPending})
	_, err := New(time.Hour, 5, nil).Wait(ctx, NewTaskHandle("t1"), query)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, *calls)
}

func TestWait_SleepsBeforeEveryQuery(t *testing.T) {
	p := New(20*time.Millisecond, 3, nil)
	query, _ := sequence(
		Observation{Status: StatusPending},
		Observation{Status: StatusSucceeded, ImageData: []byte{1}},
	)

	start := time.Now()
	_, err := p.Wait(context.Background(), NewTaskHandle("t1"), query)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestWait_OnAttempt(t *testing.T) {
	p := fastPoller(10)
	var seen []Status
	p.OnAttempt = func(s Status) { seen = append(seen, s) }

	query, _ := sequence(
		Observation{Status: StatusPending},
		Observation{Status: StatusSucceeded, ImageURL: "u"},
	)
	_, err := p.Wait(context.Background(), NewTaskHandle("t1"), query)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusPending, StatusSucceeded}, seen)
}

func TestNew_Defaults(t *testing.T) {
	p := New(0, 0, nil)
	assert.Equal(t, DefaultInterval, p.Interval)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, 3*time.Minute, p.Budget())
}
