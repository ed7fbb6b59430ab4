package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/models"
)

func TestDo_SucceedsWithoutRetryWhenFirstAttemptSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), "test.op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesInstrumentCommsErrorsUntilMaxAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0}
	calls := 0
	err := Do(context.Background(), cfg, "test.op", func(ctx context.Context) error {
		calls++
		return models.InstrumentCommsError("test.op", "timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindInstrumentComms, kind)
}

func TestDo_DoesNotRetryNonRetryableKinds(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	calls := 0
	err := Do(context.Background(), cfg, "test.op", func(ctx context.Context) error {
		calls++
		return models.MotionError("test.op", "keep-out violated")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindMotion, kind)
}

func TestDo_StopsOnContextCancellation(t *testing.T) {
	cfg := Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, "test.op", func(ctx context.Context) error {
		calls++
		return models.InstrumentCommsError("test.op", "timeout")
	})
	require.Error(t, err)
	assert.Equal(t, models.ErrUserAborted, err)
	assert.Less(t, calls, 5)
}

func TestDo_WrapsUnclassifiedErrorAsInstrumentComms(t *testing.T) {
	cfg := Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	err := Do(context.Background(), cfg, "test.op", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindInstrumentComms, kind)
}
