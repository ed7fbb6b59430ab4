package dispatcher_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/bus"
	"solarctl/engine/dispatcher"
	"solarctl/engine/models"
	"solarctl/engine/telemetry/logging"
)

type fakePublisher struct {
	mu       sync.Mutex
	statuses []bus.Status
	warnings []string
}

func (f *fakePublisher) PublishStatus(s bus.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
}

func (f *fakePublisher) PublishLog(level bus.LogLevel, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if level == bus.LevelWarn {
		f.warnings = append(f.warnings, msg)
	}
}

func (f *fakePublisher) snapshot() ([]bus.Status, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.Status{}, f.statuses...), append([]string{}, f.warnings...)
}

func TestDispatcher_SecondRunIsRejectedWhileSlotOccupied(t *testing.T) {
	pub := &fakePublisher{}
	started := make(chan struct{})
	release := make(chan struct{})
	var runCount int32

	run := func(ctx context.Context, req models.JobRequest) {
		runCount++
		close(started)
		<-release
	}
	d := dispatcher.New(run, func(ctx context.Context) error { return nil }, pub, logging.New(nil))

	d.Dispatch(context.Background(), models.JobRequest{Action: models.ActionRun})
	<-started
	assert.True(t, d.Busy())

	d.Dispatch(context.Background(), models.JobRequest{Action: models.ActionRun})

	close(release)
	require.Eventually(t, func() bool { return !d.Busy() }, time.Second, time.Millisecond)

	statuses, warnings := pub.snapshot()
	assert.Equal(t, []bus.Status{bus.StatusBusy, bus.StatusReady}, statuses)
	require.Len(t, warnings, 1)
	assert.Equal(t, int32(1), runCount)
}

func TestDispatcher_StopOnIdleDispatcherIsNoop(t *testing.T) {
	pub := &fakePublisher{}
	d := dispatcher.New(func(ctx context.Context, req models.JobRequest) {}, func(ctx context.Context) error { return nil }, pub, logging.New(nil))

	d.Dispatch(context.Background(), models.JobRequest{Action: models.ActionStop})
	d.Dispatch(context.Background(), models.JobRequest{Action: models.ActionStop})
	assert.False(t, d.Busy())
}

func TestDispatcher_StopCancelsActiveJob(t *testing.T) {
	pub := &fakePublisher{}
	cancelled := make(chan struct{})

	run := func(ctx context.Context, req models.JobRequest) {
		<-ctx.Done()
		close(cancelled)
	}
	d := dispatcher.New(run, func(ctx context.Context) error { return nil }, pub, logging.New(nil))

	d.Dispatch(context.Background(), models.JobRequest{Action: models.ActionRun})
	require.Eventually(t, func() bool { return d.Busy() }, time.Second, time.Millisecond)

	d.Dispatch(context.Background(), models.JobRequest{Action: models.ActionStop})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("stop did not cancel the active job")
	}
}

func TestDispatcher_EstopCallsEstopFuncRegardlessOfSlotState(t *testing.T) {
	pub := &fakePublisher{}
	var estopCalls int32
	estop := func(ctx context.Context) error { estopCalls++; return nil }
	d := dispatcher.New(func(ctx context.Context, req models.JobRequest) {}, estop, pub, logging.New(nil))

	d.Dispatch(context.Background(), models.JobRequest{Action: models.ActionEStop})
	assert.Equal(t, int32(1), estopCalls)
}
