package pipeline_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/bus"
	"solarctl/engine/instruments"
	"solarctl/engine/instruments/virtual"
	"solarctl/engine/models"
	"solarctl/engine/pipeline"
	"solarctl/engine/telemetry/logging"
)

type fakePublisher struct {
	mu        sync.Mutex
	data      []struct {
		kind string
		msg  bus.DataMessage
	}
	cleared   []string
	progress  []bus.ProgressMessage
	logs      []string
}

func (f *fakePublisher) PublishData(kind string, msg bus.DataMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, struct {
		kind string
		msg  bus.DataMessage
	}{kind, msg})
}

func (f *fakePublisher) PublishPlotterClear(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, kind)
}

func (f *fakePublisher) PublishProgress(msg bus.ProgressMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, msg)
}

func (f *fakePublisher) PublishLog(level bus.LogLevel, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, msg)
}

func (f *fakePublisher) byKind(kind string) []bus.DataMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []bus.DataMessage
	for _, d := range f.data {
		if d.kind == kind {
			out = append(out, d.msg)
		}
	}
	return out
}

func newTestFacade() (*instruments.Facade, *virtual.SMU, *virtual.Light) {
	f := instruments.New()
	smu := &virtual.SMU{Model: virtual.DiodeModel{Voc: 0.6, Isc: 0.02, N: 2}, TimeScale: 1000}
	light := &virtual.Light{}
	pcb := virtual.NewControllerPCB()
	motion := virtual.NewMotion(pcb, []string{"x", "y"})
	f.TrackSMU(smu)
	f.TrackLight(light)
	f.TrackController(pcb)
	f.TrackMotion(motion)
	return f, smu, light
}

func basicArgs() models.JobArgs {
	return models.JobArgs{
		IVSteps:    5,
		SweepStart: 0,
		SweepEnd:   0.6,
		NPLC:       1,
		Cycles:     1,
	}
}

func onePixelQueue() *models.WorkQueue {
	return models.NewWorkQueue([]models.PixelDescriptor{
		{Label: "A", PixelIndex: 1, Position: []float64{-20, 0}, AreaCM2: 0.13, MuxString: "s11"},
	})
}

func TestPipeline_SweepOnlyPublishesForwardCurveAndDisablesOutput(t *testing.T) {
	facade, smu, _ := newTestFacade()
	pub := &fakePublisher{}
	p := &pipeline.Pipeline{Facade: facade, Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	args := basicArgs()
	args.SweepCheck = true
	args.LitSweep = 2 // dark only

	err := p.RunQueue(context.Background(), onePixelQueue(), args, models.JobConfig{})
	require.NoError(t, err)

	msgs := pub.byKind(bus.KindIV1)
	require.Len(t, msgs, 1)
	samples, ok := msgs[0].Data.([]models.Sample)
	require.True(t, ok)
	assert.Len(t, samples, args.IVSteps)
	assert.True(t, msgs[0].End)

	_ = smu
}

func TestPipeline_ReturnSwitchPublishesReverseCurveSeparately(t *testing.T) {
	facade, _, _ := newTestFacade()
	pub := &fakePublisher{}
	p := &pipeline.Pipeline{Facade: facade, Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	args := basicArgs()
	args.SweepCheck = true
	args.LitSweep = 3 // light only
	args.ReturnSwitch = true

	err := p.RunQueue(context.Background(), onePixelQueue(), args, models.JobConfig{})
	require.NoError(t, err)

	forward := pub.byKind(bus.KindIV1)
	reverse := pub.byKind(bus.KindIV2)
	require.Len(t, forward, 1)
	require.Len(t, reverse, 1)
	assert.False(t, forward[0].End)
	assert.True(t, reverse[0].End)
}

func TestPipeline_VtDwellWithZeroCurrentSeedsSsvoc(t *testing.T) {
	facade, _, light := newTestFacade()
	pub := &fakePublisher{}
	p := &pipeline.Pipeline{Facade: facade, Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	args := basicArgs()
	args.IDwell = 0.01
	args.IDwellValue = 0

	err := p.RunQueue(context.Background(), onePixelQueue(), args, models.JobConfig{})
	require.NoError(t, err)

	msgs := pub.byKind(bus.KindVt)
	require.Len(t, msgs, 1)
	samples, ok := msgs[0].Data.([]models.Sample)
	require.True(t, ok)
	assert.NotEmpty(t, samples)
	assert.True(t, light.On_)
}

func TestPipeline_MPPTDwellPublishesTrackedSamples(t *testing.T) {
	facade, _, _ := newTestFacade()
	pub := &fakePublisher{}
	p := &pipeline.Pipeline{Facade: facade, Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	args := basicArgs()
	args.MPPTDwell = 0.02
	args.MPPTParams = "basic://5:0.001:0"

	err := p.RunQueue(context.Background(), onePixelQueue(), args, models.JobConfig{})
	require.NoError(t, err)

	msgs := pub.byKind(bus.KindMppt)
	require.Len(t, msgs, 1)
	samples, ok := msgs[0].Data.([]models.Sample)
	require.True(t, ok)
	assert.NotEmpty(t, samples)
}

func TestPipeline_MuxSelectFailureAbortsWholeQueue(t *testing.T) {
	facade, _, _ := newTestFacade()
	facade.Controller = failingController{}
	pub := &fakePublisher{}
	p := &pipeline.Pipeline{Facade: facade, Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	wq := models.NewWorkQueue([]models.PixelDescriptor{
		{Label: "A", PixelIndex: 1, Position: []float64{-20, 0}, AreaCM2: 0.13, MuxString: "s11"},
		{Label: "A", PixelIndex: 2, Position: []float64{-10, 0}, AreaCM2: 0.13, MuxString: "s12"},
	})

	err := p.RunQueue(context.Background(), wq, basicArgs(), models.JobConfig{})
	require.Error(t, err)
	assert.Empty(t, pub.byKind(bus.KindIV1))
}

// failingController answers "iv" mode selection but fails every pad select,
// isolating the mux-select failure path (spec §4.5 failure-semantics table).
type failingController struct{}

func (failingController) Query(ctx context.Context, cmd string) (string, error) {
	if cmd == "iv" || cmd == "eqe" {
		return "OK", nil
	}
	return "", assertErr{}
}
func (failingController) Disconnect() error { return nil }

type assertErr struct{}

func (assertErr) Error() string { return "controller offline" }

func TestPipeline_ZeroAreaPixelIsSkippedWithoutError(t *testing.T) {
	facade, _, _ := newTestFacade()
	pub := &fakePublisher{}
	p := &pipeline.Pipeline{Facade: facade, Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	wq := models.NewWorkQueue([]models.PixelDescriptor{
		{Label: "A", PixelIndex: 1, Position: []float64{-20, 0}, AreaCM2: 0, MuxString: "s11"},
	})
	args := basicArgs()
	args.SweepCheck = true

	err := p.RunQueue(context.Background(), wq, args, models.JobConfig{})
	require.NoError(t, err)
	assert.Empty(t, pub.byKind(bus.KindIV1))
}

func TestPipeline_CancellationStopsBeforeNextPixel(t *testing.T) {
	facade, _, _ := newTestFacade()
	pub := &fakePublisher{}
	p := &pipeline.Pipeline{Facade: facade, Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	wq := onePixelQueue()
	args := basicArgs()
	args.SweepCheck = true

	err := p.RunQueue(ctx, wq, args, models.JobConfig{})
	assert.ErrorIs(t, err, models.ErrUserAborted)
	assert.Empty(t, pub.byKind(bus.KindIV1))
}
