package calibration_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/bus"
	"solarctl/engine/calibration"
	"solarctl/engine/instruments"
	"solarctl/engine/instruments/virtual"
	"solarctl/engine/models"
	"solarctl/engine/telemetry/logging"
)

type fakePublisher struct {
	mu    sync.Mutex
	calib map[string][]bus.CalibrationMessage
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{calib: map[string][]bus.CalibrationMessage{}}
}

func (f *fakePublisher) PublishCalibration(name string, msg bus.CalibrationMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calib[name] = append(f.calib[name], msg)
}

func (f *fakePublisher) PublishLog(bus.LogLevel, string) {}

func (f *fakePublisher) PublishData(string, bus.DataMessage) {}

func (f *fakePublisher) PublishPlotterClear(string) {}

func newFacade() *instruments.Facade {
	f := instruments.New()
	f.TrackSMU(&virtual.SMU{Model: virtual.DiodeModel{Voc: 0.6, Isc: 0.02, N: 2}})
	f.TrackLight(&virtual.Light{})
	f.TrackController(virtual.NewControllerPCB())
	f.TrackMonochromator(&virtual.Monochromator{})
	f.TrackLIA(&virtual.LIA{ReadFunc: func() float64 { return 0.42 }})
	f.TrackPSU(virtual.NewPSU())
	return f
}

func TestRunSolarsimDiodes_SynthesizesExternalEntryWhenSelectionEmpty(t *testing.T) {
	pub := newFakePublisher()
	r := &calibration.Runner{Facade: newFacade(), Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	args := models.JobArgs{IVSteps: 10, SweepStart: 0, SweepEnd: 0.6}
	require.NoError(t, r.RunSolarsimDiodes(context.Background(), args))

	msgs := pub.calib["solarsim_diode"]
	require.Len(t, msgs, 1)
	data, ok := msgs[0].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "external", data["label"])
}

func TestRunEQE_SweepsDefaultWavelengthsWhenNoneGiven(t *testing.T) {
	pub := newFakePublisher()
	r := &calibration.Runner{Facade: newFacade(), Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	require.NoError(t, r.RunEQE(context.Background(), models.JobArgs{}, nil))

	msgs := pub.calib["eqe"]
	require.Len(t, msgs, 1)
}

func TestRunPSU_PublishesOnePerChannel(t *testing.T) {
	pub := newFakePublisher()
	r := &calibration.Runner{Facade: newFacade(), Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	cfg := models.PSUConfig{ChannelVoltages: []float64{5, 12}, ChannelOCPs: []float64{1, 2}}
	require.NoError(t, r.RunPSU(context.Background(), cfg))

	assert.Len(t, pub.calib["psu/ch0"], 1)
	assert.Len(t, pub.calib["psu/ch1"], 1)
}

func TestRunSpectrum_RestoresPreviousRecipe(t *testing.T) {
	pub := newFakePublisher()
	light := &virtual.Light{Recipe: "am1.5g"}
	f := instruments.New()
	f.TrackLight(light)
	r := &calibration.Runner{Facade: f, Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	require.NoError(t, r.RunSpectrum(context.Background(), "am1.5g", 1234.5))

	assert.Equal(t, "am1.5g", light.Recipe)
	msgs := pub.calib["spectrum"]
	require.Len(t, msgs, 1)
	assert.Equal(t, 1234.5, msgs[0].Timestamp)
}

func TestRunRTD_PublishesTemperatures(t *testing.T) {
	pub := newFakePublisher()
	light := &virtual.Light{Temps: []float64{24.8, 25.1}}
	f := instruments.New()
	f.TrackLight(light)
	r := &calibration.Runner{Facade: f, Pub: pub, Log: logging.New(nil), AbsoluteCurrentLimit: 1.0}

	require.NoError(t, r.RunRTD(context.Background()))

	msgs := pub.calib["rtd"]
	require.Len(t, msgs, 1)
	assert.Equal(t, []float64{24.8, 25.1}, msgs[0].Data)
}
