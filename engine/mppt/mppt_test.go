package mppt_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/instruments/virtual"
	"solarctl/engine/mppt"
	"solarctl/engine/models"
)

func TestParseParams_Basic(t *testing.T) {
	p, err := mppt.ParseParams("basic://7:2:30")
	require.NoError(t, err)
	assert.Equal(t, mppt.StrategyBasic, p.Kind)
	assert.Equal(t, 7.0, p.Basic.DAngleMax)
	assert.Equal(t, 2.0, p.Basic.DwellS)
	assert.Equal(t, 30.0, p.Basic.SweepDelayMS)
}

func TestParseParams_GDAndSnaithAndSpo(t *testing.T) {
	gd, err := mppt.ParseParams("gd://0.1:0.001:1:50:0.05:0.2:0.001:5:30:1")
	require.NoError(t, err)
	assert.Equal(t, mppt.StrategyGradientDescent, gd.Kind)
	assert.Equal(t, 0.1, gd.GD.Alpha)
	assert.True(t, gd.GD.TimeScale)

	snaith, err := mppt.ParseParams("snaith://0.1:0.001:1:50:0.05:0.2:0.001:5:30:0")
	require.NoError(t, err)
	assert.Equal(t, mppt.StrategySnaith, snaith.Kind)
	assert.False(t, snaith.GD.TimeScale)

	spo, err := mppt.ParseParams("spo://")
	require.NoError(t, err)
	assert.Equal(t, mppt.StrategySpo, spo.Kind)
}

func TestParseParams_MalformedIsConfigError(t *testing.T) {
	_, err := mppt.ParseParams("not-a-spec")
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindConfig, kind)

	_, err = mppt.ParseParams("basic://1:2")
	require.Error(t, err)

	_, err = mppt.ParseParams("unknown://")
	require.Error(t, err)
}

func TestRegisterCurve_IsIdempotentAndDerivesVocIsc(t *testing.T) {
	tracker := &models.TrackerState{}
	samples := []models.Sample{
		{V: -0.1, I: 0.021},
		{V: 0, I: 0.02},
		{V: 0.3, I: 0.015},
		{V: 0.49, I: 0.01},
		{V: 0.6, I: 0.002},
		{V: 0.62, I: 0},
		{V: 0.65, I: -0.001},
	}

	pmax1, vmpp1, impp1, idx1 := mppt.RegisterCurve(tracker, samples)
	pmax2, vmpp2, impp2, idx2 := mppt.RegisterCurve(tracker, samples)

	assert.Equal(t, pmax1, pmax2)
	assert.Equal(t, vmpp1, vmpp2)
	assert.Equal(t, impp1, impp2)
	assert.Equal(t, idx1, idx2)
	require.NotNil(t, tracker.Voc)
	require.NotNil(t, tracker.Isc)
	assert.InDelta(t, 0.62, *tracker.Voc, 0.05)
	assert.InDelta(t, 0.02, *tracker.Isc, 0.01)
}

func TestRegisterCurve_DoesNotRegressOnWorseCurve(t *testing.T) {
	tracker := &models.TrackerState{}
	good := []models.Sample{{V: 0.5, I: -0.02}, {V: 0.4, I: -0.01}}
	mppt.RegisterCurve(tracker, good)
	firstPmax := *tracker.Pmax

	worse := []models.Sample{{V: 0.1, I: -0.001}}
	mppt.RegisterCurve(tracker, worse)
	assert.Equal(t, firstPmax, *tracker.Pmax, "a worse curve must not overwrite the stored reference")
}

func TestPreRoll_InfersVmppFromVocAndSetsQuadrantLock(t *testing.T) {
	smu := &virtual.SMU{Model: virtual.DiodeModel{Voc: 0.62, Isc: 0.02, N: 2}, TimeScale: 1000}
	tracker := &models.TrackerState{}
	tracker.SetVoc(0.62)

	err := mppt.PreRoll(context.Background(), smu, tracker, 0.5, 0.1, 3)
	require.NoError(t, err)
	require.NotNil(t, tracker.Vmpp)
	assert.InDelta(t, 0.7*0.62, *tracker.Vmpp, 1e-9)
	assert.True(t, tracker.QuadrantLock)
	assert.Equal(t, 0.1, tracker.CurrentCompliance)
}

func TestRunBasic_ConvergesNearTrueVmpp(t *testing.T) {
	diode := virtual.DiodeModel{Voc: 0.62, Isc: 0.02, N: 2}
	smu := &virtual.SMU{Model: diode, TimeScale: 5000}

	tracker := &models.TrackerState{}
	tracker.SetVoc(diode.Voc)
	tracker.SetVmpp(0.45)
	tracker.SetImpp(diode.CurrentAt(0.45))

	require.NoError(t, smu.SetupDC(true, 0.1, *tracker.Vmpp, 0))

	params, err := mppt.ParseParams("basic://7:0.2:30")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = mppt.Run(ctx, smu, tracker, params, 300*time.Millisecond, 1.0)
	require.NoError(t, err)

	require.NotNil(t, tracker.Vmpp)
	trueVmpp := argmaxVmpp(diode)
	assert.Less(t, math.Abs(*tracker.Vmpp-trueVmpp), 0.1)
}

// argmaxVmpp finds the true Vmpp of the diode model by dense search, for
// comparison against the tracker's converged estimate.
func argmaxVmpp(d virtual.DiodeModel) float64 {
	best, bestP := 0.0, math.Inf(-1)
	for v := 0.01; v < d.Voc; v += 0.001 {
		p := v * -d.CurrentAt(v)
		if p > bestP {
			bestP, best = p, v
		}
	}
	return best
}

func TestRunSpo_HoldsAtVmppForDuration(t *testing.T) {
	diode := virtual.DiodeModel{Voc: 0.6, Isc: 0.01, N: 2}
	smu := &virtual.SMU{Model: diode, TimeScale: 2000}
	tracker := &models.TrackerState{}
	tracker.SetVoc(diode.Voc)
	tracker.SetVmpp(0.4)

	require.NoError(t, smu.SetupDC(true, 0.1, *tracker.Vmpp, 0))

	params, err := mppt.ParseParams("spo://")
	require.NoError(t, err)

	samples, err := mppt.Run(context.Background(), smu, tracker, params, 50*time.Millisecond, 1.0)
	require.NoError(t, err)
	require.NotEmpty(t, samples)
	for _, s := range samples {
		assert.InDelta(t, 0.4, s.V, 1e-9)
	}
}

func TestRunBasic_HonorsCancellation(t *testing.T) {
	diode := virtual.DiodeModel{Voc: 0.62, Isc: 0.02, N: 2}
	smu := &virtual.SMU{Model: diode, TimeScale: 1}
	tracker := &models.TrackerState{}
	tracker.SetVoc(diode.Voc)
	tracker.SetVmpp(0.45)
	require.NoError(t, smu.SetupDC(true, 0.1, *tracker.Vmpp, 0))

	params, err := mppt.ParseParams("basic://7:2:30")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = mppt.Run(ctx, smu, tracker, params, 10*time.Second, 1.0)
	require.Error(t, err)
	assert.Equal(t, models.ErrUserAborted, err)
}
