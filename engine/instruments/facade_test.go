package instruments_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/instruments"
	"solarctl/engine/instruments/virtual"
)

type recordingSMU struct {
	*virtual.SMU
	order *[]string
}

func (r recordingSMU) Disconnect() error {
	*r.order = append(*r.order, "smu")
	return r.SMU.Disconnect()
}

type recordingLight struct {
	*virtual.Light
	order *[]string
}

func (r recordingLight) Disconnect() error {
	*r.order = append(*r.order, "light")
	return r.Light.Disconnect()
}

type recordingPCB struct {
	*virtual.ControllerPCB
	order *[]string
}

func (r recordingPCB) Disconnect() error {
	*r.order = append(*r.order, "controller")
	return r.ControllerPCB.Disconnect()
}

func TestFacade_DisconnectAllReleasesInLIFOOrder(t *testing.T) {
	f := instruments.New()

	var order []string
	smu := &virtual.SMU{}

	f.TrackSMU(recordingSMU{SMU: smu, order: &order})
	f.TrackLight(recordingLight{Light: &virtual.Light{}, order: &order})
	f.TrackController(recordingPCB{ControllerPCB: virtual.NewControllerPCB(), order: &order})

	require.NoError(t, f.DisconnectAll())
	assert.Equal(t, []string{"controller", "light", "smu"}, order)
	assert.Equal(t, 1, smu.DisconnectCalls)
}

func TestFacade_DisconnectAllClearsTrackedHandles(t *testing.T) {
	f := instruments.New()
	f.TrackSMU(&virtual.SMU{})
	require.NoError(t, f.DisconnectAll())
	assert.Nil(t, f.SMU)
	require.NoError(t, f.DisconnectAll())
}

func TestLightVote_OnlySwitchesOnUnanimity(t *testing.T) {
	light := &virtual.Light{}
	vote := instruments.NewLightVote(light, false)
	ctx := context.Background()

	require.NoError(t, vote.Cast(ctx, "tenant-a", true))
	assert.True(t, light.On_, "sole registered tenant is trivially unanimous")

	require.NoError(t, vote.Cast(ctx, "tenant-b", false))
	assert.True(t, light.On_, "dissent holds the light at its current state")

	require.NoError(t, vote.Cast(ctx, "tenant-b", true))
	assert.True(t, light.On_, "now unanimous and already at the agreed state")

	require.NoError(t, vote.Cast(ctx, "tenant-a", false))
	assert.True(t, light.On_, "dissent again holds the light on")

	require.NoError(t, vote.Cast(ctx, "tenant-b", false))
	assert.False(t, light.On_, "unanimous agreement to turn off switches the physical light")
}
