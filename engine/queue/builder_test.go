package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/models"
)

func scenarioS1Layout() models.LayoutConfig {
	return models.LayoutConfig{
		PCBName: "default",
		Positions: [][]float64{
			{-5, 0},
			{5, 0},
			{-5, 10},
			{5, 10},
		},
		Pixels: []int{1, 2, 3, 4},
		Areas:  []float64{0.1, 0.1, 0.1, 0.1},
	}
}

func TestBuildQueue_ScenarioS1(t *testing.T) {
	params := BuildParams{
		Grid: Grid{
			Rows:               2,
			Cols:               1,
			SpacingMM:          [2]float64{30, 30},
			ExperimentCenterMM: [2]float64{0, 0},
		},
		Layout:           scenarioS1Layout(),
		Labels:           []string{"A", "B"},
		BitmaskHex:       "0xF0",
		PadsPerSubstrate: 4,
	}

	wq, err := BuildQueue(params)
	require.NoError(t, err)
	require.Equal(t, 4, wq.Len())

	got := wq.All()
	for _, px := range got {
		assert.Equal(t, "A", px.Label, "scenario S1: only substrate A is enabled")
	}

	assert.Equal(t, []float64{-20, 0}, got[0].Position)
	assert.Equal(t, []float64{-10, 0}, got[1].Position)
	assert.Equal(t, []float64{-20, 10}, got[2].Position)
	assert.Equal(t, []float64{-10, 10}, got[3].Position)

	wantMux := []string{"s11", "s12", "s13", "s14"}
	for i, px := range got {
		assert.Equal(t, i+1, px.PixelIndex)
		assert.Equal(t, 0.1, px.AreaCM2)
		assert.Equal(t, wantMux[i], px.MuxString)
	}
}

func TestBuildQueue_AllPixelsDisabledWhenBitmaskZero(t *testing.T) {
	params := BuildParams{
		Grid: Grid{
			Rows:               2,
			Cols:               1,
			SpacingMM:          [2]float64{30, 30},
			ExperimentCenterMM: [2]float64{0, 0},
		},
		Layout:           scenarioS1Layout(),
		Labels:           []string{"A", "B"},
		BitmaskHex:       "0x00",
		PadsPerSubstrate: 4,
	}

	wq, err := BuildQueue(params)
	require.NoError(t, err)
	assert.Equal(t, 0, wq.Len())
}

func TestBuildQueue_ZeroAreaPixelIsSkippedNotErrored(t *testing.T) {
	layout := scenarioS1Layout()
	layout.Areas[0] = 0

	params := BuildParams{
		Grid: Grid{
			Rows:               1,
			Cols:               1,
			SpacingMM:          [2]float64{30, 30},
			ExperimentCenterMM: [2]float64{0, 0},
		},
		Layout:           layout,
		Labels:           []string{"A"},
		BitmaskHex:       "0xF",
		PadsPerSubstrate: 4,
	}

	wq, err := BuildQueue(params)
	require.NoError(t, err)
	assert.Equal(t, 3, wq.Len())
}

func TestBuildQueue_AreaOverrideAppliedWhenNegativeOne(t *testing.T) {
	layout := scenarioS1Layout()
	layout.Areas[0] = -1

	params := BuildParams{
		Grid: Grid{
			Rows:               1,
			Cols:               1,
			SpacingMM:          [2]float64{30, 30},
			ExperimentCenterMM: [2]float64{0, 0},
		},
		Layout:           layout,
		Labels:           []string{"A"},
		BitmaskHex:       "0xF",
		PadsPerSubstrate: 4,
		AreaOverride:     0.5,
		HasAreaOverride:  true,
	}

	wq, err := BuildQueue(params)
	require.NoError(t, err)
	require.Equal(t, 4, wq.Len())
	assert.Equal(t, 0.5, wq.All()[0].AreaCM2)
}

func TestBuildQueue_AreaOverrideMissingIsConfigError(t *testing.T) {
	layout := scenarioS1Layout()
	layout.Areas[0] = -1

	params := BuildParams{
		Grid: Grid{
			Rows:               1,
			Cols:               1,
			SpacingMM:          [2]float64{30, 30},
			ExperimentCenterMM: [2]float64{0, 0},
		},
		Layout:           layout,
		Labels:           []string{"A"},
		BitmaskHex:       "0xF",
		PadsPerSubstrate: 4,
	}

	_, err := BuildQueue(params)
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindConfig, kind)
}

func TestBuildQueue_LabelCountMismatchIsConfigError(t *testing.T) {
	params := BuildParams{
		Grid: Grid{
			Rows:               2,
			Cols:               1,
			SpacingMM:          [2]float64{30, 30},
			ExperimentCenterMM: [2]float64{0, 0},
		},
		Layout:           scenarioS1Layout(),
		Labels:           []string{"A"},
		BitmaskHex:       "0xF0",
		PadsPerSubstrate: 4,
	}

	_, err := BuildQueue(params)
	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.KindConfig, kind)
}

func TestAxisCoords_OddIsCenteredEvenIsHalfSpacingOffset(t *testing.T) {
	assert.Equal(t, []float64{-30, 0, 30}, axisCoords(3, 30, 0))
	assert.Equal(t, []float64{-15, 15}, axisCoords(2, 30, 0))
	assert.Equal(t, []float64{-45, -15, 15, 45}, axisCoords(4, 30, 0))
}

func TestEncodeBitmask_RoundTripsScenarioS1(t *testing.T) {
	selected := map[[2]int]bool{
		{0, 1}: true,
		{0, 2}: true,
		{0, 3}: true,
		{0, 4}: true,
	}
	hex := EncodeBitmask(2, 4, selected)
	assert.Equal(t, "f0", hex)
}
