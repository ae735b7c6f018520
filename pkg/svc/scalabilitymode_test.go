// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package svc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScalabilityModeStrings(t *testing.T) {
	modes := AllScalabilityModes()
	require.Len(t, modes, 34)

	for _, mode := range modes {
		parsed, ok := ScalabilityModeFromString(mode.String())
		require.True(t, ok, mode.String())
		require.Equal(t, mode, parsed)
	}

	_, ok := ScalabilityModeFromString("L4T1")
	require.False(t, ok)
	_, ok = ScalabilityModeFromString("l1t1")
	require.False(t, ok)

	require.Equal(t, "L2T2_KEY_SHIFT", ScalabilityModeL2T2KeyShift.String())
	require.Equal(t, "ScalabilityMode(99)", ScalabilityMode(99).String())
}

func TestScalabilityModeParams(t *testing.T) {
	require.Equal(t, 3, ScalabilityModeL3T2h.NumSpatialLayers())
	require.Equal(t, 2, ScalabilityModeL3T2h.NumTemporalLayers())
	require.Equal(t, InterLayerPredOn, ScalabilityModeL3T2h.InterLayerPredMode())
	ratio, ok := ScalabilityModeL3T2h.ResolutionRatio()
	require.True(t, ok)
	require.Equal(t, ResolutionRatioThreeToTwo, ratio)

	_, ok = ScalabilityModeL2T1.ResolutionRatio()
	require.False(t, ok)

	require.Equal(t, InterLayerPredOnKeyPic, ScalabilityModeL2T3Key.InterLayerPredMode())
	require.True(t, ScalabilityModeL2T2KeyShift.IsShiftMode())
	require.False(t, ScalabilityModeL2T2Key.IsShiftMode())

	require.True(t, ScalabilityModeS3T1.IsSimulcast())
	require.False(t, ScalabilityModeL1T3.IsSimulcast())
	require.False(t, ScalabilityModeL3T1Key.IsSimulcast())
}

func TestMakeScalabilityMode(t *testing.T) {
	threeToTwo := ResolutionRatioThreeToTwo

	for _, tc := range []struct {
		spatial, temporal int
		pred              InterLayerPredMode
		ratio             *ResolutionRatio
		shift             bool
		expected          ScalabilityMode
		ok                bool
	}{
		{spatial: 1, temporal: 3, pred: InterLayerPredOn, expected: ScalabilityModeL1T3, ok: true},
		{spatial: 2, temporal: 2, pred: InterLayerPredOn, expected: ScalabilityModeL2T2, ok: true},
		{spatial: 2, temporal: 2, pred: InterLayerPredOn, ratio: &threeToTwo, expected: ScalabilityModeL2T2h, ok: true},
		{spatial: 2, temporal: 2, pred: InterLayerPredOnKeyPic, shift: true, expected: ScalabilityModeL2T2KeyShift, ok: true},
		{spatial: 3, temporal: 3, pred: InterLayerPredOff, ratio: &threeToTwo, expected: ScalabilityModeS3T3h, ok: true},
		{spatial: 3, temporal: 1, pred: InterLayerPredOnKeyPic, shift: true},
		{spatial: 4, temporal: 1, pred: InterLayerPredOn},
	} {
		mode, ok := MakeScalabilityMode(tc.spatial, tc.temporal, tc.pred, tc.ratio, tc.shift)
		require.Equal(t, tc.ok, ok)
		if ok {
			require.Equal(t, tc.expected, mode)
		}
	}
}

func TestLimitNumSpatialLayers(t *testing.T) {
	for _, tc := range []struct {
		mode     ScalabilityMode
		max      int
		expected ScalabilityMode
	}{
		{ScalabilityModeL1T3, 1, ScalabilityModeL1T3},
		{ScalabilityModeL2T2, 1, ScalabilityModeL1T2},
		{ScalabilityModeL2T2KeyShift, 1, ScalabilityModeL1T2},
		{ScalabilityModeL3T1, 2, ScalabilityModeL2T1},
		{ScalabilityModeL3T1h, 2, ScalabilityModeL2T1h},
		{ScalabilityModeL3T3Key, 2, ScalabilityModeL2T3Key},
		{ScalabilityModeL3T3Key, 1, ScalabilityModeL1T3},
		{ScalabilityModeS3T2h, 2, ScalabilityModeS2T2h},
		{ScalabilityModeS3T2, 1, ScalabilityModeL1T2},
		{ScalabilityModeS2T3, 3, ScalabilityModeS2T3},
	} {
		require.Equal(t, tc.expected, LimitNumSpatialLayers(tc.mode, tc.max), "%s limited to %d", tc.mode, tc.max)
	}
}

func TestCreateScalabilityStructure(t *testing.T) {
	for _, mode := range AllScalabilityModes() {
		c, err := CreateScalabilityStructure(mode, nil)
		require.NoError(t, err, mode.String())

		config := c.StreamConfig()
		require.Equal(t, mode.NumSpatialLayers(), config.NumSpatialLayers, mode.String())
		require.Equal(t, mode.NumTemporalLayers(), config.NumTemporalLayers, mode.String())
		require.Equal(t, mode.NumSpatialLayers() > 1 && !mode.IsSimulcast(), config.UsesReferenceScaling, mode.String())

		presetConfig, ok := ScalabilityStructureConfig(mode)
		require.True(t, ok)
		require.Equal(t, config, presetConfig)

		structure := c.DependencyStructure()
		require.Equal(t, mode.NumSpatialLayers()*mode.NumTemporalLayers(), structure.NumDecodeTargets, mode.String())
	}

	_, err := CreateScalabilityStructure(ScalabilityMode(-1), nil)
	require.ErrorIs(t, err, ErrUnsupportedMode)
	_, ok := ScalabilityStructureConfig(ScalabilityMode(100))
	require.False(t, ok)

	c, err := CreateScalabilityStructure(ScalabilityModeL2T2KeyShift, nil)
	require.NoError(t, err)
	require.IsType(t, &KeyShiftController{}, c)

	c, err = CreateScalabilityStructure(ScalabilityModeL1T1, nil)
	require.NoError(t, err)
	require.IsType(t, &NoLayeringController{}, c)

	c, err = CreateScalabilityStructure(ScalabilityModeL3T2Key, nil)
	require.NoError(t, err)
	require.Equal(t, CouplingKeyframeOnly, c.(*LayeredController).Coupling())

	c, err = CreateScalabilityStructure(ScalabilityModeS2T3h, nil)
	require.NoError(t, err)
	require.Equal(t, CouplingNone, c.(*LayeredController).Coupling())
	require.Equal(t, 2, c.StreamConfig().ScalingFactorNum[0])
	require.Equal(t, 3, c.StreamConfig().ScalingFactorDen[0])
}
