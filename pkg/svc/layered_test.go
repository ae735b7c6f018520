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

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
)

func encodeInstant(c ScalableVideoController, restart bool) ([]LayerFrameConfig, []*GenericFrameInfo) {
	configs := c.NextFrameConfig(restart)
	frames := make([]*GenericFrameInfo, 0, len(configs))
	for _, config := range configs {
		frames = append(frames, c.OnEncodeDone(config))
	}
	return configs, frames
}

func encodeInstants(c ScalableVideoController, n int) []*GenericFrameInfo {
	var frames []*GenericFrameInfo
	for i := 0; i < n; i++ {
		_, f := encodeInstant(c, i == 0)
		frames = append(frames, f...)
	}
	return frames
}

func allocation(rates [][]uint32) *VideoBitrateAllocation {
	a := &VideoBitrateAllocation{}
	for sid, layer := range rates {
		for tid, rate := range layer {
			a.SetBitrate(sid, tid, rate)
		}
	}
	return a
}

func TestL1T3Pattern(t *testing.T) {
	c, err := CreateScalabilityStructure(ScalabilityModeL1T3, nil)
	require.NoError(t, err)

	frames := encodeInstants(c, 8)
	require.Len(t, frames, 8)

	var temporalIds []int
	for _, f := range frames {
		temporalIds = append(temporalIds, f.TemporalId)
	}
	require.Equal(t, []int{0, 2, 1, 2, 0, 2, 1, 2}, temporalIds)

	require.True(t, frames[0].IsKeyframe)
	require.Empty(t, frames[0].FrameDiffs)
	// frame 1 refs 0, frame 2 refs 0, frame 3 refs 2, frame 4 refs 0
	require.Equal(t, []int{1}, frames[1].FrameDiffs)
	require.Equal(t, []int{2}, frames[2].FrameDiffs)
	require.Equal(t, []int{1}, frames[3].FrameDiffs)
	require.Equal(t, []int{4}, frames[4].FrameDiffs)
	require.Equal(t, []int{1}, frames[5].FrameDiffs)

	require.Equal(t, "SSS", dd.FormatDecodeTargetIndications(frames[0].DecodeTargetIndications))
	require.Equal(t, "--D", dd.FormatDecodeTargetIndications(frames[1].DecodeTargetIndications))
	require.Equal(t, "-DS", dd.FormatDecodeTargetIndications(frames[2].DecodeTargetIndications))
	require.Equal(t, "--D", dd.FormatDecodeTargetIndications(frames[3].DecodeTargetIndications))

	require.NoError(t, ValidateFrameReferences(frames))
}

func TestL1T2EndToEnd(t *testing.T) {
	c, err := CreateScalabilityStructure(ScalabilityModeL1T2, nil)
	require.NoError(t, err)

	configs := c.NextFrameConfig(true)
	require.Len(t, configs, 1)
	require.Equal(t, 0, configs[0].TemporalId())
	require.True(t, configs[0].IsKeyframe())
	require.True(t, configs[0].Updates(0))
	require.False(t, configs[0].References(0))
	c.OnEncodeDone(configs[0])

	configs = c.NextFrameConfig(false)
	require.Len(t, configs, 1)
	require.Equal(t, 1, configs[0].TemporalId())
	require.False(t, configs[0].IsKeyframe())
	require.True(t, configs[0].References(0))
	require.False(t, configs[0].Updates(0))
	require.True(t, configs[0].Updates(1))

	info := c.OnEncodeDone(configs[0])
	require.Equal(t, []int{1}, info.FrameDiffs)
	require.Equal(t, "-D", dd.FormatDecodeTargetIndications(info.DecodeTargetIndications))
	require.Equal(t, []bool{false}, info.PartOfChain)
}

func TestRestartKeysEverySpatialLayer(t *testing.T) {
	c, err := NewFullSvc(3, 3, ScalingFactorTwoToOne, nil)
	require.NoError(t, err)

	encodeInstants(c, 5)
	configs, frames := encodeInstant(c, true)
	require.Len(t, configs, 3)
	for sid, config := range configs {
		require.Equal(t, sid, config.SpatialId())
		require.Equal(t, 0, config.TemporalId())
		require.True(t, config.IsKeyframe())
		require.True(t, config.Updates(sid))
		require.False(t, config.References(sid), "layer %d must not reference its own history", sid)
	}
	require.Empty(t, configs[0].Buffers()[1:])
	require.True(t, configs[1].References(0))
	require.True(t, configs[2].References(1))
	require.Equal(t, []int{0, 0, 0}, frames[0].ChainDiffs)
}

func TestL2T2RateGating(t *testing.T) {
	c, err := CreateScalabilityStructure(ScalabilityModeL2T2, nil)
	require.NoError(t, err)
	frames := encodeInstants(c, 4)

	c.OnRatesUpdated(allocation([][]uint32{{100_000, 50_000}}))
	for i := 0; i < 8; i++ {
		configs, f := encodeInstant(c, false)
		require.NotEmpty(t, configs)
		for _, config := range configs {
			require.Equal(t, 0, config.SpatialId())
		}
		for _, info := range f {
			require.EqualValues(t, 0b0011, info.ActiveDecodeTargets)
		}
		frames = append(frames, f...)
	}

	c.OnRatesUpdated(allocation([][]uint32{{100_000, 50_000}, {200_000, 100_000}}))
	found := false
	for i := 0; i < 4 && !found; i++ {
		configs, f := encodeInstant(c, false)
		frames = append(frames, f...)
		for _, config := range configs {
			if config.SpatialId() != 1 {
				continue
			}
			found = true
			require.True(t, config.IsKeyframe())
			// slots 1 and 3 belong to S1
			require.False(t, config.References(1))
			require.False(t, config.References(3))
			require.True(t, config.Updates(1))
		}
	}
	require.True(t, found)
	require.NoError(t, ValidateFrameReferences(frames))
}

func TestS2T1Independence(t *testing.T) {
	c, err := CreateScalabilityStructure(ScalabilityModeS2T1, nil)
	require.NoError(t, err)

	restarts := map[int]bool{0: true, 3: true, 4: true, 9: true}
	for i := 0; i < 12; i++ {
		configs, _ := encodeInstant(c, restarts[i])
		require.Len(t, configs, 2)
		for _, b := range configs[1].Buffers() {
			require.Equal(t, 1, b.Id, "S1 must only use its own slot")
		}
		for _, b := range configs[0].Buffers() {
			require.Equal(t, 0, b.Id)
		}
	}
}

func TestSimulcastReenabledLayerIsKeyframe(t *testing.T) {
	c, err := NewSimulcast(2, 3, ScalingFactorTwoToOne, nil)
	require.NoError(t, err)
	encodeInstants(c, 3)

	c.OnRatesUpdated(allocation([][]uint32{{100, 100, 100}, {0, 0, 0}}))
	encodeInstants(c, 3)
	c.OnRatesUpdated(allocation([][]uint32{{100, 100, 100}, {100, 100, 100}}))

	for i := 0; i < 4; i++ {
		configs, frames := encodeInstant(c, false)
		for j, config := range configs {
			if config.SpatialId() != 1 {
				continue
			}
			require.True(t, config.IsKeyframe())
			require.Len(t, config.Buffers(), 1)
			require.False(t, config.Buffers()[0].Referenced)
			require.Empty(t, frames[j].FrameDiffs)
			// S1 chain starts over
			require.Equal(t, 0, frames[j].ChainDiffs[1])
			return
		}
	}
	require.Fail(t, "S1 was not re-enabled")
}

func TestKeySvcCouplesOnlyKeyframes(t *testing.T) {
	c, err := CreateScalabilityStructure(ScalabilityModeL2T2Key, nil)
	require.NoError(t, err)

	configs, _ := encodeInstant(c, true)
	require.Len(t, configs, 2)
	require.True(t, configs[1].IsKeyframe())
	require.True(t, configs[1].References(0))

	for i := 0; i < 10; i++ {
		configs, _ = encodeInstant(c, false)
		for _, config := range configs {
			if config.SpatialId() != 1 {
				continue
			}
			// even slots belong to S0
			for _, b := range config.Buffers() {
				require.Equal(t, 1, b.Id%2)
			}
		}
	}
}

func TestKeySvcReenabledLayerRestartsAll(t *testing.T) {
	c, err := NewKeySvc(2, 1, ScalingFactorTwoToOne, nil)
	require.NoError(t, err)
	encodeInstants(c, 3)

	c.OnRatesUpdated(allocation([][]uint32{{100}, {0}}))
	configs, _ := encodeInstant(c, false)
	require.Len(t, configs, 1)
	require.False(t, configs[0].IsKeyframe())

	c.OnRatesUpdated(allocation([][]uint32{{100}, {100}}))
	configs, _ = encodeInstant(c, false)
	require.Len(t, configs, 2)
	require.True(t, configs[0].IsKeyframe())
	require.Empty(t, configs[0].Buffers()[1:])
	require.False(t, configs[0].References(0))
	require.True(t, configs[1].References(0))
}

func TestAllZeroRatesKeepBaseLayer(t *testing.T) {
	c, err := CreateScalabilityStructure(ScalabilityModeL3T3, nil)
	require.NoError(t, err)
	encodeInstants(c, 2)

	c.OnRatesUpdated(&VideoBitrateAllocation{})
	for i := 0; i < 6; i++ {
		configs, frames := encodeInstant(c, false)
		require.Len(t, configs, 1)
		require.Equal(t, 0, configs[0].SpatialId())
		require.Equal(t, 0, configs[0].TemporalId())
		require.EqualValues(t, 1, frames[0].ActiveDecodeTargets)
	}
}

func TestTemporalLayersFollowRates(t *testing.T) {
	c, err := NewFullSvc(1, 3, ScalingFactorTwoToOne, nil)
	require.NoError(t, err)
	encodeInstants(c, 1)

	// T2 off, T1 on
	c.OnRatesUpdated(allocation([][]uint32{{100, 100, 0}}))
	var temporalIds []int
	for i := 0; i < 4; i++ {
		configs, _ := encodeInstant(c, false)
		temporalIds = append(temporalIds, configs[0].TemporalId())
	}
	require.Equal(t, []int{1, 0, 1, 0}, temporalIds)

	// T1 off turns T2 off too
	c.OnRatesUpdated(allocation([][]uint32{{100, 0, 100}}))
	require.EqualValues(t, 0b001, c.ActiveDecodeTargets())
}

func TestConstructorErrors(t *testing.T) {
	_, err := NewFullSvc(0, 1, ScalingFactorTwoToOne, nil)
	require.ErrorIs(t, err, ErrUnsupportedLayers)

	_, err = NewFullSvc(4, 1, ScalingFactorTwoToOne, nil)
	require.ErrorIs(t, err, ErrUnsupportedLayers)

	_, err = NewSimulcast(2, 4, ScalingFactorTwoToOne, nil)
	require.ErrorIs(t, err, ErrUnsupportedLayers)

	_, err = NewKeySvc(1, 2, ScalingFactorTwoToOne, nil)
	require.ErrorIs(t, err, ErrUnsupportedLayers)

	_, err = NewFullSvc(2, 2, ScalingFactor{Num: 0, Den: 1}, nil)
	require.ErrorIs(t, err, ErrUnsupportedLayers)
}

func TestOnEncodeDonePanicsOnUnknownId(t *testing.T) {
	c, err := NewFullSvc(2, 2, ScalingFactorTwoToOne, nil)
	require.NoError(t, err)

	old := c.NextFrameConfig(true)
	c.OnEncodeDone(old[0])
	require.Panics(t, func() { c.OnEncodeDone(old[0]) })

	c.NextFrameConfig(false)
	// second config of the previous batch was never reported
	require.Panics(t, func() { c.OnEncodeDone(old[1]) })

	var forged LayerFrameConfig
	forged.WithId(1000).S(0).T(0)
	require.Panics(t, func() { c.OnEncodeDone(forged) })
}

func TestEncoderModifiedConfig(t *testing.T) {
	c, err := NewFullSvc(1, 2, ScalingFactorTwoToOne, nil)
	require.NoError(t, err)
	encodeInstants(c, 2)

	// encoder skips the reference and codes the delta frame as a key frame
	configs := c.NextFrameConfig(false)
	var forced LayerFrameConfig
	forced.WithId(configs[0].Id()).S(0).T(0).Keyframe().Update(0)
	info := c.OnEncodeDone(forced)
	require.True(t, info.IsKeyframe)
	require.Empty(t, info.FrameDiffs)
}

func TestStreamConfig(t *testing.T) {
	c, err := NewFullSvc(3, 1, ScalingFactorTwoToOne, nil)
	require.NoError(t, err)
	config := c.StreamConfig()
	require.True(t, config.UsesReferenceScaling)
	require.Equal(t, []int{1, 1, 1}, config.ScalingFactorNum[:3])
	require.Equal(t, []int{4, 2, 1}, config.ScalingFactorDen[:3])
	require.Equal(t, []dd.RenderResolution{{Width: 320, Height: 180}, {Width: 640, Height: 360}, {Width: 1280, Height: 720}},
		config.Resolutions(1280, 720))

	h, err := NewSimulcast(3, 1, ScalingFactor{Num: 2, Den: 3}, nil)
	require.NoError(t, err)
	config = h.StreamConfig()
	require.False(t, config.UsesReferenceScaling)
	require.Equal(t, []int{4, 2, 1}, config.ScalingFactorNum[:3])
	require.Equal(t, []int{9, 3, 1}, config.ScalingFactorDen[:3])
}

func TestDependencyStructureIsStable(t *testing.T) {
	c, err := NewFullSvc(2, 3, ScalingFactorTwoToOne, nil)
	require.NoError(t, err)

	first := c.DependencyStructure()
	encodeInstants(c, 7)
	require.Equal(t, first, c.DependencyStructure())

	// shrinking is signalled through active decode targets only
	c.OnRatesUpdated(allocation([][]uint32{{100, 100}}))
	require.Equal(t, first, c.DependencyStructure())

	// returned structures are copies
	s := c.DependencyStructure()
	s.Templates[0].FrameDiffs = append(s.Templates[0].FrameDiffs, 3)
	require.Equal(t, first, c.DependencyStructure())
}

func TestDependencyStructureGrows(t *testing.T) {
	c, err := NewFullSvc(3, 3, ScalingFactorTwoToOne, nil)
	require.NoError(t, err)

	c.OnRatesUpdated(allocation([][]uint32{{100}}))
	small := c.DependencyStructure()
	require.Equal(t, 0, small.StructureId)
	require.Equal(t, 9, small.NumDecodeTargets)
	require.Equal(t, 3, small.NumChains)
	require.Equal(t, []int{0, 0, 0, 1, 1, 1, 2, 2, 2}, small.DecodeTargetProtectedByChain)
	for _, tmpl := range small.Templates {
		require.Equal(t, 0, tmpl.SpatialId)
		require.Equal(t, 0, tmpl.TemporalId)
	}

	c.OnRatesUpdated(allocation([][]uint32{{100, 100, 100}, {100, 100, 100}, {100, 100, 100}}))
	full := c.DependencyStructure()
	require.Equal(t, len(small.Templates)%dd.MaxTemplates, full.StructureId)
	require.Greater(t, len(full.Templates), len(small.Templates))

	c.OnRatesUpdated(allocation([][]uint32{{100}}))
	require.Equal(t, full, c.DependencyStructure())
}

func TestFramesMatchStructureTemplates(t *testing.T) {
	for _, mode := range AllScalabilityModes() {
		t.Run(mode.String(), func(t *testing.T) {
			c, err := CreateScalabilityStructure(mode, nil)
			require.NoError(t, err)

			structure := c.DependencyStructure()
			frames := encodeInstants(c, 20)
			for _, f := range frames {
				fd := f.FrameDependencies()
				matched := false
				for _, tmpl := range structure.Templates {
					if tmpl.Equal(fd) {
						matched = true
						break
					}
				}
				require.True(t, matched, "frame %s has no template", f)
			}
		})
	}
}

// Rate schedule applied by instant.
var rateSchedule = map[int][][]uint32{
	6:  {{100, 100, 100}, {100, 100, 100}},
	12: {{100}, {100}, {100}},
	18: {{100, 100, 100}, {0}, {100, 100, 100}},
	24: {{0}, {100, 100}, {100, 100, 100}},
	30: {},
	36: {{100, 100, 100}, {100, 100, 100}, {100, 100, 100}},
}

func TestInvariantsUnderRateChanges(t *testing.T) {
	for _, mode := range AllScalabilityModes() {
		t.Run(mode.String(), func(t *testing.T) {
			c, err := CreateScalabilityStructure(mode, nil)
			require.NoError(t, err)
			numTemporalLayers := mode.NumTemporalLayers()

			var frames []*GenericFrameInfo
			for i := 0; i < 48; i++ {
				if rates, ok := rateSchedule[i]; ok {
					c.OnRatesUpdated(allocation(rates))
				}
				configs, f := encodeInstant(c, i == 0 || i == 40)
				require.NotEmpty(t, configs)
				for j := 1; j < len(configs); j++ {
					require.Less(t, configs[j-1].SpatialId(), configs[j].SpatialId())
				}
				frames = append(frames, f...)
			}
			require.NoError(t, ValidateFrameReferences(frames))

			for _, f := range frames {
				require.Len(t, f.DecodeTargetIndications, mode.NumSpatialLayers()*numTemporalLayers)
				if f.TemporalId != 0 {
					continue
				}
				// a base frame is needed by every target of its spatial layer
				for dtid := 0; dtid < numTemporalLayers; dtid++ {
					dti := f.DecodeTargetIndications[f.SpatialId*numTemporalLayers+dtid]
					require.Contains(t, []dd.DecodeTargetIndication{dd.DecodeTargetSwitch, dd.DecodeTargetRequired}, dti)
				}
			}
		})
	}
}
