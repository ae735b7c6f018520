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
	"fmt"

	"github.com/livekit/protocol/logger"

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
)

const (
	keyShiftSpatialLayers  = 2
	keyShiftTemporalLayers = 2
)

// KeyShiftController is L2T2 key svc where the T0 frames of the two spatial
// layers are encoded in alternate instants after the key frame.
//
//	S1     0--0--1--0--1--0
//	       |  |  |  |  |  |
//	S0  0--1--0--1--0--1--0
//	    |     |     |     |
//
// Buffer 0 keeps the latest S0T0 frame, buffer 1 the latest S1T0 frame.
// Bit k of canReference is set once a frame updating buffer k was reported
// encoded.
type KeyShiftController struct {
	logger  logger.Logger
	tracker *frameTracker

	nextPattern         FramePattern
	activeDecodeTargets uint32
	canReference        uint32
}

func NewL2T2KeyShift(lgr logger.Logger) *KeyShiftController {
	if lgr == nil {
		lgr = logger.GetLogger()
	}
	return &KeyShiftController{
		logger:              lgr,
		tracker:             newFrameTracker(lgr, keyShiftSpatialLayers),
		nextPattern:         PatternKey,
		activeDecodeTargets: 0b1111,
	}
}

func (k *KeyShiftController) StreamConfig() StreamLayersConfig {
	c := newStreamLayersConfig(keyShiftSpatialLayers, keyShiftTemporalLayers)
	c.ScalingFactorNum[0] = 1
	c.ScalingFactorDen[0] = 2
	c.UsesReferenceScaling = true
	return c
}

func (k *KeyShiftController) DependencyStructure() *dd.FrameDependencyStructure {
	return &dd.FrameDependencyStructure{
		NumDecodeTargets:             4,
		NumChains:                    2,
		DecodeTargetProtectedByChain: []int{0, 0, 1, 1},
		Templates: []*dd.FrameDependencyTemplate{
			new(dd.FrameDependencyTemplate).S(0).T(0).Dtis("SSSS").Cdiffs(0, 0),
			new(dd.FrameDependencyTemplate).S(0).T(0).Dtis("SS--").Fdiffs(2).Cdiffs(2, 1),
			new(dd.FrameDependencyTemplate).S(0).T(0).Dtis("SS--").Fdiffs(4).Cdiffs(4, 1),
			new(dd.FrameDependencyTemplate).S(0).T(1).Dtis("-D--").Fdiffs(2).Cdiffs(2, 3),
			new(dd.FrameDependencyTemplate).S(1).T(0).Dtis("--SS").Fdiffs(1).Cdiffs(1, 1),
			new(dd.FrameDependencyTemplate).S(1).T(0).Dtis("--SS").Fdiffs(4).Cdiffs(3, 4),
			new(dd.FrameDependencyTemplate).S(1).T(1).Dtis("---D").Fdiffs(2).Cdiffs(1, 2),
		},
	}
}

func (k *KeyShiftController) decodeTargetIsActive(sid, tid int) bool {
	return k.activeDecodeTargets&(1<<(sid*keyShiftTemporalLayers+tid)) != 0
}

func (k *KeyShiftController) setDecodeTargetIsActive(sid, tid int, active bool) {
	bit := uint32(1) << (sid*keyShiftTemporalLayers + tid)
	if active {
		k.activeDecodeTargets |= bit
	} else {
		k.activeDecodeTargets &^= bit
	}
}

func (k *KeyShiftController) NextFrameConfig(restart bool) []LayerFrameConfig {
	if restart {
		k.nextPattern = PatternKey
	}

	pattern := k.nextPattern
	if pattern != PatternKey && !k.activeBuffersWritten() {
		k.logger.Debugw("key frame was not encoded, restarting")
		pattern = PatternKey
	}
	configs := make([]LayerFrameConfig, 0, keyShiftSpatialLayers)
	add := func() *LayerFrameConfig {
		configs = append(configs, LayerFrameConfig{})
		return &configs[len(configs)-1]
	}

	switch pattern {
	case PatternKey:
		k.canReference = 0
		if k.decodeTargetIsActive(0, 0) {
			add().S(0).T(0).Update(0).Keyframe()
		}
		if k.decodeTargetIsActive(1, 0) {
			config := add().S(1).T(0).Update(1)
			if k.decodeTargetIsActive(0, 0) {
				config.Reference(0)
			} else {
				config.Keyframe()
			}
		}
		k.nextPattern = PatternDeltaT0

	case PatternDeltaT0:
		// S0 on T0, S1 on T1
		if k.decodeTargetIsActive(0, 0) {
			add().S(0).T(0).ReferenceAndUpdate(0)
		}
		if k.decodeTargetIsActive(1, 1) {
			add().S(1).T(1).Reference(1)
		}
		if len(configs) == 0 && k.decodeTargetIsActive(1, 0) {
			add().S(1).T(0).ReferenceAndUpdate(1)
		}
		k.nextPattern = PatternDeltaT1

	default:
		// S0 on T1, S1 on T0
		if k.decodeTargetIsActive(0, 1) {
			add().S(0).T(1).Reference(0)
		}
		if k.decodeTargetIsActive(1, 0) {
			add().S(1).T(0).ReferenceAndUpdate(1)
		}
		if len(configs) == 0 && k.decodeTargetIsActive(0, 0) {
			add().S(0).T(0).ReferenceAndUpdate(0)
		}
		k.nextPattern = PatternDeltaT0
	}

	k.tracker.issue(configs, pattern)
	return configs
}

func (k *KeyShiftController) activeBuffersWritten() bool {
	for sid := 0; sid < keyShiftSpatialLayers; sid++ {
		if k.decodeTargetIsActive(sid, 0) && k.canReference&(1<<sid) == 0 {
			return false
		}
	}
	return true
}

func (k *KeyShiftController) OnEncodeDone(config LayerFrameConfig) *GenericFrameInfo {
	k.tracker.consume(config)
	sid, tid := config.SpatialId(), config.TemporalId()
	if sid < 0 || sid >= keyShiftSpatialLayers || tid < 0 || tid >= keyShiftTemporalLayers {
		panic(fmt.Sprintf("layer frame config %d has invalid layer S%dT%d", config.Id(), sid, tid))
	}
	if tid == 0 && config.Updates(sid) {
		k.canReference |= 1 << sid
	}

	dtis := make([]dd.DecodeTargetIndication, 0, keyShiftSpatialLayers*keyShiftTemporalLayers)
	for dsid := 0; dsid < keyShiftSpatialLayers; dsid++ {
		for dtid := 0; dtid < keyShiftTemporalLayers; dtid++ {
			dtis = append(dtis, keyShiftDti(dsid, dtid, config))
		}
	}

	var partOfChain []bool
	switch {
	case config.IsKeyframe():
		partOfChain = []bool{true, true}
	case tid == 0:
		partOfChain = []bool{sid == 0, sid == 1}
	default:
		partOfChain = []bool{false, false}
	}
	return k.tracker.describe(config, dtis, partOfChain, k.activeDecodeTargets)
}

func keyShiftDti(dsid, dtid int, config LayerFrameConfig) dd.DecodeTargetIndication {
	if config.IsKeyframe() {
		if dsid < config.SpatialId() {
			return dd.DecodeTargetNotPresent
		}
		return dd.DecodeTargetSwitch
	}
	if dsid != config.SpatialId() || dtid < config.TemporalId() {
		return dd.DecodeTargetNotPresent
	}
	if dtid == config.TemporalId() && dtid > 0 {
		return dd.DecodeTargetDiscardable
	}
	return dd.DecodeTargetSwitch
}

func (k *KeyShiftController) OnRatesUpdated(bitrates *VideoBitrateAllocation) {
	previous := k.activeDecodeTargets
	for sid := 0; sid < keyShiftSpatialLayers; sid++ {
		active := bitrates.GetBitrate(sid, 0) > 0
		k.setDecodeTargetIsActive(sid, 0, active)
		k.setDecodeTargetIsActive(sid, 1, active && bitrates.GetBitrate(sid, 1) > 0)
	}

	if k.activeDecodeTargets == 0 {
		k.logger.Infow("all layers disabled by allocation, keeping base layer", "allocation", bitrates.String())
		k.setDecodeTargetIsActive(0, 0, true)
	}

	for sid := 0; sid < keyShiftSpatialLayers; sid++ {
		bit := uint32(1) << (sid * keyShiftTemporalLayers)
		if k.activeDecodeTargets&bit != 0 && previous&bit == 0 {
			// a spatial layer can only be enabled with a key frame
			k.logger.Debugw("spatial layer enabled, scheduling key frame", "spatialId", sid)
			k.nextPattern = PatternKey
		}
	}
}
