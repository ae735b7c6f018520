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
	"github.com/livekit/protocol/logger"

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
)

// NoLayeringController is a single layer stream with one buffer. The buffer
// is only referenced once a frame updating it was reported encoded.
type NoLayeringController struct {
	logger       logger.Logger
	tracker      *frameTracker
	canReference bool
}

func NewNoLayering(lgr logger.Logger) *NoLayeringController {
	if lgr == nil {
		lgr = logger.GetLogger()
	}
	return &NoLayeringController{
		logger:  lgr,
		tracker: newFrameTracker(lgr, 1),
	}
}

func (n *NoLayeringController) StreamConfig() StreamLayersConfig {
	return newStreamLayersConfig(1, 1)
}

func (n *NoLayeringController) DependencyStructure() *dd.FrameDependencyStructure {
	return &dd.FrameDependencyStructure{
		NumDecodeTargets:             1,
		NumChains:                    1,
		DecodeTargetProtectedByChain: []int{0},
		Templates: []*dd.FrameDependencyTemplate{
			new(dd.FrameDependencyTemplate).Dtis("S").Cdiffs(0),
			new(dd.FrameDependencyTemplate).Dtis("S").Fdiffs(1).Cdiffs(1),
		},
	}
}

func (n *NoLayeringController) NextFrameConfig(restart bool) []LayerFrameConfig {
	configs := make([]LayerFrameConfig, 1)
	pattern := PatternDeltaT0
	if restart || !n.canReference {
		configs[0].Keyframe().Update(0)
		pattern = PatternKey
		n.canReference = false
	} else {
		configs[0].ReferenceAndUpdate(0)
	}

	n.tracker.issue(configs, pattern)
	return configs
}

func (n *NoLayeringController) OnEncodeDone(config LayerFrameConfig) *GenericFrameInfo {
	n.tracker.consume(config)
	if config.IsKeyframe() && config.hasReferences() {
		// the encoder turned a delta frame into a key frame
		var key LayerFrameConfig
		key.WithId(config.Id()).Keyframe().Update(0)
		config = key
	}
	if config.Updates(0) {
		n.canReference = true
	}
	return n.tracker.describe(
		config,
		[]dd.DecodeTargetIndication{dd.DecodeTargetSwitch},
		[]bool{true},
		1,
	)
}

// OnRatesUpdated never disables the only layer.
func (n *NoLayeringController) OnRatesUpdated(bitrates *VideoBitrateAllocation) {
	if bitrates.GetBitrate(0, 0) == 0 {
		n.logger.Infow("layer disabled by allocation, keeping it active", "allocation", bitrates.String())
	}
}
