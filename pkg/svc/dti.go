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
	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
)

// dti returns how the frame described by config relates to decode target
// (dsid, dtid).
//
// Within its own spatial layer a T0 frame is a switch point for every target,
// a frame at the target's top temporal layer is never referenced by the target
// and is discardable, anything in between is needed to switch up. Frames of
// lower spatial layers only belong to upper targets when layers are coupled.
func (c *LayeredController) dti(dsid, dtid int, config LayerFrameConfig, pattern FramePattern) dd.DecodeTargetIndication {
	sid, tid := config.SpatialId(), config.TemporalId()
	if dsid < sid || dtid < tid {
		return dd.DecodeTargetNotPresent
	}

	if dsid == sid {
		switch {
		case tid == 0:
			return dd.DecodeTargetSwitch
		case tid == dtid:
			return dd.DecodeTargetDiscardable
		default:
			return dd.DecodeTargetSwitch
		}
	}

	switch c.coupling {
	case CouplingEveryFrame:
		if pattern == PatternKey {
			return dd.DecodeTargetSwitch
		}
		return dd.DecodeTargetRequired

	case CouplingKeyframeOnly:
		// upper layers reference lower ones only in the key instant
		if pattern == PatternKey {
			return dd.DecodeTargetSwitch
		}
		return dd.DecodeTargetNotPresent

	default:
		return dd.DecodeTargetNotPresent
	}
}

func (c *LayeredController) decodeTargetIndications(config LayerFrameConfig, pattern FramePattern) []dd.DecodeTargetIndication {
	dtis := make([]dd.DecodeTargetIndication, 0, c.numSpatialLayers*c.numTemporalLayers)
	for dsid := 0; dsid < c.numSpatialLayers; dsid++ {
		for dtid := 0; dtid < c.numTemporalLayers; dtid++ {
			dtis = append(dtis, c.dti(dsid, dtid, config, pattern))
		}
	}
	return dtis
}

// partOfChain has one entry per spatial layer, chain k protects the decode
// targets of spatial layer k. Only T0 frames are part of chains.
//
// A key instant only starts the chains of active layers when upper layers are
// coupled on key frames alone. Nothing else would refresh the chain of a
// disabled layer.
func (c *LayeredController) partOfChain(config LayerFrameConfig, pattern FramePattern) []bool {
	chains := make([]bool, c.numSpatialLayers)
	if config.TemporalId() != 0 {
		return chains
	}

	sid := config.SpatialId()
	for chain := range chains {
		switch {
		case c.coupling == CouplingEveryFrame:
			chains[chain] = sid <= chain
		case c.coupling == CouplingKeyframeOnly && pattern == PatternKey:
			chains[chain] = sid == chain || sid < chain && c.decodeTargetIsActive(chain, 0)
		default:
			chains[chain] = sid == chain
		}
	}
	return chains
}
