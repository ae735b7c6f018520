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

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
)

// CouplingPolicy is how spatial layers reference each other.
type CouplingPolicy int

const (
	// CouplingNone runs every spatial layer as an independent stream (simulcast).
	CouplingNone CouplingPolicy = iota
	// CouplingKeyframeOnly chains spatial layers in the key frame instant only.
	CouplingKeyframeOnly
	// CouplingEveryFrame predicts every upper layer frame from the layer below.
	CouplingEveryFrame
)

func (p CouplingPolicy) String() string {
	switch p {
	case CouplingNone:
		return "None"
	case CouplingKeyframeOnly:
		return "KeyframeOnly"
	case CouplingEveryFrame:
		return "EveryFrame"
	default:
		return fmt.Sprintf("%d", int(p))
	}
}

const (
	maxLayers = 3

	structureCacheSize = 8
)

// ScalingFactor is the resolution ratio between consecutive spatial layers.
type ScalingFactor struct {
	Num int
	Den int
}

var ScalingFactorTwoToOne = ScalingFactor{Num: 1, Den: 2}

// LayeredController implements full svc, key svc and simulcast structures with
// up to three spatial and three temporal layers. The variants only differ in
// how spatial layers are coupled.
type LayeredController struct {
	logger            logger.Logger
	coupling          CouplingPolicy
	numSpatialLayers  int
	numTemporalLayers int
	streamConfig      StreamLayersConfig

	lastPattern         FramePattern
	canReferenceT0      uint32 // bit per spatial id
	canReferenceT1      uint32 // bit per spatial id
	spatialIdIsEnabled  uint32 // spatial ids keyed in the last key instant
	activeDecodeTargets uint32

	tracker *frameTracker

	structure      *dd.FrameDependencyStructure
	structureShape layerShape
	templateCache  *lru.Cache[layerShape, []*dd.FrameDependencyTemplate]
}

// NewFullSvc creates a structure where every spatial layer frame references
// the frame of the layer below in the same instant.
func NewFullSvc(numSpatialLayers, numTemporalLayers int, scaling ScalingFactor, logger logger.Logger) (*LayeredController, error) {
	return newLayeredController(CouplingEveryFrame, numSpatialLayers, numTemporalLayers, scaling, logger)
}

// NewKeySvc creates a structure where spatial layers are chained in key frames
// and independent otherwise.
func NewKeySvc(numSpatialLayers, numTemporalLayers int, scaling ScalingFactor, logger logger.Logger) (*LayeredController, error) {
	if numSpatialLayers < 2 {
		return nil, errors.Wrapf(ErrUnsupportedLayers, "key svc needs at least 2 spatial layers, got %d", numSpatialLayers)
	}
	return newLayeredController(CouplingKeyframeOnly, numSpatialLayers, numTemporalLayers, scaling, logger)
}

// NewSimulcast creates a structure with independent spatial layers.
func NewSimulcast(numSpatialLayers, numTemporalLayers int, scaling ScalingFactor, logger logger.Logger) (*LayeredController, error) {
	return newLayeredController(CouplingNone, numSpatialLayers, numTemporalLayers, scaling, logger)
}

func newLayeredController(
	coupling CouplingPolicy,
	numSpatialLayers int,
	numTemporalLayers int,
	scaling ScalingFactor,
	lgr logger.Logger,
) (*LayeredController, error) {
	if numSpatialLayers < 1 || numSpatialLayers > maxLayers || numTemporalLayers < 1 || numTemporalLayers > maxLayers {
		return nil, errors.Wrapf(ErrUnsupportedLayers, "spatial %d, temporal %d", numSpatialLayers, numTemporalLayers)
	}
	if scaling.Num <= 0 || scaling.Den <= 0 {
		return nil, errors.Wrapf(ErrUnsupportedLayers, "scaling factor %d/%d", scaling.Num, scaling.Den)
	}
	if lgr == nil {
		lgr = logger.GetLogger()
	}

	templateCache, err := lru.New[layerShape, []*dd.FrameDependencyTemplate](structureCacheSize)
	if err != nil {
		return nil, err
	}

	c := &LayeredController{
		logger:            lgr,
		coupling:          coupling,
		numSpatialLayers:  numSpatialLayers,
		numTemporalLayers: numTemporalLayers,
		streamConfig:      newStreamLayersConfig(numSpatialLayers, numTemporalLayers),
		tracker:           newFrameTracker(lgr, numSpatialLayers),
		templateCache:     templateCache,
	}
	c.activeDecodeTargets = (uint32(1) << (numSpatialLayers * numTemporalLayers)) - 1

	// top layer keeps the input resolution
	c.streamConfig.UsesReferenceScaling = coupling != CouplingNone && numSpatialLayers > 1
	for sid := numSpatialLayers - 1; sid > 0; sid-- {
		c.streamConfig.ScalingFactorNum[sid-1] = c.streamConfig.ScalingFactorNum[sid] * scaling.Num
		c.streamConfig.ScalingFactorDen[sid-1] = c.streamConfig.ScalingFactorDen[sid] * scaling.Den
	}
	return c, nil
}

func (c *LayeredController) Coupling() CouplingPolicy {
	return c.coupling
}

func (c *LayeredController) StreamConfig() StreamLayersConfig {
	return c.streamConfig
}

func (c *LayeredController) bufferIndex(sid, tid int) int {
	return tid*c.numSpatialLayers + sid
}

func (c *LayeredController) decodeTargetIsActive(sid, tid int) bool {
	return c.activeDecodeTargets&(1<<(sid*c.numTemporalLayers+tid)) != 0
}

func (c *LayeredController) setDecodeTargetIsActive(sid, tid int, active bool) {
	bit := uint32(1) << (sid*c.numTemporalLayers + tid)
	if active {
		c.activeDecodeTargets |= bit
	} else {
		c.activeDecodeTargets &^= bit
	}
}

func (c *LayeredController) temporalLayerIsActive(tid int) bool {
	if tid >= c.numTemporalLayers {
		return false
	}
	for sid := 0; sid < c.numSpatialLayers; sid++ {
		if c.decodeTargetIsActive(sid, tid) {
			return true
		}
	}
	return false
}

func (c *LayeredController) NextFrameConfig(restart bool) []LayerFrameConfig {
	if restart {
		c.lastPattern = PatternNone
	}
	pattern := nextPattern(c.lastPattern, c.temporalLayerIsActive)
	if pattern == PatternKey {
		c.canReferenceT0 = 0
		c.spatialIdIsEnabled = 0
	}

	configs := c.configsForPattern(pattern)
	if len(configs) == 0 {
		// every active layer lost its references at this instant
		if pattern == PatternKey {
			panic("no active spatial layer for a key frame")
		}
		c.logger.Debugw("no layer can be encoded, restarting", "pattern", pattern)
		return c.NextFrameConfig(true)
	}

	c.lastPattern = pattern
	c.tracker.issue(configs, pattern)
	return configs
}

func (c *LayeredController) configsForPattern(pattern FramePattern) []LayerFrameConfig {
	configs := make([]LayerFrameConfig, 0, c.numSpatialLayers)

	if pattern == PatternKey || pattern == PatternDeltaT0 {
		// no temporal reference may cross a T0 frame
		c.canReferenceT1 = 0
	}

	// buffer updated by the layer below in this instant, -1 if none
	spatialDependency := -1
	for sid := 0; sid < c.numSpatialLayers; sid++ {
		if !c.decodeTargetIsActive(sid, 0) {
			continue
		}

		useSpatialDependency := spatialDependency >= 0 &&
			(c.coupling == CouplingEveryFrame || c.coupling == CouplingKeyframeOnly && pattern == PatternKey)
		canReferenceT0 := c.canReferenceT0&(1<<sid) != 0

		var config LayerFrameConfig
		config.S(sid).T(pattern.TemporalId())
		switch pattern {
		case PatternKey, PatternDeltaT0:
			if useSpatialDependency {
				config.Reference(spatialDependency)
			}
			if pattern == PatternDeltaT0 && canReferenceT0 {
				config.ReferenceAndUpdate(c.bufferIndex(sid, 0))
			} else {
				// layer (re)starts here
				config.Keyframe().Update(c.bufferIndex(sid, 0))
			}
			if pattern == PatternKey {
				c.spatialIdIsEnabled |= 1 << sid
			}
			spatialDependency = c.bufferIndex(sid, 0)

		case PatternDeltaT1:
			if !c.decodeTargetIsActive(sid, 1) || !canReferenceT0 {
				continue
			}
			config.Reference(c.bufferIndex(sid, 0))
			if useSpatialDependency {
				config.Reference(spatialDependency)
			}
			config.Update(c.bufferIndex(sid, 1))
			spatialDependency = c.bufferIndex(sid, 1)

		case PatternDeltaT2A, PatternDeltaT2B:
			if !c.decodeTargetIsActive(sid, 2) || !canReferenceT0 {
				continue
			}
			if c.canReferenceT1&(1<<sid) != 0 {
				config.Reference(c.bufferIndex(sid, 1))
			} else {
				config.Reference(c.bufferIndex(sid, 0))
			}
			if useSpatialDependency {
				config.Reference(spatialDependency)
			}
			// the top T2 slot of a 3x3 structure does not fit the encoder buffers,
			// nothing references it
			spatialDependency = -1
			if slot := c.bufferIndex(sid, 2); slot < MaxEncoderBuffers {
				config.Update(slot)
				spatialDependency = slot
			}

		default:
			continue
		}
		configs = append(configs, config)
	}
	return configs
}

func (c *LayeredController) OnEncodeDone(config LayerFrameConfig) *GenericFrameInfo {
	pattern := c.tracker.consume(config)

	sid, tid := config.SpatialId(), config.TemporalId()
	if sid < 0 || sid >= c.numSpatialLayers || tid < 0 || tid >= c.numTemporalLayers {
		panic(fmt.Sprintf("layer frame config %d has invalid layer S%dT%d", config.Id(), sid, tid))
	}
	switch tid {
	case 0:
		if config.Updates(c.bufferIndex(sid, 0)) {
			c.canReferenceT0 |= 1 << sid
		}
	case 1:
		if config.Updates(c.bufferIndex(sid, 1)) {
			c.canReferenceT1 |= 1 << sid
		}
	}

	return c.tracker.describe(
		config,
		c.decodeTargetIndications(config, pattern),
		c.partOfChain(config, pattern),
		c.activeDecodeTargets,
	)
}

func (c *LayeredController) OnRatesUpdated(bitrates *VideoBitrateAllocation) {
	previous := c.activeDecodeTargets
	for sid := 0; sid < c.numSpatialLayers; sid++ {
		// a temporal layer needs all layers below it
		active := true
		for tid := 0; tid < c.numTemporalLayers; tid++ {
			active = active && bitrates.GetBitrate(sid, tid) > 0
			c.setDecodeTargetIsActive(sid, tid, active)
		}
	}

	if c.activeDecodeTargets == 0 {
		c.logger.Infow("all layers disabled by allocation, keeping base layer", "allocation", bitrates.String())
		c.setDecodeTargetIsActive(0, 0, true)
	}

	for sid := 0; sid < c.numSpatialLayers; sid++ {
		if !c.decodeTargetIsActive(sid, 0) {
			// resumes with a fresh layer frame
			c.canReferenceT0 &^= 1 << sid
			c.canReferenceT1 &^= 1 << sid
			c.spatialIdIsEnabled &^= 1 << sid
			continue
		}
		if c.coupling == CouplingKeyframeOnly && c.spatialIdIsEnabled&(1<<sid) == 0 && c.lastPattern != PatternNone {
			// upper layers can only join in a key instant
			c.logger.Debugw("spatial layer enabled, scheduling key frame", "spatialId", sid)
			c.lastPattern = PatternNone
		}
	}

	if previous != c.activeDecodeTargets {
		c.logger.Debugw("active decode targets changed",
			"previous", fmt.Sprintf("%b", previous),
			"current", fmt.Sprintf("%b", c.activeDecodeTargets),
		)
	}
}

func (c *LayeredController) ActiveDecodeTargets() uint32 {
	return c.activeDecodeTargets
}
