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

	"github.com/elliotchance/orderedmap/v2"
	"github.com/livekit/protocol/logger"

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
)

// frameTracker matches encoded configs to issued ones and numbers frames.
type frameTracker struct {
	logger logger.Logger

	nextConfigId int
	pending      *orderedmap.OrderedMap[int, FramePattern]

	frameId          int64
	framesCalculator *FrameDependenciesCalculator
	chainCalculator  *ChainDiffCalculator
}

func newFrameTracker(logger logger.Logger, numChains int) *frameTracker {
	return &frameTracker{
		logger:           logger,
		pending:          orderedmap.NewOrderedMap[int, FramePattern](),
		framesCalculator: NewFrameDependenciesCalculator(logger),
		chainCalculator:  NewChainDiffCalculator(logger, numChains),
	}
}

// issue assigns ids to a new batch, configs of the previous batch that were
// not reported are dropped.
func (t *frameTracker) issue(configs []LayerFrameConfig, pattern FramePattern) {
	if t.pending.Len() != 0 {
		t.logger.Debugw("layer frames were not encoded", "configIds", t.pending.Keys())
		t.pending = orderedmap.NewOrderedMap[int, FramePattern]()
	}
	for i := range configs {
		configs[i].WithId(t.nextConfigId)
		t.pending.Set(t.nextConfigId, pattern)
		t.nextConfigId++
	}
}

// consume returns the pattern a config was issued with. An unknown id is a
// caller bug that would corrupt buffer bookkeeping, so it panics.
func (t *frameTracker) consume(config LayerFrameConfig) FramePattern {
	pattern, ok := t.pending.Get(config.Id())
	if !ok {
		panic(fmt.Sprintf("layer frame config %d was not issued by the last NextFrameConfig or was already reported", config.Id()))
	}
	t.pending.Delete(config.Id())
	return pattern
}

// describe numbers the frame and fills in frame and chain diffs.
func (t *frameTracker) describe(
	config LayerFrameConfig,
	dtis []dd.DecodeTargetIndication,
	partOfChain []bool,
	activeDecodeTargets uint32,
) *GenericFrameInfo {
	frameId := t.frameId
	t.frameId++

	info := &GenericFrameInfo{
		FrameId:                 frameId,
		SpatialId:               config.SpatialId(),
		TemporalId:              config.TemporalId(),
		IsKeyframe:              config.IsKeyframe(),
		DecodeTargetIndications: dtis,
		PartOfChain:             partOfChain,
		ActiveDecodeTargets:     activeDecodeTargets,
		EncoderBuffers:          config.Buffers(),
	}
	for _, dep := range t.framesCalculator.FromBuffersUsage(frameId, info.EncoderBuffers) {
		info.FrameDiffs = append(info.FrameDiffs, int(frameId-dep))
	}
	// only a frame decodable on its own starts chains over
	if config.IsKeyframe() && !config.hasReferences() {
		t.chainCalculator.Reset(partOfChain)
	}
	info.ChainDiffs = t.chainCalculator.From(frameId, partOfChain)
	return info
}
