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
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type bufferUsage struct {
	frameId      int64
	valid        bool
	dependencies []int64
}

// FrameDependenciesCalculator turns encoder buffer usage into frame ids a frame
// depends on, dropping dependencies that are already implied by another one.
type FrameDependenciesCalculator struct {
	logger  logger.Logger
	buffers [MaxEncoderBuffers]bufferUsage
}

func NewFrameDependenciesCalculator(logger logger.Logger) *FrameDependenciesCalculator {
	return &FrameDependenciesCalculator{logger: logger}
}

// FromBuffersUsage returns dependencies in ascending frame id order.
func (f *FrameDependenciesCalculator) FromBuffersUsage(frameId int64, usage []CodecBufferUsage) []int64 {
	direct := make(map[int64]struct{})
	indirect := make(map[int64]struct{})
	for _, u := range usage {
		if u.Id < 0 || u.Id >= MaxEncoderBuffers {
			f.logger.Warnw("buffer id out of range", nil, "frameId", frameId, "bufferId", u.Id)
			continue
		}
		if !u.Referenced {
			continue
		}
		buffer := &f.buffers[u.Id]
		if !buffer.valid {
			f.logger.Warnw("frame references buffer that was never updated", nil,
				"frameId", frameId,
				"bufferId", u.Id,
			)
			continue
		}
		direct[buffer.frameId] = struct{}{}
		for _, dep := range buffer.dependencies {
			indirect[dep] = struct{}{}
		}
	}

	var dependencies []int64
	for dep := range direct {
		if _, ok := indirect[dep]; !ok {
			dependencies = append(dependencies, dep)
		}
	}
	slices.Sort(dependencies)

	directSorted := maps.Keys(direct)
	slices.Sort(directSorted)
	for _, u := range usage {
		if !u.Updated || u.Id < 0 || u.Id >= MaxEncoderBuffers {
			continue
		}
		f.buffers[u.Id] = bufferUsage{
			frameId:      frameId,
			valid:        true,
			dependencies: directSorted,
		}
	}
	return dependencies
}

// ChainDiffCalculator tracks the last frame of every chain.
type ChainDiffCalculator struct {
	logger           logger.Logger
	lastFrameInChain []*int64
}

func NewChainDiffCalculator(logger logger.Logger, numChains int) *ChainDiffCalculator {
	return &ChainDiffCalculator{
		logger:           logger,
		lastFrameInChain: make([]*int64, numChains),
	}
}

// Reset forgets the last frame of the chains flagged in chains.
func (c *ChainDiffCalculator) Reset(chains []bool) {
	if len(c.lastFrameInChain) != len(chains) {
		c.lastFrameInChain = make([]*int64, len(chains))
	}
	for i, reset := range chains {
		if reset {
			c.lastFrameInChain[i] = nil
		}
	}
}

// From returns the distance to the previous frame of each chain, 0 when a chain
// has no frame yet, and records frameId in the chains it is part of.
func (c *ChainDiffCalculator) From(frameId int64, chains []bool) []int {
	diffs := make([]int, len(c.lastFrameInChain))
	for i, last := range c.lastFrameInChain {
		if last != nil {
			diffs[i] = int(frameId - *last)
		}
	}

	if len(chains) != len(c.lastFrameInChain) {
		c.logger.Warnw("inconsistent chain configuration", nil,
			"frameId", frameId,
			"chains", len(chains),
			"known", len(c.lastFrameInChain),
		)
	}
	for i, part := range chains {
		if part && i < len(c.lastFrameInChain) {
			id := frameId
			c.lastFrameInChain[i] = &id
		}
	}
	return diffs
}
