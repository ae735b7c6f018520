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

package encodesession

import (
	"context"
	"sync"

	"github.com/pion/rtp"

	"github.com/livekit/svc-engine/pkg/svc"
)

// EncodedFrame is the encoder's result for one layer frame config.
type EncodedFrame struct {
	// The config as the encoder applied it, with the id it was issued with.
	Config  svc.LayerFrameConfig
	Payload []byte
	Dropped bool
}

// Encoder encodes a temporal unit following the given layer frame configs.
type Encoder interface {
	// Encode returns results in config order. Missing trailing results count as
	// dropped frames.
	Encode(ctx context.Context, configs []svc.LayerFrameConfig) ([]EncodedFrame, error)
	SetRates(allocation *svc.VideoBitrateAllocation)
}

// PacketWriter matches the write side of a local RTP track.
type PacketWriter interface {
	WriteRTP(header *rtp.Header, payload []byte) (int, error)
}

// --------------------------------------

const keyframeSizeMultiplier = 4

// SyntheticEncoder produces zero filled payloads sized after the allocated
// layer rates. Used by the simulator and tests.
type SyntheticEncoder struct {
	lock       sync.Mutex
	frameRate  int
	allocation *svc.VideoBitrateAllocation

	// DropFrame, when set, is asked for every config.
	DropFrame func(config svc.LayerFrameConfig) bool
}

func NewSyntheticEncoder(frameRate int) *SyntheticEncoder {
	if frameRate <= 0 {
		frameRate = DefaultFrameRate
	}
	return &SyntheticEncoder{
		frameRate:  frameRate,
		allocation: &svc.VideoBitrateAllocation{},
	}
}

func (e *SyntheticEncoder) SetRates(allocation *svc.VideoBitrateAllocation) {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.allocation = allocation
}

func (e *SyntheticEncoder) Encode(ctx context.Context, configs []svc.LayerFrameConfig) ([]EncodedFrame, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	results := make([]EncodedFrame, 0, len(configs))
	for _, config := range configs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.DropFrame != nil && e.DropFrame(config) {
			results = append(results, EncodedFrame{Config: config, Dropped: true})
			continue
		}
		results = append(results, EncodedFrame{
			Config:  config,
			Payload: make([]byte, e.frameSize(config)),
		})
	}
	return results, nil
}

func (e *SyntheticEncoder) frameSize(config svc.LayerFrameConfig) int {
	rate := e.allocation.GetSpatialLayerSum(config.SpatialId())
	size := int(rate / 8 / uint32(e.frameRate))
	if config.IsKeyframe() {
		size *= keyframeSizeMultiplier
	}
	return max(size, 1)
}
