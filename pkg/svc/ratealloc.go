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
	"github.com/pkg/errors"
)

var ErrInvalidLayerBitrates = errors.New("invalid layer bitrates")

// An extra layer is enabled only once the target clears its start bitrate by
// this many percent, so the layer count does not flap around the threshold.
const layerEnableHysteresisPercent = 10

// percent of a spatial layer's rate per temporal layer, indexed by number of
// temporal layers - 1
var temporalRateShares = [maxLayers][]uint64{
	{100},
	{60, 40},
	{40, 20, 40},
}

// SpatialLayerBitrates bounds the rate of one spatial layer.
type SpatialLayerBitrates struct {
	MinBps    uint32 `yaml:"min_bps,omitempty"`
	TargetBps uint32 `yaml:"target_bps,omitempty"`
	MaxBps    uint32 `yaml:"max_bps,omitempty"`
}

func (b SpatialLayerBitrates) String() string {
	return fmt.Sprintf("{min: %d, target: %d, max: %d}", b.MinBps, b.TargetBps, b.MaxBps)
}

// SvcRateAllocator splits a total target bitrate into a per layer allocation.
// Lower spatial layers get their target rate, the top enabled layer gets what
// is left up to its max.
type SvcRateAllocator struct {
	logger            logger.Logger
	numSpatialLayers  int
	numTemporalLayers int
	layers            []SpatialLayerBitrates

	// total needed to enable each number of spatial layers
	cumulativeStartBps []uint32
	lastNumEnabled     int
}

func NewSvcRateAllocator(config StreamLayersConfig, layers []SpatialLayerBitrates, lgr logger.Logger) (*SvcRateAllocator, error) {
	if config.NumSpatialLayers < 1 || config.NumSpatialLayers > maxLayers ||
		config.NumTemporalLayers < 1 || config.NumTemporalLayers > maxLayers {
		return nil, errors.Wrapf(ErrUnsupportedLayers, "spatial %d, temporal %d", config.NumSpatialLayers, config.NumTemporalLayers)
	}
	if len(layers) != config.NumSpatialLayers {
		return nil, errors.Wrapf(ErrInvalidLayerBitrates, "expected %d spatial layers, got %d", config.NumSpatialLayers, len(layers))
	}
	for sid, l := range layers {
		if l.MinBps > l.TargetBps || l.TargetBps > l.MaxBps || l.MaxBps == 0 {
			return nil, errors.Wrapf(ErrInvalidLayerBitrates, "spatial layer %d: %s", sid, l)
		}
	}
	if lgr == nil {
		lgr = logger.GetLogger()
	}

	a := &SvcRateAllocator{
		logger:             lgr,
		numSpatialLayers:   config.NumSpatialLayers,
		numTemporalLayers:  config.NumTemporalLayers,
		layers:             append([]SpatialLayerBitrates(nil), layers...),
		cumulativeStartBps: make([]uint32, config.NumSpatialLayers),
	}
	var lowerTargets uint32
	for sid, l := range layers {
		a.cumulativeStartBps[sid] = lowerTargets + l.MinBps
		lowerTargets += l.TargetBps
	}
	return a, nil
}

// DefaultSpatialLayerBitrates scales bounds from the top layer down by the
// square of each layer's scaling factor.
func DefaultSpatialLayerBitrates(config StreamLayersConfig, top SpatialLayerBitrates) []SpatialLayerBitrates {
	layers := make([]SpatialLayerBitrates, config.NumSpatialLayers)
	topNum := config.ScalingFactorNum[config.NumSpatialLayers-1]
	topDen := config.ScalingFactorDen[config.NumSpatialLayers-1]
	for sid := range layers {
		num := uint64(config.ScalingFactorNum[sid] * config.ScalingFactorNum[sid] * topDen * topDen)
		den := uint64(config.ScalingFactorDen[sid] * config.ScalingFactorDen[sid] * topNum * topNum)
		layers[sid] = SpatialLayerBitrates{
			MinBps:    uint32(uint64(top.MinBps) * num / den),
			TargetBps: uint32(uint64(top.TargetBps) * num / den),
			MaxBps:    uint32(uint64(top.MaxBps) * num / den),
		}
	}
	return layers
}

// MaxBitrate is the rate at which every layer runs at its max.
func (a *SvcRateAllocator) MaxBitrate() uint32 {
	var total uint32
	for _, l := range a.layers {
		total += l.MaxBps
	}
	return total
}

func (a *SvcRateAllocator) numEnabledLayers(totalBps uint32) int {
	numEnabled := 0
	for numEnabled < a.numSpatialLayers {
		start := uint64(a.cumulativeStartBps[numEnabled])
		if numEnabled >= a.lastNumEnabled {
			start += start * layerEnableHysteresisPercent / 100
		}
		if uint64(totalBps) < start {
			break
		}
		numEnabled++
	}
	return numEnabled
}

// Allocate distributes totalBps over the layers. Spatial layers whose minimum
// cannot be met get zero, except that any non zero total keeps the base layer.
func (a *SvcRateAllocator) Allocate(totalBps uint32) *VideoBitrateAllocation {
	allocation := &VideoBitrateAllocation{}
	if totalBps == 0 {
		a.lastNumEnabled = 0
		return allocation
	}

	numEnabled := a.numEnabledLayers(totalBps)
	if numEnabled == 0 {
		numEnabled = 1
	}
	if numEnabled != a.lastNumEnabled {
		a.logger.Debugw("spatial layers enabled by rate",
			"previous", a.lastNumEnabled,
			"current", numEnabled,
			"totalBps", totalBps,
		)
	}
	a.lastNumEnabled = numEnabled
	allocation.SetBwLimited(numEnabled < a.numSpatialLayers)

	left := totalBps
	for sid := 0; sid < numEnabled; sid++ {
		rate := min(left, a.layers[sid].TargetBps)
		if sid == numEnabled-1 {
			rate = min(left, a.layers[sid].MaxBps)
		}
		left -= rate
		a.splitTemporal(allocation, sid, rate)
	}
	return allocation
}

func (a *SvcRateAllocator) splitTemporal(allocation *VideoBitrateAllocation, sid int, rate uint32) {
	shares := temporalRateShares[a.numTemporalLayers-1]
	left := rate
	for tid, share := range shares {
		tidRate := uint32(uint64(rate) * share / 100)
		if tid == len(shares)-1 {
			tidRate = left
		}
		left -= tidRate
		allocation.SetBitrate(sid, tid, tidRate)
	}
}
