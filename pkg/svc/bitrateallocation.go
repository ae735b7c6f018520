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
	"math"
	"strings"
)

const (
	MaxSpatialLayers   = 5
	MaxTemporalStreams = 4
)

// VideoBitrateAllocation holds per spatial/temporal layer bitrates in bps.
// Unset layers are distinct from layers explicitly set to zero.
type VideoBitrateAllocation struct {
	bitrates    [MaxSpatialLayers][MaxTemporalStreams]*uint32
	sum         uint32
	isBwLimited bool
}

func checkLayerIndex(spatialIndex, temporalIndex int) {
	if spatialIndex < 0 || spatialIndex >= MaxSpatialLayers || temporalIndex < 0 || temporalIndex >= MaxTemporalStreams {
		panic(fmt.Sprintf("layer index out of range: spatial %d, temporal %d", spatialIndex, temporalIndex))
	}
}

// SetBitrate returns false when the total would overflow.
func (a *VideoBitrateAllocation) SetBitrate(spatialIndex, temporalIndex int, bitrateBps uint32) bool {
	checkLayerIndex(spatialIndex, temporalIndex)

	newSum := int64(a.sum)
	if existing := a.bitrates[spatialIndex][temporalIndex]; existing != nil {
		newSum -= int64(*existing)
	}
	newSum += int64(bitrateBps)
	if newSum > math.MaxUint32 {
		return false
	}

	a.bitrates[spatialIndex][temporalIndex] = &bitrateBps
	a.sum = uint32(newSum)
	return true
}

func (a *VideoBitrateAllocation) HasBitrate(spatialIndex, temporalIndex int) bool {
	checkLayerIndex(spatialIndex, temporalIndex)
	return a.bitrates[spatialIndex][temporalIndex] != nil
}

func (a *VideoBitrateAllocation) GetBitrate(spatialIndex, temporalIndex int) uint32 {
	checkLayerIndex(spatialIndex, temporalIndex)
	if b := a.bitrates[spatialIndex][temporalIndex]; b != nil {
		return *b
	}
	return 0
}

func (a *VideoBitrateAllocation) IsSpatialLayerUsed(spatialIndex int) bool {
	checkLayerIndex(spatialIndex, 0)
	for _, b := range a.bitrates[spatialIndex] {
		if b != nil {
			return true
		}
	}
	return false
}

func (a *VideoBitrateAllocation) GetSpatialLayerSum(spatialIndex int) uint32 {
	return a.GetTemporalLayerSum(spatialIndex, MaxTemporalStreams-1)
}

// GetTemporalLayerSum sums temporal layers [0, temporalIndex] of a spatial layer.
func (a *VideoBitrateAllocation) GetTemporalLayerSum(spatialIndex, temporalIndex int) uint32 {
	checkLayerIndex(spatialIndex, temporalIndex)
	var sum uint32
	for tid := 0; tid <= temporalIndex; tid++ {
		sum += a.GetBitrate(spatialIndex, tid)
	}
	return sum
}

// GetTemporalLayerAllocation returns bitrates up to the highest set temporal layer.
func (a *VideoBitrateAllocation) GetTemporalLayerAllocation(spatialIndex int) []uint32 {
	checkLayerIndex(spatialIndex, 0)
	numLayers := 0
	for tid := MaxTemporalStreams; tid > 0; tid-- {
		if a.bitrates[spatialIndex][tid-1] != nil {
			numLayers = tid
			break
		}
	}

	rates := make([]uint32, numLayers)
	for tid := range rates {
		rates[tid] = a.GetBitrate(spatialIndex, tid)
	}
	return rates
}

// GetSimulcastAllocations splits the allocation into one single spatial layer
// allocation per used spatial layer, nil for unused ones.
func (a *VideoBitrateAllocation) GetSimulcastAllocations() []*VideoBitrateAllocation {
	allocations := make([]*VideoBitrateAllocation, MaxSpatialLayers)
	for sid := range allocations {
		if !a.IsSpatialLayerUsed(sid) {
			continue
		}
		layer := &VideoBitrateAllocation{}
		for tid := 0; tid < MaxTemporalStreams; tid++ {
			if a.HasBitrate(sid, tid) {
				layer.SetBitrate(0, tid, a.GetBitrate(sid, tid))
			}
		}
		allocations[sid] = layer
	}
	return allocations
}

func (a *VideoBitrateAllocation) SumBps() uint32 {
	return a.sum
}

// SumKbps rounds down so the allocation is never exceeded.
func (a *VideoBitrateAllocation) SumKbps() uint32 {
	return a.sum / 1000
}

func (a *VideoBitrateAllocation) IsBwLimited() bool {
	return a.isBwLimited
}

func (a *VideoBitrateAllocation) SetBwLimited(limited bool) {
	a.isBwLimited = limited
}

func (a *VideoBitrateAllocation) Equal(other *VideoBitrateAllocation) bool {
	for sid := 0; sid < MaxSpatialLayers; sid++ {
		for tid := 0; tid < MaxTemporalStreams; tid++ {
			if a.HasBitrate(sid, tid) != other.HasBitrate(sid, tid) || a.GetBitrate(sid, tid) != other.GetBitrate(sid, tid) {
				return false
			}
		}
	}
	return true
}

func (a *VideoBitrateAllocation) String() string {
	if a.sum == 0 {
		return "VideoBitrateAllocation [ [] ]"
	}

	var sb strings.Builder
	sb.WriteString("VideoBitrateAllocation [")
	var spatialCumulator uint32
	for sid := 0; sid < MaxSpatialLayers && spatialCumulator < a.sum; sid++ {
		layerSum := a.GetSpatialLayerSum(sid)
		if sid == 0 && layerSum == a.sum {
			sb.WriteString(" [")
		} else {
			if sid > 0 {
				sb.WriteString(",")
			}
			sb.WriteString("\n  [")
		}
		spatialCumulator += layerSum

		var temporalCumulator uint32
		for tid := 0; tid < MaxTemporalStreams && temporalCumulator < layerSum; tid++ {
			if tid > 0 {
				sb.WriteString(", ")
			}
			bitrate := a.GetBitrate(sid, tid)
			fmt.Fprintf(&sb, "%d", bitrate)
			temporalCumulator += bitrate
		}
		sb.WriteString("]")
	}
	sb.WriteString(" ]")
	return sb.String()
}
