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
)

var l3t3Layers = []SpatialLayerBitrates{
	{MinBps: 30_000, TargetBps: 150_000, MaxBps: 200_000},
	{MinBps: 150_000, TargetBps: 500_000, MaxBps: 700_000},
	{MinBps: 400_000, TargetBps: 1_200_000, MaxBps: 2_000_000},
}

func newL3T3Allocator(t *testing.T) *SvcRateAllocator {
	config, ok := ScalabilityStructureConfig(ScalabilityModeL3T3)
	require.True(t, ok)
	a, err := NewSvcRateAllocator(config, l3t3Layers, nil)
	require.NoError(t, err)
	return a
}

func TestSvcRateAllocatorEnablesLayers(t *testing.T) {
	a := newL3T3Allocator(t)
	require.EqualValues(t, 2_900_000, a.MaxBitrate())

	allocation := a.Allocate(100_000)
	require.True(t, allocation.IsBwLimited())
	require.Equal(t, []uint32{40_000, 20_000, 40_000}, allocation.GetTemporalLayerAllocation(0))
	require.False(t, allocation.IsSpatialLayerUsed(1))
	require.EqualValues(t, 100_000, allocation.SumBps())

	// second layer needs 300k plus margin
	allocation = a.Allocate(1_000_000)
	require.EqualValues(t, 150_000, allocation.GetSpatialLayerSum(0))
	require.EqualValues(t, 700_000, allocation.GetSpatialLayerSum(1))
	require.False(t, allocation.IsSpatialLayerUsed(2))

	// 1.05M start plus margin is not reached yet
	allocation = a.Allocate(1_100_000)
	require.False(t, allocation.IsSpatialLayerUsed(2))

	allocation = a.Allocate(1_200_000)
	require.False(t, allocation.IsBwLimited())
	require.EqualValues(t, 150_000, allocation.GetSpatialLayerSum(0))
	require.EqualValues(t, 500_000, allocation.GetSpatialLayerSum(1))
	require.EqualValues(t, 550_000, allocation.GetSpatialLayerSum(2))
	require.Equal(t, []uint32{220_000, 110_000, 220_000}, allocation.GetTemporalLayerAllocation(2))

	// once enabled, the layer stays until the plain start bitrate
	allocation = a.Allocate(1_060_000)
	require.True(t, allocation.IsSpatialLayerUsed(2))
	allocation = a.Allocate(1_000_000)
	require.False(t, allocation.IsSpatialLayerUsed(2))
}

func TestSvcRateAllocatorCapsTopLayer(t *testing.T) {
	a := newL3T3Allocator(t)
	allocation := a.Allocate(10_000_000)
	require.EqualValues(t, 2_000_000, allocation.GetSpatialLayerSum(2))
	require.EqualValues(t, 2_650_000, allocation.SumBps())
}

func TestSvcRateAllocatorLowRates(t *testing.T) {
	a := newL3T3Allocator(t)

	allocation := a.Allocate(0)
	require.Zero(t, allocation.SumBps())
	require.False(t, allocation.IsSpatialLayerUsed(0))

	// below the base minimum the base layer still gets everything
	allocation = a.Allocate(10_000)
	require.EqualValues(t, 10_000, allocation.GetSpatialLayerSum(0))
	require.True(t, allocation.IsBwLimited())
}

func TestSvcRateAllocatorDrivesController(t *testing.T) {
	a := newL3T3Allocator(t)
	c, err := CreateScalabilityStructure(ScalabilityModeL3T3, nil)
	require.NoError(t, err)
	encodeInstants(c, 1)

	c.OnRatesUpdated(a.Allocate(400_000))
	require.EqualValues(t, 0b000_111_111, c.(*LayeredController).ActiveDecodeTargets())

	c.OnRatesUpdated(a.Allocate(50_000))
	require.EqualValues(t, 0b000_000_111, c.(*LayeredController).ActiveDecodeTargets())
}

func TestSvcRateAllocatorValidation(t *testing.T) {
	config, _ := ScalabilityStructureConfig(ScalabilityModeL2T1)

	_, err := NewSvcRateAllocator(config, l3t3Layers, nil)
	require.ErrorIs(t, err, ErrInvalidLayerBitrates)

	_, err = NewSvcRateAllocator(config, []SpatialLayerBitrates{
		{MinBps: 10, TargetBps: 5, MaxBps: 20},
		{MinBps: 10, TargetBps: 15, MaxBps: 20},
	}, nil)
	require.ErrorIs(t, err, ErrInvalidLayerBitrates)

	config.NumTemporalLayers = 4
	_, err = NewSvcRateAllocator(config, l3t3Layers[:2], nil)
	require.ErrorIs(t, err, ErrUnsupportedLayers)
}

func TestDefaultSpatialLayerBitrates(t *testing.T) {
	config, _ := ScalabilityStructureConfig(ScalabilityModeL3T1)
	layers := DefaultSpatialLayerBitrates(config, SpatialLayerBitrates{MinBps: 160_000, TargetBps: 1_600_000, MaxBps: 3_200_000})
	require.Equal(t, []SpatialLayerBitrates{
		{MinBps: 10_000, TargetBps: 100_000, MaxBps: 200_000},
		{MinBps: 40_000, TargetBps: 400_000, MaxBps: 800_000},
		{MinBps: 160_000, TargetBps: 1_600_000, MaxBps: 3_200_000},
	}, layers)

	config, _ = ScalabilityStructureConfig(ScalabilityModeL2T1h)
	layers = DefaultSpatialLayerBitrates(config, SpatialLayerBitrates{MinBps: 90_000, TargetBps: 900_000, MaxBps: 1_800_000})
	require.Equal(t, SpatialLayerBitrates{MinBps: 40_000, TargetBps: 400_000, MaxBps: 800_000}, layers[0])
}
