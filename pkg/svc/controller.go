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

	"github.com/pkg/errors"

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
)

var (
	ErrUnsupportedLayers = errors.New("unsupported number of layers")
	ErrUnsupportedMode   = errors.New("unsupported scalability mode")
)

// ScalableVideoController decides, per frame instant, which layer frames to
// encode and how they reference each other. Calls must be serialized:
// NextFrameConfig, OnEncodeDone for each encoded config, optionally
// OnRatesUpdated, repeat.
type ScalableVideoController interface {
	// StreamConfig is fixed for the lifetime of the controller.
	StreamConfig() StreamLayersConfig

	// DependencyStructure describes all frames the controller can currently
	// produce. The StructureId changes whenever the structure does.
	DependencyStructure() *dd.FrameDependencyStructure

	// NextFrameConfig returns one config per active spatial layer in
	// ascending spatial id order. It never returns an empty list.
	NextFrameConfig(restart bool) []LayerFrameConfig

	// OnEncodeDone must be called with each encoded config, possibly modified by
	// the encoder, in the order they were issued. It panics on a config id that
	// was not issued by the latest NextFrameConfig or was already reported.
	OnEncodeDone(config LayerFrameConfig) *GenericFrameInfo

	// OnRatesUpdated enables layers with a non zero bitrate and disables the rest.
	OnRatesUpdated(bitrates *VideoBitrateAllocation)
}

// StreamLayersConfig is what the encoder needs to set up its layers.
type StreamLayersConfig struct {
	NumSpatialLayers  int
	NumTemporalLayers int
	// Spatial layers are scaled from the input resolution by num / den.
	UsesReferenceScaling bool
	ScalingFactorNum     [dd.MaxSpatialIds]int
	ScalingFactorDen     [dd.MaxSpatialIds]int
}

func newStreamLayersConfig(numSpatialLayers, numTemporalLayers int) StreamLayersConfig {
	c := StreamLayersConfig{
		NumSpatialLayers:  numSpatialLayers,
		NumTemporalLayers: numTemporalLayers,
	}
	for sid := range c.ScalingFactorNum {
		c.ScalingFactorNum[sid] = 1
		c.ScalingFactorDen[sid] = 1
	}
	return c
}

// Resolutions scales an input resolution to each spatial layer.
func (c StreamLayersConfig) Resolutions(width, height int) []dd.RenderResolution {
	resolutions := make([]dd.RenderResolution, 0, c.NumSpatialLayers)
	for sid := 0; sid < c.NumSpatialLayers; sid++ {
		num, den := c.ScalingFactorNum[sid], c.ScalingFactorDen[sid]
		resolutions = append(resolutions, dd.RenderResolution{
			Width:  width * num / den,
			Height: height * num / den,
		})
	}
	return resolutions
}

func (c StreamLayersConfig) String() string {
	return fmt.Sprintf("StreamLayersConfig{S: %d, T: %d, referenceScaling: %v, scaling: %v/%v}",
		c.NumSpatialLayers, c.NumTemporalLayers, c.UsesReferenceScaling,
		c.ScalingFactorNum[:c.NumSpatialLayers], c.ScalingFactorDen[:c.NumSpatialLayers])
}

// GenericFrameInfo is produced for every encoded layer frame and carries what
// the packetizer needs for the dependency descriptor.
type GenericFrameInfo struct {
	FrameId                 int64
	SpatialId               int
	TemporalId              int
	IsKeyframe              bool
	DecodeTargetIndications []dd.DecodeTargetIndication
	// Positive distances back to the frames this frame depends on.
	FrameDiffs []int
	ChainDiffs []int
	// Chains this frame belongs to, indexed by chain.
	PartOfChain         []bool
	ActiveDecodeTargets uint32
	EncoderBuffers      []CodecBufferUsage
}

// FrameDependencies returns the frame description in descriptor form.
func (g *GenericFrameInfo) FrameDependencies() *dd.FrameDependencyTemplate {
	t := &dd.FrameDependencyTemplate{
		SpatialId:               g.SpatialId,
		TemporalId:              g.TemporalId,
		DecodeTargetIndications: append([]dd.DecodeTargetIndication(nil), g.DecodeTargetIndications...),
		FrameDiffs:              append([]int(nil), g.FrameDiffs...),
		ChainDiffs:              append([]int(nil), g.ChainDiffs...),
	}
	return t
}

func (g *GenericFrameInfo) String() string {
	return fmt.Sprintf("GenericFrameInfo{id: %d, S%dT%d, key: %v, dtis: %s, fdiffs: %v, cdiffs: %v, chains: %v, active: %b}",
		g.FrameId, g.SpatialId, g.TemporalId, g.IsKeyframe, dd.FormatDecodeTargetIndications(g.DecodeTargetIndications),
		g.FrameDiffs, g.ChainDiffs, g.PartOfChain, g.ActiveDecodeTargets)
}
