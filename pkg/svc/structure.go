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
	"golang.org/x/exp/slices"

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
)

// Key instant plus two full temporal cycles reach every steady state frame shape.
const probeInstants = 1 + 2*4

// layerShape is the number of spatial and temporal layers a structure covers,
// always counted from S0T0.
type layerShape struct {
	numSpatialLayers  int
	numTemporalLayers int
}

func (s layerShape) contains(other layerShape) bool {
	return other.numSpatialLayers <= s.numSpatialLayers && other.numTemporalLayers <= s.numTemporalLayers
}

func (s layerShape) union(other layerShape) layerShape {
	return layerShape{
		numSpatialLayers:  max(s.numSpatialLayers, other.numSpatialLayers),
		numTemporalLayers: max(s.numTemporalLayers, other.numTemporalLayers),
	}
}

func (c *LayeredController) activeShape() layerShape {
	var shape layerShape
	for sid := 0; sid < c.numSpatialLayers; sid++ {
		for tid := 0; tid < c.numTemporalLayers; tid++ {
			if c.decodeTargetIsActive(sid, tid) {
				shape = shape.union(layerShape{numSpatialLayers: sid + 1, numTemporalLayers: tid + 1})
			}
		}
	}
	return shape
}

// DependencyStructure covers every layer that was active since the structure
// was last built. It is rebuilt with a new id only when a layer outside of it
// gets enabled, disabling layers is signalled by the active decode targets.
func (c *LayeredController) DependencyStructure() *dd.FrameDependencyStructure {
	shape := c.activeShape()
	if c.structure != nil && c.structureShape.contains(shape) {
		return c.structure.Clone()
	}

	structureId := 0
	if c.structure != nil {
		shape = shape.union(c.structureShape)
		structureId = (c.structure.StructureId + len(c.structure.Templates)) % dd.MaxTemplates
	}

	numDecodeTargets := c.numSpatialLayers * c.numTemporalLayers
	structure := &dd.FrameDependencyStructure{
		StructureId:                  structureId,
		NumDecodeTargets:             numDecodeTargets,
		NumChains:                    c.numSpatialLayers,
		DecodeTargetProtectedByChain: make([]int, numDecodeTargets),
	}
	for dt := range structure.DecodeTargetProtectedByChain {
		structure.DecodeTargetProtectedByChain[dt] = dt / c.numTemporalLayers
	}
	for _, t := range c.templates(shape) {
		structure.Templates = append(structure.Templates, t.Clone())
	}

	if c.structure != nil {
		c.logger.Infow("dependency structure changed",
			"structureId", structureId,
			"spatialLayers", shape.numSpatialLayers,
			"temporalLayers", shape.numTemporalLayers,
			"templates", len(structure.Templates),
		)
	}
	c.structure = structure
	c.structureShape = shape
	return structure.Clone()
}

func (c *LayeredController) templates(shape layerShape) []*dd.FrameDependencyTemplate {
	if templates, ok := c.templateCache.Get(shape); ok {
		return templates
	}
	templates := c.probeTemplates(shape)
	c.templateCache.Add(shape, templates)
	return templates
}

// probeTemplates runs a twin controller with every layer of the shape active
// and collects the distinct frame shapes it produces.
func (c *LayeredController) probeTemplates(shape layerShape) []*dd.FrameDependencyTemplate {
	probe := &LayeredController{
		logger:            c.logger,
		coupling:          c.coupling,
		numSpatialLayers:  c.numSpatialLayers,
		numTemporalLayers: c.numTemporalLayers,
		streamConfig:      c.streamConfig,
		tracker:           newFrameTracker(c.logger, c.numSpatialLayers),
	}
	for sid := 0; sid < shape.numSpatialLayers; sid++ {
		for tid := 0; tid < shape.numTemporalLayers; tid++ {
			probe.setDecodeTargetIsActive(sid, tid, true)
		}
	}

	var templates []*dd.FrameDependencyTemplate
	for i := 0; i < probeInstants; i++ {
		for _, config := range probe.NextFrameConfig(i == 0) {
			t := probe.OnEncodeDone(config).FrameDependencies()
			if !slices.ContainsFunc(templates, t.Equal) {
				templates = append(templates, t)
			}
		}
	}

	// layers in order, first seen first within a layer
	slices.SortStableFunc(templates, func(a, b *dd.FrameDependencyTemplate) int {
		if a.SpatialId != b.SpatialId {
			return a.SpatialId - b.SpatialId
		}
		return a.TemporalId - b.TemporalId
	})
	return templates
}
