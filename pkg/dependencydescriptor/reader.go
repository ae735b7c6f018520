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

package dependencydescriptor

import (
	"github.com/pkg/errors"
)

// fieldReader holds on to the first read error. Reads after it return zero
// values, so a section is checked once after its last field.
type fieldReader struct {
	bits *bitReader
	err  error
}

func (f *fieldReader) read(n int) int {
	if f.err != nil {
		return 0
	}
	v, err := f.bits.ReadBits(n)
	f.err = err
	return int(v)
}

func (f *fieldReader) flag() bool {
	return f.read(1) != 0
}

func (f *fieldReader) nonSymmetric(numValues int) int {
	if f.err != nil {
		return 0
	}
	v, err := f.bits.ReadNonSymmetric(uint32(numValues))
	f.err = err
	return int(v)
}

func (f *fieldReader) dtis(n int) []DecodeTargetIndication {
	dtis := make([]DecodeTargetIndication, n)
	for i := range dtis {
		dtis[i] = DecodeTargetIndication(f.read(2))
	}
	return dtis
}

func (f *fieldReader) fixedWidth(n, width int) []int {
	values := make([]int, n)
	for i := range values {
		values[i] = f.read(width)
	}
	return values
}

// templateFdiffs is a list of 4 bit diffs, each preceded by a follows flag.
func (f *fieldReader) templateFdiffs() []int {
	var diffs []int
	for f.flag() {
		diffs = append(diffs, f.read(4)+1)
	}
	return diffs
}

// frameFdiffs is a list of diffs, each preceded by its size in nibbles. Size 0 ends it.
func (f *fieldReader) frameFdiffs() []int {
	var diffs []int
	for size := f.read(2); size != 0; size = f.read(2) {
		diffs = append(diffs, f.read(4*size)+1)
	}
	return diffs
}

type extendedFlags struct {
	structure           bool
	activeDecodeTargets bool
	customDtis          bool
	customFdiffs        bool
	customChains        bool
}

// unmarshalDescriptor fills d from buf and returns the number of bytes used.
// An attached structure takes precedence over the given one.
func unmarshalDescriptor(buf []byte, structure *FrameDependencyStructure, d *DependencyDescriptor) (int, error) {
	*d = DependencyDescriptor{}
	f := &fieldReader{bits: newBitReader(buf)}

	d.FirstPacketInFrame = f.flag()
	d.LastPacketInFrame = f.flag()
	templateId := f.read(6)
	d.FrameNumber = uint16(f.read(16))

	var flags extendedFlags
	if len(buf)*8 > mandatoryFieldSize {
		flags.structure = f.flag()
		flags.activeDecodeTargets = f.flag()
		flags.customDtis = f.flag()
		flags.customFdiffs = f.flag()
		flags.customChains = f.flag()
	}
	if f.err != nil {
		return 0, f.err
	}

	if flags.structure {
		attached, err := decodeStructure(f)
		if err != nil {
			return 0, err
		}
		allActive := uint32((uint64(1) << attached.NumDecodeTargets) - 1)
		d.AttachedStructure = attached
		d.ActiveDecodeTargetsBitmask = &allActive
		structure = attached
	}
	if structure == nil {
		return 0, ErrNoStructure
	}

	if flags.activeDecodeTargets {
		mask := uint32(f.read(structure.NumDecodeTargets))
		d.ActiveDecodeTargetsBitmask = &mask
	}

	index := (templateId + MaxTemplates - structure.StructureId) % MaxTemplates
	if index >= len(structure.Templates) {
		return 0, errors.Wrapf(ErrInvalidFrameDeps, "template id %d outside structure %d with %d templates",
			templateId, structure.StructureId, len(structure.Templates))
	}
	fd := structure.Templates[index].Clone()
	if flags.customDtis {
		fd.DecodeTargetIndications = f.dtis(structure.NumDecodeTargets)
	}
	if flags.customFdiffs {
		fd.FrameDiffs = f.frameFdiffs()
	}
	if flags.customChains {
		fd.ChainDiffs = f.fixedWidth(structure.NumChains, 8)
	}
	if f.err != nil {
		return 0, f.err
	}
	d.FrameDependencies = fd

	if len(structure.Resolutions) != 0 {
		if fd.SpatialId >= len(structure.Resolutions) {
			return 0, errors.Wrapf(ErrInvalidStructure, "no resolution for spatial layer %d", fd.SpatialId)
		}
		res := structure.Resolutions[fd.SpatialId]
		d.Resolution = &res
	}
	return f.bits.BytesRead(), nil
}

func decodeStructure(f *fieldReader) (*FrameDependencyStructure, error) {
	s := &FrameDependencyStructure{
		StructureId:      f.read(6),
		NumDecodeTargets: f.read(5) + 1,
	}
	if err := s.decodeTemplateLayers(f); err != nil {
		return nil, err
	}
	for _, t := range s.Templates {
		t.DecodeTargetIndications = f.dtis(s.NumDecodeTargets)
	}
	for _, t := range s.Templates {
		t.FrameDiffs = f.templateFdiffs()
	}

	s.NumChains = f.nonSymmetric(s.NumDecodeTargets + 1)
	if s.NumChains != 0 {
		s.DecodeTargetProtectedByChain = make([]int, s.NumDecodeTargets)
		for i := range s.DecodeTargetProtectedByChain {
			s.DecodeTargetProtectedByChain[i] = f.nonSymmetric(s.NumChains)
		}
		for _, t := range s.Templates {
			t.ChainDiffs = f.fixedWidth(s.NumChains, 4)
		}
	}

	if f.flag() {
		// templates are ordered by layer, the last one has the top spatial id
		numSpatialLayers := s.Templates[len(s.Templates)-1].SpatialId + 1
		for i := 0; i < numSpatialLayers; i++ {
			width := f.read(16) + 1
			height := f.read(16) + 1
			s.Resolutions = append(s.Resolutions, RenderResolution{Width: width, Height: height})
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return s, nil
}

// decodeTemplateLayers reads the layer of every template, each template after
// the first being on the same, next temporal or next spatial layer.
func (s *FrameDependencyStructure) decodeTemplateLayers(f *fieldReader) error {
	spatialId, temporalId := 0, 0
	for {
		if len(s.Templates) == MaxTemplates {
			return errors.Wrapf(ErrInvalidStructure, "more than %d templates", MaxTemplates)
		}
		s.Templates = append(s.Templates, &FrameDependencyTemplate{SpatialId: spatialId, TemporalId: temporalId})

		switch nextLayerIdc(f.read(2)) {
		case nextTemporalLayer:
			if temporalId++; temporalId >= MaxTemporalIds {
				return errors.Wrapf(ErrInvalidStructure, "temporal id %d", temporalId)
			}
		case nextSpatialLayer:
			if spatialId++; spatialId >= MaxSpatialIds {
				return errors.Wrapf(ErrInvalidStructure, "spatial id %d", spatialId)
			}
			temporalId = 0
		case noMoreLayer:
			return f.err
		}
		if f.err != nil {
			return f.err
		}
	}
}
