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
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

var (
	ErrNoStructure        = errors.New("dependency descriptor has no structure")
	ErrNoFrameDeps        = errors.New("dependency descriptor has no frame dependencies")
	ErrNoMatchingTemplate = errors.New("no template for frame layer")
	ErrInvalidStructure   = errors.New("invalid frame dependency structure")
	ErrInvalidFrameDeps   = errors.New("invalid frame dependencies")
)

type templateMatch struct {
	templateIdx      int
	needCustomDtis   bool
	needCustomFdiffs bool
	needCustomChains bool
	// Size in bits to store frame-specific details, i.e.
	// excluding mandatory fields and template dependency structure.
	extraSizeBits int
}

type descriptorWriter struct {
	descriptor   *DependencyDescriptor
	structure    *FrameDependencyStructure
	activeChains uint32
	writer       *bitWriter
	bestTemplate templateMatch
}

func newDescriptorWriter(structure *FrameDependencyStructure, activeChains uint32, descriptor *DependencyDescriptor) (*descriptorWriter, error) {
	if structure == nil {
		return nil, ErrNoStructure
	}
	if descriptor.FrameDependencies == nil {
		return nil, ErrNoFrameDeps
	}
	w := &descriptorWriter{
		descriptor:   descriptor,
		structure:    structure,
		activeChains: activeChains,
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	return w, w.findBestTemplate()
}

func (w *descriptorWriter) validate() error {
	s := w.structure
	if s.StructureId < 0 || s.StructureId >= MaxTemplates {
		return errors.Wrapf(ErrInvalidStructure, "structure id %d", s.StructureId)
	}
	if s.NumDecodeTargets <= 0 || s.NumDecodeTargets > MaxDecodeTargets {
		return errors.Wrapf(ErrInvalidStructure, "num decode targets %d", s.NumDecodeTargets)
	}
	if len(s.Templates) == 0 || len(s.Templates) > MaxTemplates {
		return errors.Wrapf(ErrInvalidStructure, "num templates %d", len(s.Templates))
	}
	if s.NumChains > 0 && len(s.DecodeTargetProtectedByChain) != s.NumDecodeTargets {
		return errors.Wrapf(ErrInvalidStructure, "protected by chain len %d", len(s.DecodeTargetProtectedByChain))
	}

	fd := w.descriptor.FrameDependencies
	if len(fd.DecodeTargetIndications) != 0 && len(fd.DecodeTargetIndications) != s.NumDecodeTargets {
		return errors.Wrapf(ErrInvalidFrameDeps, "dtis len %d, num decode targets %d", len(fd.DecodeTargetIndications), s.NumDecodeTargets)
	}
	for _, fdiff := range fd.FrameDiffs {
		if fdiff <= 0 || fdiff > 1<<12 {
			return errors.Wrapf(ErrInvalidFrameDeps, "frame diff %d", fdiff)
		}
	}
	for i := 0; i < s.NumChains; i++ {
		if w.activeChains&(1<<i) == 0 {
			continue
		}
		if i >= len(fd.ChainDiffs) || fd.ChainDiffs[i] < 0 || fd.ChainDiffs[i] > 255 {
			return errors.Wrapf(ErrInvalidFrameDeps, "chain %d diffs %v", i, fd.ChainDiffs)
		}
	}
	return nil
}

func (w *descriptorWriter) findBestTemplate() error {
	fd := w.descriptor.FrameDependencies
	sameLayer := func(t *FrameDependencyTemplate) bool {
		return t.SpatialId == fd.SpatialId && t.TemporalId == fd.TemporalId
	}

	first := slices.IndexFunc(w.structure.Templates, sameLayer)
	if first < 0 {
		return errors.Wrapf(ErrNoMatchingTemplate, "spatial %d, temporal %d", fd.SpatialId, fd.TemporalId)
	}

	w.bestTemplate = w.calculateMatch(first)
	// templates of a layer are contiguous, search for a cheaper one
	for i := first + 1; i < len(w.structure.Templates) && sameLayer(w.structure.Templates[i]); i++ {
		match := w.calculateMatch(i)
		if match.extraSizeBits < w.bestTemplate.extraSizeBits {
			w.bestTemplate = match
		}
	}
	return nil
}

func (w *descriptorWriter) calculateMatch(idx int) templateMatch {
	t := w.structure.Templates[idx]
	fd := w.descriptor.FrameDependencies

	result := templateMatch{templateIdx: idx}
	result.needCustomFdiffs = !slices.Equal(fd.FrameDiffs, t.FrameDiffs)
	result.needCustomDtis = len(fd.DecodeTargetIndications) != 0 && !slices.Equal(fd.DecodeTargetIndications, t.DecodeTargetIndications)
	for i := 0; i < w.structure.NumChains; i++ {
		if w.activeChains&(1<<i) != 0 && (len(t.ChainDiffs) <= i || fd.ChainDiffs[i] != t.ChainDiffs[i]) {
			result.needCustomChains = true
			break
		}
	}

	if result.needCustomFdiffs {
		result.extraSizeBits = 2 * (1 + len(fd.FrameDiffs))
		for _, fdiff := range fd.FrameDiffs {
			switch {
			case fdiff <= 1<<4:
				result.extraSizeBits += 4
			case fdiff <= 1<<8:
				result.extraSizeBits += 8
			default:
				result.extraSizeBits += 12
			}
		}
	}
	if result.needCustomDtis {
		result.extraSizeBits += 2 * len(fd.DecodeTargetIndications)
	}
	if result.needCustomChains {
		result.extraSizeBits += 8 * w.structure.NumChains
	}
	return result
}

func (w *descriptorWriter) hasExtendedFields() bool {
	return w.bestTemplate.extraSizeBits > 0 || w.descriptor.AttachedStructure != nil || w.descriptor.ActiveDecodeTargetsBitmask != nil
}

func (w *descriptorWriter) shouldWriteActiveDecodeTargetsBitmask() bool {
	if w.descriptor.ActiveDecodeTargetsBitmask == nil {
		return false
	}
	allDecodeTargetsBitmask := (uint64(1) << w.structure.NumDecodeTargets) - 1
	if w.descriptor.AttachedStructure != nil && uint64(*w.descriptor.ActiveDecodeTargetsBitmask) == allDecodeTargetsBitmask {
		return false
	}
	return true
}

const mandatoryFieldSize = 1 + 1 + 6 + 16

func (w *descriptorWriter) ValueSizeBits() int {
	bits := mandatoryFieldSize + w.bestTemplate.extraSizeBits
	if w.hasExtendedFields() {
		bits += 5
		if w.descriptor.AttachedStructure != nil {
			bits += w.structureSizeBits()
		}
		if w.shouldWriteActiveDecodeTargetsBitmask() {
			bits += w.structure.NumDecodeTargets
		}
	}
	return bits
}

func (w *descriptorWriter) ValueSizeBytes() int {
	return (w.ValueSizeBits() + 7) / 8
}

func (w *descriptorWriter) structureSizeBits() int {
	s := w.structure
	// template_id offset (6 bits) and number of decode targets (5 bits)
	bits := 11
	// template layers
	bits += 2 * len(s.Templates)
	// dtis
	bits += 2 * len(s.Templates) * s.NumDecodeTargets
	// fdiffs, each template uses 1 + 5 * len(fdiffs) bits
	bits += len(s.Templates)
	for _, t := range s.Templates {
		bits += 5 * len(t.FrameDiffs)
	}
	bits += sizeNonSymmetricBits(uint32(s.NumChains), uint32(s.NumDecodeTargets+1))
	if s.NumChains > 0 {
		for _, protectedBy := range s.DecodeTargetProtectedByChain {
			bits += sizeNonSymmetricBits(uint32(protectedBy), uint32(s.NumChains))
		}
		bits += 4 * len(s.Templates) * s.NumChains
	}
	// resolutions
	bits += 1 + 32*len(s.Resolutions)
	return bits
}

func (w *descriptorWriter) Write(buf []byte) error {
	w.writer = newBitWriter(buf)

	if err := w.writeMandatoryFields(); err != nil {
		return err
	}

	if w.hasExtendedFields() {
		if err := w.writeExtendedFields(); err != nil {
			return err
		}
		if err := w.writeFrameDependencyDefinition(); err != nil {
			return err
		}
	}

	// zero the padding bits of the last byte
	if remaining := w.writer.RemainingBits() % 8; remaining != 0 {
		return w.writer.WriteBits(0, remaining)
	}
	return nil
}

func (w *descriptorWriter) writeMandatoryFields() error {
	if err := w.writer.WriteBool(w.descriptor.FirstPacketInFrame); err != nil {
		return err
	}
	if err := w.writer.WriteBool(w.descriptor.LastPacketInFrame); err != nil {
		return err
	}
	templateId := (w.bestTemplate.templateIdx + w.structure.StructureId) % MaxTemplates
	if err := w.writer.WriteBits(uint64(templateId), 6); err != nil {
		return err
	}
	return w.writer.WriteBits(uint64(w.descriptor.FrameNumber), 16)
}

func (w *descriptorWriter) writeExtendedFields() error {
	activeDecodeTargetsPresent := w.shouldWriteActiveDecodeTargetsBitmask()
	for _, flag := range []bool{
		w.descriptor.AttachedStructure != nil,
		activeDecodeTargetsPresent,
		w.bestTemplate.needCustomDtis,
		w.bestTemplate.needCustomFdiffs,
		w.bestTemplate.needCustomChains,
	} {
		if err := w.writer.WriteBool(flag); err != nil {
			return err
		}
	}

	if w.descriptor.AttachedStructure != nil {
		if err := w.writeTemplateDependencyStructure(); err != nil {
			return err
		}
	}

	if activeDecodeTargetsPresent {
		return w.writer.WriteBits(uint64(*w.descriptor.ActiveDecodeTargetsBitmask), w.structure.NumDecodeTargets)
	}
	return nil
}

func (w *descriptorWriter) writeTemplateDependencyStructure() error {
	s := w.structure
	if err := w.writer.WriteBits(uint64(s.StructureId), 6); err != nil {
		return err
	}
	if err := w.writer.WriteBits(uint64(s.NumDecodeTargets-1), 5); err != nil {
		return err
	}
	if err := w.writeTemplateLayers(); err != nil {
		return err
	}
	if err := w.writeTemplateDtis(); err != nil {
		return err
	}
	if err := w.writeTemplateFdiffs(); err != nil {
		return err
	}
	if err := w.writeTemplateChains(); err != nil {
		return err
	}

	if err := w.writer.WriteBool(len(s.Resolutions) > 0); err != nil {
		return err
	}
	for _, res := range s.Resolutions {
		if res.Width <= 0 || res.Height <= 0 {
			return errors.Wrapf(ErrInvalidStructure, "resolution %dx%d", res.Width, res.Height)
		}
		if err := w.writer.WriteBits(uint64(res.Width-1), 16); err != nil {
			return err
		}
		if err := w.writer.WriteBits(uint64(res.Height-1), 16); err != nil {
			return err
		}
	}
	return nil
}

type nextLayerIdc int

const (
	sameLayer         nextLayerIdc = 0
	nextTemporalLayer nextLayerIdc = 1
	nextSpatialLayer  nextLayerIdc = 2
	noMoreLayer       nextLayerIdc = 3
	invalidLayer      nextLayerIdc = 4
)

func getNextLayerIdc(prev, next *FrameDependencyTemplate) nextLayerIdc {
	switch {
	case next.SpatialId == prev.SpatialId && next.TemporalId == prev.TemporalId:
		return sameLayer
	case next.SpatialId == prev.SpatialId && next.TemporalId == prev.TemporalId+1:
		return nextTemporalLayer
	case next.SpatialId == prev.SpatialId+1 && next.TemporalId == 0:
		return nextSpatialLayer
	default:
		return invalidLayer
	}
}

func (w *descriptorWriter) writeTemplateLayers() error {
	templates := w.structure.Templates
	if templates[0].SpatialId != 0 || templates[0].TemporalId != 0 {
		return errors.Wrapf(ErrInvalidStructure, "first template is S%dT%d", templates[0].SpatialId, templates[0].TemporalId)
	}
	for i := 1; i < len(templates); i++ {
		idc := getNextLayerIdc(templates[i-1], templates[i])
		if idc >= noMoreLayer {
			return errors.Wrapf(ErrInvalidStructure, "template %d (%s) does not follow %s", i, templates[i], templates[i-1])
		}
		if err := w.writer.WriteBits(uint64(idc), 2); err != nil {
			return err
		}
	}
	return w.writer.WriteBits(uint64(noMoreLayer), 2)
}

func (w *descriptorWriter) writeTemplateDtis() error {
	for i, t := range w.structure.Templates {
		if len(t.DecodeTargetIndications) != w.structure.NumDecodeTargets {
			return errors.Wrapf(ErrInvalidStructure, "template %d has %d dtis", i, len(t.DecodeTargetIndications))
		}
		for _, dti := range t.DecodeTargetIndications {
			if err := w.writer.WriteBits(uint64(dti), 2); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *descriptorWriter) writeTemplateFdiffs() error {
	for i, t := range w.structure.Templates {
		for _, fdiff := range t.FrameDiffs {
			if fdiff <= 0 || fdiff > 1<<4 {
				return errors.Wrapf(ErrInvalidStructure, "template %d frame diff %d", i, fdiff)
			}
			// fdiff_follows_flag + fdiff_minus_one
			if err := w.writer.WriteBits(uint64(1<<4)|uint64(fdiff-1), 1+4); err != nil {
				return err
			}
		}
		if err := w.writer.WriteBits(0, 1); err != nil {
			return err
		}
	}
	return nil
}

func (w *descriptorWriter) writeTemplateChains() error {
	s := w.structure
	if err := w.writer.WriteNonSymmetric(uint32(s.NumChains), uint32(s.NumDecodeTargets+1)); err != nil {
		return err
	}
	if s.NumChains == 0 {
		return nil
	}

	for _, protectedBy := range s.DecodeTargetProtectedByChain {
		if err := w.writer.WriteNonSymmetric(uint32(protectedBy), uint32(s.NumChains)); err != nil {
			return err
		}
	}

	for i, t := range s.Templates {
		if len(t.ChainDiffs) != s.NumChains {
			return errors.Wrapf(ErrInvalidStructure, "template %d has %d chain diffs", i, len(t.ChainDiffs))
		}
		for _, chainDiff := range t.ChainDiffs {
			if chainDiff < 0 || chainDiff >= 1<<4 {
				return errors.Wrapf(ErrInvalidStructure, "template %d chain diff %d", i, chainDiff)
			}
			if err := w.writer.WriteBits(uint64(chainDiff), 4); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *descriptorWriter) writeFrameDependencyDefinition() error {
	fd := w.descriptor.FrameDependencies
	if w.bestTemplate.needCustomDtis {
		for _, dti := range fd.DecodeTargetIndications {
			if err := w.writer.WriteBits(uint64(dti), 2); err != nil {
				return err
			}
		}
	}

	if w.bestTemplate.needCustomFdiffs {
		for _, fdiff := range fd.FrameDiffs {
			var err error
			switch {
			case fdiff <= 1<<4:
				err = w.writer.WriteBits(uint64(1<<4)|uint64(fdiff-1), 2+4)
			case fdiff <= 1<<8:
				err = w.writer.WriteBits(uint64(2<<8)|uint64(fdiff-1), 2+8)
			default:
				err = w.writer.WriteBits(uint64(3<<12)|uint64(fdiff-1), 2+12)
			}
			if err != nil {
				return err
			}
		}
		// next_fdiff_size == 0
		if err := w.writer.WriteBits(0, 2); err != nil {
			return err
		}
	}

	if w.bestTemplate.needCustomChains {
		for i := 0; i < w.structure.NumChains; i++ {
			chainDiff := 0
			if w.activeChains&(1<<i) != 0 {
				chainDiff = fd.ChainDiffs[i]
			}
			if err := w.writer.WriteBits(uint64(chainDiff), 8); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *descriptorWriter) String() string {
	return fmt.Sprintf("descriptorWriter{template: %d, customDtis: %v, customFdiffs: %v, customChains: %v, extraBits: %d}",
		w.bestTemplate.templateIdx, w.bestTemplate.needCustomDtis, w.bestTemplate.needCustomFdiffs, w.bestTemplate.needCustomChains, w.bestTemplate.extraSizeBits)
}
