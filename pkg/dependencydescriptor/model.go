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
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// Structures to build and parse the dependency descriptor described in
// https://aomediacodec.github.io/av1-rtp-spec/#dependency-descriptor-rtp-header-extension

const (
	MaxSpatialIds    = 4
	MaxTemporalIds   = 8
	MaxDecodeTargets = 32
	MaxTemplates     = 64

	AllChainsAreActive = ^uint32(0)

	ExtensionUrl = "https://aomediacodec.github.io/av1-rtp-spec/#dependency-descriptor-rtp-header-extension"
)

// Relationship of a frame to a Decode target.
type DecodeTargetIndication int

const (
	DecodeTargetNotPresent  DecodeTargetIndication = iota // DecodeTargetInfo symbol '-'
	DecodeTargetDiscardable                               // DecodeTargetInfo symbol 'D'
	DecodeTargetSwitch                                    // DecodeTargetInfo symbol 'S'
	DecodeTargetRequired                                  // DecodeTargetInfo symbol 'R'
)

func (i DecodeTargetIndication) String() string {
	switch i {
	case DecodeTargetNotPresent:
		return "-"
	case DecodeTargetDiscardable:
		return "D"
	case DecodeTargetSwitch:
		return "S"
	case DecodeTargetRequired:
		return "R"
	default:
		return "Unknown"
	}
}

// ParseDecodeTargetIndications converts symbols like "SS-D" into indications.
func ParseDecodeTargetIndications(symbols string) ([]DecodeTargetIndication, error) {
	dtis := make([]DecodeTargetIndication, 0, len(symbols))
	for i, symbol := range symbols {
		switch symbol {
		case '-':
			dtis = append(dtis, DecodeTargetNotPresent)
		case 'D':
			dtis = append(dtis, DecodeTargetDiscardable)
		case 'S':
			dtis = append(dtis, DecodeTargetSwitch)
		case 'R':
			dtis = append(dtis, DecodeTargetRequired)
		default:
			return nil, fmt.Errorf("invalid decode target indication symbol %q at %d", symbol, i)
		}
	}
	return dtis, nil
}

func FormatDecodeTargetIndications(dtis []DecodeTargetIndication) string {
	var sb strings.Builder
	for _, dti := range dtis {
		sb.WriteString(dti.String())
	}
	return sb.String()
}

type FrameDependencyTemplate struct {
	SpatialId               int
	TemporalId              int
	DecodeTargetIndications []DecodeTargetIndication
	FrameDiffs              []int
	ChainDiffs              []int
}

// Setters are named briefly to chain them when building a template.

func (t *FrameDependencyTemplate) S(spatialId int) *FrameDependencyTemplate {
	t.SpatialId = spatialId
	return t
}

func (t *FrameDependencyTemplate) T(temporalId int) *FrameDependencyTemplate {
	t.TemporalId = temporalId
	return t
}

// Dtis panics on an invalid symbol, it is meant for literal structures.
func (t *FrameDependencyTemplate) Dtis(symbols string) *FrameDependencyTemplate {
	dtis, err := ParseDecodeTargetIndications(symbols)
	if err != nil {
		panic(err)
	}
	t.DecodeTargetIndications = dtis
	return t
}

func (t *FrameDependencyTemplate) Fdiffs(diffs ...int) *FrameDependencyTemplate {
	t.FrameDiffs = append(t.FrameDiffs[:0], diffs...)
	return t
}

func (t *FrameDependencyTemplate) Cdiffs(diffs ...int) *FrameDependencyTemplate {
	t.ChainDiffs = append(t.ChainDiffs[:0], diffs...)
	return t
}

func (t *FrameDependencyTemplate) Clone() *FrameDependencyTemplate {
	return &FrameDependencyTemplate{
		SpatialId:               t.SpatialId,
		TemporalId:              t.TemporalId,
		DecodeTargetIndications: slices.Clone(t.DecodeTargetIndications),
		FrameDiffs:              slices.Clone(t.FrameDiffs),
		ChainDiffs:              slices.Clone(t.ChainDiffs),
	}
}

func (t *FrameDependencyTemplate) Equal(other *FrameDependencyTemplate) bool {
	return t.SpatialId == other.SpatialId &&
		t.TemporalId == other.TemporalId &&
		slices.Equal(t.DecodeTargetIndications, other.DecodeTargetIndications) &&
		slices.Equal(t.FrameDiffs, other.FrameDiffs) &&
		slices.Equal(t.ChainDiffs, other.ChainDiffs)
}

func (t *FrameDependencyTemplate) String() string {
	return fmt.Sprintf("S%dT%d{dtis: %s, fdiffs: %v, cdiffs: %v}",
		t.SpatialId, t.TemporalId, FormatDecodeTargetIndications(t.DecodeTargetIndications), t.FrameDiffs, t.ChainDiffs)
}

type RenderResolution struct {
	Width  int
	Height int
}

type FrameDependencyStructure struct {
	StructureId      int
	NumDecodeTargets int
	NumChains        int
	// If chains are used (NumChains > 0), maps decode target index into index of
	// the chain protecting that target.
	DecodeTargetProtectedByChain []int
	Resolutions                  []RenderResolution
	Templates                    []*FrameDependencyTemplate
}

func (f *FrameDependencyStructure) Clone() *FrameDependencyStructure {
	c := &FrameDependencyStructure{
		StructureId:                  f.StructureId,
		NumDecodeTargets:             f.NumDecodeTargets,
		NumChains:                    f.NumChains,
		DecodeTargetProtectedByChain: slices.Clone(f.DecodeTargetProtectedByChain),
		Resolutions:                  slices.Clone(f.Resolutions),
		Templates:                    make([]*FrameDependencyTemplate, 0, len(f.Templates)),
	}
	for _, t := range f.Templates {
		c.Templates = append(c.Templates, t.Clone())
	}
	return c
}

// Equal compares everything except the structure id.
func (f *FrameDependencyStructure) Equal(other *FrameDependencyStructure) bool {
	if f.NumDecodeTargets != other.NumDecodeTargets ||
		f.NumChains != other.NumChains ||
		!slices.Equal(f.DecodeTargetProtectedByChain, other.DecodeTargetProtectedByChain) ||
		!slices.Equal(f.Resolutions, other.Resolutions) ||
		len(f.Templates) != len(other.Templates) {
		return false
	}
	for i, t := range f.Templates {
		if !t.Equal(other.Templates[i]) {
			return false
		}
	}
	return true
}

func (f *FrameDependencyStructure) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FrameDependencyStructure{StructureId: %v, NumDecodeTargets: %v, NumChains: %v, DecodeTargetProtectedByChain: %v, Resolutions: %+v, Templates: [",
		f.StructureId, f.NumDecodeTargets, f.NumChains, f.DecodeTargetProtectedByChain, f.Resolutions)
	for i, t := range f.Templates {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(t.String())
	}
	sb.WriteString("]}")
	return sb.String()
}

// DependencyDescriptor is the per packet content of the extension.
type DependencyDescriptor struct {
	FirstPacketInFrame         bool
	LastPacketInFrame          bool
	FrameNumber                uint16
	FrameDependencies          *FrameDependencyTemplate
	Resolution                 *RenderResolution
	ActiveDecodeTargetsBitmask *uint32
	AttachedStructure          *FrameDependencyStructure
}

func formatBitmask(b *uint32) string {
	if b == nil {
		return "-"
	}
	return strconv.FormatInt(int64(*b), 2)
}

func (d *DependencyDescriptor) String() string {
	return fmt.Sprintf("DependencyDescriptor{FirstPacketInFrame: %v, LastPacketInFrame: %v, FrameNumber: %v, FrameDependencies: %v, Resolution: %+v, ActiveDecodeTargetsBitmask: %v, AttachedStructure: %v}",
		d.FirstPacketInFrame, d.LastPacketInFrame, d.FrameNumber, d.FrameDependencies, d.Resolution, formatBitmask(d.ActiveDecodeTargetsBitmask), d.AttachedStructure)
}
