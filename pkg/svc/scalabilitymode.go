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

import "fmt"

type ScalabilityMode int

const (
	ScalabilityModeL1T1 ScalabilityMode = iota
	ScalabilityModeL1T2
	ScalabilityModeL1T3
	ScalabilityModeL2T1
	ScalabilityModeL2T1h
	ScalabilityModeL2T1Key
	ScalabilityModeL2T2
	ScalabilityModeL2T2h
	ScalabilityModeL2T2Key
	ScalabilityModeL2T2KeyShift
	ScalabilityModeL2T3
	ScalabilityModeL2T3h
	ScalabilityModeL2T3Key
	ScalabilityModeL3T1
	ScalabilityModeL3T1h
	ScalabilityModeL3T1Key
	ScalabilityModeL3T2
	ScalabilityModeL3T2h
	ScalabilityModeL3T2Key
	ScalabilityModeL3T3
	ScalabilityModeL3T3h
	ScalabilityModeL3T3Key
	ScalabilityModeS2T1
	ScalabilityModeS2T1h
	ScalabilityModeS2T2
	ScalabilityModeS2T2h
	ScalabilityModeS2T3
	ScalabilityModeS2T3h
	ScalabilityModeS3T1
	ScalabilityModeS3T1h
	ScalabilityModeS3T2
	ScalabilityModeS3T2h
	ScalabilityModeS3T3
	ScalabilityModeS3T3h

	numScalabilityModes = int(ScalabilityModeS3T3h) + 1
)

// InterLayerPredMode is when upper spatial layers predict from lower ones.
type InterLayerPredMode int

const (
	InterLayerPredOff InterLayerPredMode = iota
	InterLayerPredOn
	InterLayerPredOnKeyPic
)

func (m InterLayerPredMode) String() string {
	switch m {
	case InterLayerPredOff:
		return "Off"
	case InterLayerPredOn:
		return "On"
	case InterLayerPredOnKeyPic:
		return "OnKeyPic"
	default:
		return fmt.Sprintf("%d", int(m))
	}
}

// ResolutionRatio is the size of a spatial layer relative to the one above it.
type ResolutionRatio int

const (
	ResolutionRatioTwoToOne ResolutionRatio = iota
	ResolutionRatioThreeToTwo
)

func (r ResolutionRatio) String() string {
	switch r {
	case ResolutionRatioTwoToOne:
		return "2:1"
	case ResolutionRatioThreeToTwo:
		return "3:2"
	default:
		return fmt.Sprintf("%d", int(r))
	}
}

func (r ResolutionRatio) ScalingFactor() ScalingFactor {
	if r == ResolutionRatioThreeToTwo {
		return ScalingFactor{Num: 2, Den: 3}
	}
	return ScalingFactorTwoToOne
}

type scalabilityModeParams struct {
	name              string
	numSpatialLayers  int
	numTemporalLayers int
	interLayerPred    InterLayerPredMode
	ratio             ResolutionRatio
	hasRatio          bool
	shift             bool
}

var scalabilityModes = [numScalabilityModes]scalabilityModeParams{
	ScalabilityModeL1T1:         {name: "L1T1", numSpatialLayers: 1, numTemporalLayers: 1},
	ScalabilityModeL1T2:         {name: "L1T2", numSpatialLayers: 1, numTemporalLayers: 2},
	ScalabilityModeL1T3:         {name: "L1T3", numSpatialLayers: 1, numTemporalLayers: 3},
	ScalabilityModeL2T1:         {name: "L2T1", numSpatialLayers: 2, numTemporalLayers: 1, interLayerPred: InterLayerPredOn},
	ScalabilityModeL2T1h:        {name: "L2T1h", numSpatialLayers: 2, numTemporalLayers: 1, interLayerPred: InterLayerPredOn, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeL2T1Key:      {name: "L2T1_KEY", numSpatialLayers: 2, numTemporalLayers: 1, interLayerPred: InterLayerPredOnKeyPic},
	ScalabilityModeL2T2:         {name: "L2T2", numSpatialLayers: 2, numTemporalLayers: 2, interLayerPred: InterLayerPredOn},
	ScalabilityModeL2T2h:        {name: "L2T2h", numSpatialLayers: 2, numTemporalLayers: 2, interLayerPred: InterLayerPredOn, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeL2T2Key:      {name: "L2T2_KEY", numSpatialLayers: 2, numTemporalLayers: 2, interLayerPred: InterLayerPredOnKeyPic},
	ScalabilityModeL2T2KeyShift: {name: "L2T2_KEY_SHIFT", numSpatialLayers: 2, numTemporalLayers: 2, interLayerPred: InterLayerPredOnKeyPic, shift: true},
	ScalabilityModeL2T3:         {name: "L2T3", numSpatialLayers: 2, numTemporalLayers: 3, interLayerPred: InterLayerPredOn},
	ScalabilityModeL2T3h:        {name: "L2T3h", numSpatialLayers: 2, numTemporalLayers: 3, interLayerPred: InterLayerPredOn, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeL2T3Key:      {name: "L2T3_KEY", numSpatialLayers: 2, numTemporalLayers: 3, interLayerPred: InterLayerPredOnKeyPic},
	ScalabilityModeL3T1:         {name: "L3T1", numSpatialLayers: 3, numTemporalLayers: 1, interLayerPred: InterLayerPredOn},
	ScalabilityModeL3T1h:        {name: "L3T1h", numSpatialLayers: 3, numTemporalLayers: 1, interLayerPred: InterLayerPredOn, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeL3T1Key:      {name: "L3T1_KEY", numSpatialLayers: 3, numTemporalLayers: 1, interLayerPred: InterLayerPredOnKeyPic},
	ScalabilityModeL3T2:         {name: "L3T2", numSpatialLayers: 3, numTemporalLayers: 2, interLayerPred: InterLayerPredOn},
	ScalabilityModeL3T2h:        {name: "L3T2h", numSpatialLayers: 3, numTemporalLayers: 2, interLayerPred: InterLayerPredOn, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeL3T2Key:      {name: "L3T2_KEY", numSpatialLayers: 3, numTemporalLayers: 2, interLayerPred: InterLayerPredOnKeyPic},
	ScalabilityModeL3T3:         {name: "L3T3", numSpatialLayers: 3, numTemporalLayers: 3, interLayerPred: InterLayerPredOn},
	ScalabilityModeL3T3h:        {name: "L3T3h", numSpatialLayers: 3, numTemporalLayers: 3, interLayerPred: InterLayerPredOn, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeL3T3Key:      {name: "L3T3_KEY", numSpatialLayers: 3, numTemporalLayers: 3, interLayerPred: InterLayerPredOnKeyPic},
	ScalabilityModeS2T1:         {name: "S2T1", numSpatialLayers: 2, numTemporalLayers: 1},
	ScalabilityModeS2T1h:        {name: "S2T1h", numSpatialLayers: 2, numTemporalLayers: 1, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeS2T2:         {name: "S2T2", numSpatialLayers: 2, numTemporalLayers: 2},
	ScalabilityModeS2T2h:        {name: "S2T2h", numSpatialLayers: 2, numTemporalLayers: 2, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeS2T3:         {name: "S2T3", numSpatialLayers: 2, numTemporalLayers: 3},
	ScalabilityModeS2T3h:        {name: "S2T3h", numSpatialLayers: 2, numTemporalLayers: 3, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeS3T1:         {name: "S3T1", numSpatialLayers: 3, numTemporalLayers: 1},
	ScalabilityModeS3T1h:        {name: "S3T1h", numSpatialLayers: 3, numTemporalLayers: 1, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeS3T2:         {name: "S3T2", numSpatialLayers: 3, numTemporalLayers: 2},
	ScalabilityModeS3T2h:        {name: "S3T2h", numSpatialLayers: 3, numTemporalLayers: 2, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
	ScalabilityModeS3T3:         {name: "S3T3", numSpatialLayers: 3, numTemporalLayers: 3},
	ScalabilityModeS3T3h:        {name: "S3T3h", numSpatialLayers: 3, numTemporalLayers: 3, ratio: ResolutionRatioThreeToTwo, hasRatio: true},
}

// AllScalabilityModes returns every known mode in declaration order.
func AllScalabilityModes() []ScalabilityMode {
	modes := make([]ScalabilityMode, 0, numScalabilityModes)
	for m := 0; m < numScalabilityModes; m++ {
		modes = append(modes, ScalabilityMode(m))
	}
	return modes
}

func (m ScalabilityMode) IsValid() bool {
	return m >= 0 && int(m) < numScalabilityModes
}

func (m ScalabilityMode) params() scalabilityModeParams {
	if !m.IsValid() {
		panic(fmt.Sprintf("invalid scalability mode %d", int(m)))
	}
	return scalabilityModes[m]
}

func (m ScalabilityMode) String() string {
	if !m.IsValid() {
		return fmt.Sprintf("ScalabilityMode(%d)", int(m))
	}
	return scalabilityModes[m].name
}

func (m ScalabilityMode) NumSpatialLayers() int {
	return m.params().numSpatialLayers
}

func (m ScalabilityMode) NumTemporalLayers() int {
	return m.params().numTemporalLayers
}

func (m ScalabilityMode) InterLayerPredMode() InterLayerPredMode {
	return m.params().interLayerPred
}

// ResolutionRatio is only set for modes that name one explicitly.
func (m ScalabilityMode) ResolutionRatio() (ResolutionRatio, bool) {
	p := m.params()
	return p.ratio, p.hasRatio
}

func (m ScalabilityMode) IsShiftMode() bool {
	return m.params().shift
}

// IsSimulcast is true for modes with independent spatial layers.
func (m ScalabilityMode) IsSimulcast() bool {
	p := m.params()
	return p.numSpatialLayers > 1 && p.interLayerPred == InterLayerPredOff
}

// ScalabilityModeFromString parses names such as "L3T3_KEY" or "S2T1h".
func ScalabilityModeFromString(s string) (ScalabilityMode, bool) {
	for m, p := range scalabilityModes {
		if p.name == s {
			return ScalabilityMode(m), true
		}
	}
	return 0, false
}

// MakeScalabilityMode finds the mode for a layer configuration. Single spatial
// layer modes match regardless of prediction, ratio and shift.
func MakeScalabilityMode(
	numSpatialLayers int,
	numTemporalLayers int,
	interLayerPred InterLayerPredMode,
	ratio *ResolutionRatio,
	shift bool,
) (ScalabilityMode, bool) {
	for m, p := range scalabilityModes {
		if p.numSpatialLayers != numSpatialLayers || p.numTemporalLayers != numTemporalLayers {
			continue
		}
		if numSpatialLayers == 1 {
			return ScalabilityMode(m), true
		}
		ratioMatches := (ratio == nil && !p.hasRatio) || (ratio != nil && p.hasRatio && *ratio == p.ratio)
		if p.interLayerPred == interLayerPred && ratioMatches && p.shift == shift {
			return ScalabilityMode(m), true
		}
	}
	return 0, false
}

// LimitNumSpatialLayers drops the top spatial layers of a mode, keeping its
// temporal layers and prediction. Shift mode falls back to plain L1T2.
func LimitNumSpatialLayers(mode ScalabilityMode, maxSpatialLayers int) ScalabilityMode {
	p := mode.params()
	if maxSpatialLayers >= p.numSpatialLayers {
		return mode
	}
	if maxSpatialLayers <= 1 {
		limited, _ := MakeScalabilityMode(1, p.numTemporalLayers, InterLayerPredOff, nil, false)
		return limited
	}

	var ratio *ResolutionRatio
	if p.hasRatio {
		ratio = &p.ratio
	}
	if limited, ok := MakeScalabilityMode(maxSpatialLayers, p.numTemporalLayers, p.interLayerPred, ratio, false); ok {
		return limited
	}
	limited, _ := MakeScalabilityMode(1, p.numTemporalLayers, InterLayerPredOff, nil, false)
	return limited
}
