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
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
)

// CreateScalabilityStructure returns a fresh controller for a scalability mode.
func CreateScalabilityStructure(mode ScalabilityMode, lgr logger.Logger) (ScalableVideoController, error) {
	if !mode.IsValid() {
		return nil, errors.Wrapf(ErrUnsupportedMode, "mode %d", int(mode))
	}
	if lgr == nil {
		lgr = logger.GetLogger()
	}
	lgr = lgr.WithValues("scalabilityMode", mode.String())

	numSpatialLayers := mode.NumSpatialLayers()
	numTemporalLayers := mode.NumTemporalLayers()
	scaling := ScalingFactorTwoToOne
	if ratio, ok := mode.ResolutionRatio(); ok {
		scaling = ratio.ScalingFactor()
	}

	switch {
	case mode == ScalabilityModeL1T1:
		return NewNoLayering(lgr), nil
	case mode.IsShiftMode():
		return NewL2T2KeyShift(lgr), nil
	case numSpatialLayers == 1:
		return NewFullSvc(numSpatialLayers, numTemporalLayers, scaling, lgr)
	}

	switch mode.InterLayerPredMode() {
	case InterLayerPredOn:
		return NewFullSvc(numSpatialLayers, numTemporalLayers, scaling, lgr)
	case InterLayerPredOnKeyPic:
		return NewKeySvc(numSpatialLayers, numTemporalLayers, scaling, lgr)
	default:
		return NewSimulcast(numSpatialLayers, numTemporalLayers, scaling, lgr)
	}
}

// ScalabilityStructureConfig is the stream config of a mode's controller.
func ScalabilityStructureConfig(mode ScalabilityMode) (StreamLayersConfig, bool) {
	if !mode.IsValid() {
		return StreamLayersConfig{}, false
	}
	controller, err := CreateScalabilityStructure(mode, logger.GetLogger())
	if err != nil {
		return StreamLayersConfig{}, false
	}
	return controller.StreamConfig(), true
}
