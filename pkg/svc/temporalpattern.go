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

// FramePattern is the position of a frame instant in the dyadic temporal cycle
//
//	T0 -> T2A -> T1 -> T2B -> T0 ...
//
// with two temporal layers the cycle is T0 -> T1, with one it is T0 only.
type FramePattern int

const (
	PatternNone FramePattern = iota
	PatternKey
	PatternDeltaT0
	PatternDeltaT2A
	PatternDeltaT1
	PatternDeltaT2B
)

func (p FramePattern) String() string {
	switch p {
	case PatternNone:
		return "None"
	case PatternKey:
		return "Key"
	case PatternDeltaT0:
		return "T0"
	case PatternDeltaT2A:
		return "T2A"
	case PatternDeltaT1:
		return "T1"
	case PatternDeltaT2B:
		return "T2B"
	default:
		return "Unknown"
	}
}

func (p FramePattern) TemporalId() int {
	switch p {
	case PatternDeltaT1:
		return 1
	case PatternDeltaT2A, PatternDeltaT2B:
		return 2
	default:
		return 0
	}
}

// nextPattern skips instants of temporal layers that are not active.
func nextPattern(last FramePattern, temporalLayerIsActive func(tid int) bool) FramePattern {
	switch last {
	case PatternNone:
		return PatternKey

	case PatternDeltaT2B:
		return PatternDeltaT0

	case PatternDeltaT2A:
		if temporalLayerIsActive(1) {
			return PatternDeltaT1
		}
		return PatternDeltaT0

	case PatternDeltaT1:
		if temporalLayerIsActive(2) {
			return PatternDeltaT2B
		}
		return PatternDeltaT0

	default:
		// Key, T0
		if temporalLayerIsActive(2) {
			return PatternDeltaT2A
		}
		if temporalLayerIsActive(1) {
			return PatternDeltaT1
		}
		return PatternDeltaT0
	}
}
