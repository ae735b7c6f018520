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
	"github.com/pkg/errors"
)

var (
	ErrInvalidBuffer     = errors.New("buffer id out of range")
	ErrDanglingReference = errors.New("buffer referenced before it was updated")
	ErrInvalidFrameDiff  = errors.New("frame diff does not point to an earlier frame")
)

// ValidateFrameReferences checks a sequence of encoded frames, in encode order,
// for references that a decoder could not resolve.
func ValidateFrameReferences(frames []*GenericFrameInfo) error {
	var updated [MaxEncoderBuffers]bool
	seen := make(map[int64]struct{}, len(frames))
	for _, f := range frames {
		for _, b := range f.EncoderBuffers {
			if b.Id < 0 || b.Id >= MaxEncoderBuffers {
				return errors.Wrapf(ErrInvalidBuffer, "frame %d, buffer %d", f.FrameId, b.Id)
			}
			if b.Referenced && !updated[b.Id] {
				return errors.Wrapf(ErrDanglingReference, "frame %d, buffer %d", f.FrameId, b.Id)
			}
		}
		for _, diff := range f.FrameDiffs {
			if _, ok := seen[f.FrameId-int64(diff)]; diff <= 0 || !ok {
				return errors.Wrapf(ErrInvalidFrameDiff, "frame %d, diff %d", f.FrameId, diff)
			}
		}

		for _, b := range f.EncoderBuffers {
			if b.Updated {
				updated[b.Id] = true
			}
		}
		seen[f.FrameId] = struct{}{}
	}
	return nil
}
