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
	"strings"
)

// MaxEncoderBuffers is the number of reference buffers a config can touch.
const MaxEncoderBuffers = 8

type CodecBufferUsage struct {
	Id         int
	Referenced bool
	Updated    bool
}

func (b CodecBufferUsage) String() string {
	var sb strings.Builder
	if b.Referenced {
		sb.WriteString("R")
	}
	if b.Updated {
		sb.WriteString("U")
	}
	return fmt.Sprintf("%s%d", sb.String(), b.Id)
}

// LayerFrameConfig describes how the encoder should encode one layer frame.
// Buffers live in a fixed array so copies never share state.
type LayerFrameConfig struct {
	id         int
	isKeyframe bool
	spatialId  int
	temporalId int
	numBuffers int
	buffers    [MaxEncoderBuffers]CodecBufferUsage
}

func (c *LayerFrameConfig) WithId(id int) *LayerFrameConfig {
	c.id = id
	return c
}

func (c *LayerFrameConfig) S(spatialId int) *LayerFrameConfig {
	c.spatialId = spatialId
	return c
}

func (c *LayerFrameConfig) T(temporalId int) *LayerFrameConfig {
	c.temporalId = temporalId
	return c
}

// Keyframe marks the frame as a layer local key frame. Encoders may also call
// it when they decide to emit a key frame on their own.
func (c *LayerFrameConfig) Keyframe() *LayerFrameConfig {
	c.isKeyframe = true
	return c
}

func (c *LayerFrameConfig) Reference(bufferId int) *LayerFrameConfig {
	c.addBuffer(CodecBufferUsage{Id: bufferId, Referenced: true})
	return c
}

func (c *LayerFrameConfig) Update(bufferId int) *LayerFrameConfig {
	c.addBuffer(CodecBufferUsage{Id: bufferId, Updated: true})
	return c
}

func (c *LayerFrameConfig) ReferenceAndUpdate(bufferId int) *LayerFrameConfig {
	c.addBuffer(CodecBufferUsage{Id: bufferId, Referenced: true, Updated: true})
	return c
}

// addBuffer merges usage of an already listed buffer.
func (c *LayerFrameConfig) addBuffer(usage CodecBufferUsage) {
	if usage.Id < 0 || usage.Id >= MaxEncoderBuffers {
		panic(fmt.Sprintf("buffer id %d out of range [0, %d)", usage.Id, MaxEncoderBuffers))
	}
	for i := 0; i < c.numBuffers; i++ {
		if c.buffers[i].Id == usage.Id {
			c.buffers[i].Referenced = c.buffers[i].Referenced || usage.Referenced
			c.buffers[i].Updated = c.buffers[i].Updated || usage.Updated
			return
		}
	}
	c.buffers[c.numBuffers] = usage
	c.numBuffers++
}

func (c LayerFrameConfig) Id() int {
	return c.id
}

func (c LayerFrameConfig) IsKeyframe() bool {
	return c.isKeyframe
}

func (c LayerFrameConfig) SpatialId() int {
	return c.spatialId
}

func (c LayerFrameConfig) TemporalId() int {
	return c.temporalId
}

// Buffers returns a copy of the buffer usage list in declaration order.
func (c LayerFrameConfig) Buffers() []CodecBufferUsage {
	buffers := make([]CodecBufferUsage, c.numBuffers)
	copy(buffers, c.buffers[:c.numBuffers])
	return buffers
}

func (c LayerFrameConfig) References(bufferId int) bool {
	for i := 0; i < c.numBuffers; i++ {
		if c.buffers[i].Id == bufferId && c.buffers[i].Referenced {
			return true
		}
	}
	return false
}

func (c LayerFrameConfig) Updates(bufferId int) bool {
	for i := 0; i < c.numBuffers; i++ {
		if c.buffers[i].Id == bufferId && c.buffers[i].Updated {
			return true
		}
	}
	return false
}

func (c LayerFrameConfig) hasReferences() bool {
	for i := 0; i < c.numBuffers; i++ {
		if c.buffers[i].Referenced {
			return true
		}
	}
	return false
}

func (c LayerFrameConfig) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "S%dT%d", c.spatialId, c.temporalId)
	if c.isKeyframe {
		sb.WriteString(" key")
	}
	sb.WriteString(" [")
	for i := 0; i < c.numBuffers; i++ {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(c.buffers[i].String())
	}
	sb.WriteString("]")
	return sb.String()
}
