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

package packetizer

import (
	"github.com/livekit/protocol/logger"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
	"github.com/livekit/svc-engine/pkg/svc"
)

const (
	DefaultMaxPayloadSize = 1200
	// matches the id most browsers offer for the dependency descriptor
	DefaultDependencyDescriptorExtID = 8
)

var (
	ErrInvalidConfig = errors.New("invalid packetizer config")
	ErrNoStructure   = errors.New("no dependency structure set")
	ErrNoFrameInfo   = errors.New("frame has no generic frame info")
)

type Config struct {
	SSRC                      uint32
	PayloadType               uint8
	MaxPayloadSize            int
	DependencyDescriptorExtID uint8
	InitialSequenceNumber     uint16
	// Render resolution of every spatial layer, sent with the structure.
	Resolutions []dd.RenderResolution
}

// Frame is one encoded layer frame.
type Frame struct {
	Info      *svc.GenericFrameInfo
	Timestamp uint32
	Payload   []byte
	// Set on the last layer frame of a temporal unit.
	EndOfTemporalUnit bool
}

// Packetizer splits layer frames into RTP packets, each carrying a dependency
// descriptor. It is not safe for concurrent use.
type Packetizer struct {
	logger logger.Logger
	config Config

	sequenceNumber uint16

	structure        *dd.FrameDependencyStructure
	structurePending bool
	lastAttached     bool
	// last active decode targets signalled to the receiver
	activeDecodeTargets uint32
}

func NewPacketizer(config Config, lgr logger.Logger) (*Packetizer, error) {
	if config.MaxPayloadSize <= 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "max payload size %d", config.MaxPayloadSize)
	}
	if config.DependencyDescriptorExtID == 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "extension id %d", config.DependencyDescriptorExtID)
	}
	if lgr == nil {
		lgr = logger.GetLogger()
	}
	return &Packetizer{
		logger:         lgr,
		config:         config,
		sequenceNumber: config.InitialSequenceNumber,
	}, nil
}

// SetStructure is called with the controller's structure before every temporal
// unit. A structure that differs from the previous one is attached to the next
// frame.
func (p *Packetizer) SetStructure(structure *dd.FrameDependencyStructure) {
	s := structure.Clone()
	s.Resolutions = p.resolutionsFor(s)
	if p.structure != nil && p.structure.StructureId == s.StructureId && p.structure.Equal(s) {
		return
	}

	p.structure = s
	p.structurePending = true
	p.logger.Debugw("dependency structure updated", "structureId", s.StructureId, "templates", len(s.Templates))
}

// Structure is the latest structure, as sent to the receiver.
func (p *Packetizer) Structure() *dd.FrameDependencyStructure {
	if p.structure == nil {
		return nil
	}
	return p.structure.Clone()
}

// StructureAttached reports whether the last packetized frame carried the structure.
func (p *Packetizer) StructureAttached() bool {
	return p.lastAttached
}

// The descriptor carries one resolution per spatial layer present in the templates.
func (p *Packetizer) resolutionsFor(structure *dd.FrameDependencyStructure) []dd.RenderResolution {
	if len(structure.Templates) == 0 {
		return nil
	}
	numSpatialLayers := structure.Templates[len(structure.Templates)-1].SpatialId + 1
	if len(p.config.Resolutions) < numSpatialLayers {
		return nil
	}
	return append([]dd.RenderResolution(nil), p.config.Resolutions[:numSpatialLayers]...)
}

func (p *Packetizer) activeChains(activeDecodeTargets uint32) uint32 {
	var chains uint32
	for dt, chain := range p.structure.DecodeTargetProtectedByChain {
		if activeDecodeTargets&(1<<dt) != 0 {
			chains |= 1 << chain
		}
	}
	return chains
}

func (p *Packetizer) descriptorFor(frame Frame) *dd.DependencyDescriptor {
	info := frame.Info
	descriptor := &dd.DependencyDescriptor{
		FrameNumber:       uint16(info.FrameId),
		FrameDependencies: info.FrameDependencies(),
	}

	if p.structurePending || (info.IsKeyframe && len(info.FrameDiffs) == 0) {
		descriptor.AttachedStructure = p.structure
		p.structurePending = false
	}

	allDecodeTargets := uint32((uint64(1) << p.structure.NumDecodeTargets) - 1)
	active := info.ActiveDecodeTargets & allDecodeTargets
	if descriptor.AttachedStructure != nil || active != p.activeDecodeTargets {
		descriptor.ActiveDecodeTargetsBitmask = &active
		p.activeDecodeTargets = active
	}
	return descriptor
}

// Packetize returns the packets of one layer frame. The structure and the active
// decode targets only go into the first packet, the marker bit into the last
// packet of a temporal unit.
func (p *Packetizer) Packetize(frame Frame) ([]*rtp.Packet, error) {
	if frame.Info == nil {
		return nil, ErrNoFrameInfo
	}
	if p.structure == nil {
		return nil, ErrNoStructure
	}

	first := p.descriptorFor(frame)
	p.lastAttached = first.AttachedStructure != nil
	activeChains := p.activeChains(frame.Info.ActiveDecodeTargets)

	numPackets := (len(frame.Payload) + p.config.MaxPayloadSize - 1) / p.config.MaxPayloadSize
	if numPackets == 0 {
		numPackets = 1
	}

	packets := make([]*rtp.Packet, 0, numPackets)
	for i := 0; i < numPackets; i++ {
		descriptor := &dd.DependencyDescriptor{
			FrameNumber:       first.FrameNumber,
			FrameDependencies: first.FrameDependencies,
		}
		if i == 0 {
			descriptor = first
		}
		descriptor.FirstPacketInFrame = i == 0
		descriptor.LastPacketInFrame = i == numPackets-1

		ext := &dd.DependencyDescriptorExtension{
			Descriptor: descriptor,
			Structure:  p.structure,
		}
		payload, err := ext.MarshalWithActiveChains(activeChains)
		if err != nil {
			if first.AttachedStructure != nil {
				p.structurePending = true
				p.lastAttached = false
			}
			p.logger.Warnw("could not marshal dependency descriptor", err,
				"frameId", frame.Info.FrameId,
				"spatial", frame.Info.SpatialId,
				"temporal", frame.Info.TemporalId,
			)
			return nil, errors.Wrap(err, "marshal dependency descriptor")
		}

		start := i * p.config.MaxPayloadSize
		end := min(start+p.config.MaxPayloadSize, len(frame.Payload))
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         frame.EndOfTemporalUnit && descriptor.LastPacketInFrame,
				PayloadType:    p.config.PayloadType,
				SequenceNumber: p.sequenceNumber,
				Timestamp:      frame.Timestamp,
				SSRC:           p.config.SSRC,
			},
			Payload: frame.Payload[start:end],
		}
		if err = pkt.Header.SetExtension(p.config.DependencyDescriptorExtID, payload); err != nil {
			return nil, errors.Wrap(err, "set dependency descriptor extension")
		}
		p.sequenceNumber++
		packets = append(packets, pkt)
	}
	return packets, nil
}
