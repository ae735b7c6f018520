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

package encodesession

import (
	"context"
	"sync"

	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/livekit/protocol/logger"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/livekit/svc-engine/pkg/packetizer"
	"github.com/livekit/svc-engine/pkg/svc"
	"github.com/livekit/svc-engine/pkg/telemetry/prometheus"
)

const (
	DefaultFrameRate = 30
	DefaultClockRate = 90000
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrUnexpectedFrame = errors.New("encoder returned frame that was not in flight")
	ErrTooManyResults  = errors.New("encoder returned more frames than requested")
)

// DefaultTopLayerBitrates bounds the highest spatial layer when no per layer
// bounds are configured. Lower layers are scaled down from it.
var DefaultTopLayerBitrates = svc.SpatialLayerBitrates{
	MinBps:    150_000,
	TargetBps: 1_500_000,
	MaxBps:    2_500_000,
}

type Config struct {
	Mode      svc.ScalabilityMode
	Width     int
	Height    int
	FrameRate int
	ClockRate uint32
	// Resolutions are filled in from the scaling of the mode.
	Packetizer packetizer.Config
	// One entry per spatial layer, defaults are derived from DefaultTopLayerBitrates.
	Layers []svc.SpatialLayerBitrates
}

// FrameReport describes a layer frame once it was sent.
type FrameReport struct {
	Info              *svc.GenericFrameInfo
	Packets           int
	Bytes             int
	DescriptorBytes   int
	StructureAttached bool
}

type Stats struct {
	TemporalUnits    uint64
	FramesEncoded    uint64
	FramesDropped    uint64
	Keyframes        uint64
	StructureChanges uint64
	Packets          uint64
	Bytes            uint64
	DescriptorBytes  uint64
}

// Session drives one scalable video stream: it asks the controller what to
// encode, hands the configs to the encoder, reports results back in issue
// order and packetizes what was encoded.
type Session struct {
	logger logger.Logger
	config Config

	lock         sync.Mutex
	controller   svc.ScalableVideoController
	allocator    *svc.SvcRateAllocator
	packetizer   *packetizer.Packetizer
	encoder      Encoder
	writer       PacketWriter
	inFlight     deque.Deque[svc.LayerFrameConfig]
	timestamp    uint32
	structureId  int
	onFrameSent  func(report FrameReport)
	needsRestart bool

	closed core.Fuse

	temporalUnits    atomic.Uint64
	framesEncoded    atomic.Uint64
	framesDropped    atomic.Uint64
	keyframes        atomic.Uint64
	structureChanges atomic.Uint64
	packets          atomic.Uint64
	bytes            atomic.Uint64
	descriptorBytes  atomic.Uint64
}

func NewSession(config Config, encoder Encoder, writer PacketWriter, lgr logger.Logger) (*Session, error) {
	if lgr == nil {
		lgr = logger.GetLogger()
	}
	if config.FrameRate <= 0 {
		config.FrameRate = DefaultFrameRate
	}
	if config.ClockRate == 0 {
		config.ClockRate = DefaultClockRate
	}

	controller, err := svc.CreateScalabilityStructure(config.Mode, lgr)
	if err != nil {
		return nil, err
	}
	streamConfig := controller.StreamConfig()

	layers := config.Layers
	if len(layers) == 0 {
		layers = svc.DefaultSpatialLayerBitrates(streamConfig, DefaultTopLayerBitrates)
	}
	allocator, err := svc.NewSvcRateAllocator(streamConfig, layers, lgr)
	if err != nil {
		return nil, err
	}

	packetizerConfig := config.Packetizer
	packetizerConfig.Resolutions = streamConfig.Resolutions(config.Width, config.Height)
	p, err := packetizer.NewPacketizer(packetizerConfig, lgr)
	if err != nil {
		return nil, err
	}

	s := &Session{
		logger:       lgr.WithValues("scalabilityMode", config.Mode.String()),
		config:       config,
		controller:   controller,
		allocator:    allocator,
		packetizer:   p,
		encoder:      encoder,
		writer:       writer,
		structureId:  -1,
		needsRestart: true,
		closed:       core.NewFuse(),
	}
	prometheus.SessionStarted()
	s.logger.Infow("encode session started",
		"streamConfig", streamConfig.String(),
		"width", config.Width,
		"height", config.Height,
		"frameRate", config.FrameRate,
	)
	return s, nil
}

func (s *Session) StreamConfig() svc.StreamLayersConfig {
	return s.controller.StreamConfig()
}

// OnFrameSent registers a callback run for every packetized layer frame, with
// the session lock held.
func (s *Session) OnFrameSent(f func(report FrameReport)) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.onFrameSent = f
}

// RequestKeyframe makes the next temporal unit restart every layer.
func (s *Session) RequestKeyframe() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.needsRestart = true
}

// SetTargetBitrate splits a total bitrate over the layers and applies it.
func (s *Session) SetTargetBitrate(bps uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.setRatesLocked(s.allocator.Allocate(bps))
}

func (s *Session) SetRates(allocation *svc.VideoBitrateAllocation) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.setRatesLocked(allocation)
}

func (s *Session) setRatesLocked(allocation *svc.VideoBitrateAllocation) {
	s.controller.OnRatesUpdated(allocation)
	s.encoder.SetRates(allocation)

	streamConfig := s.controller.StreamConfig()
	rates := make([][]uint32, 0, streamConfig.NumSpatialLayers)
	numActive := 0
	for sid := 0; sid < streamConfig.NumSpatialLayers; sid++ {
		layer := make([]uint32, streamConfig.NumTemporalLayers)
		for tid := range layer {
			layer[tid] = allocation.GetBitrate(sid, tid)
			if layer[tid] > 0 {
				numActive++
			}
		}
		rates = append(rates, layer)
	}
	prometheus.RecordAllocation(rates, numActive, allocation.IsBwLimited())
	s.logger.Debugw("rates updated", "allocation", allocation.String(), "sumBps", allocation.SumBps())
}

// EncodeTemporalUnit encodes and sends one temporal unit. The first unit of a
// session always restarts.
func (s *Session) EncodeTemporalUnit(ctx context.Context, restart bool) error {
	if s.closed.IsBroken() {
		return ErrSessionClosed
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	restart = restart || s.needsRestart
	s.needsRestart = false

	s.syncStructure()

	configs := s.controller.NextFrameConfig(restart)
	for _, config := range configs {
		s.inFlight.PushBack(config)
	}

	timestamp := s.timestamp
	s.timestamp += s.config.ClockRate / uint32(s.config.FrameRate)
	s.temporalUnits.Inc()

	results, err := s.encoder.Encode(ctx, configs)
	if err != nil {
		s.abortUnit(restart)
		return errors.Wrap(err, "encode")
	}

	var encoded []*packetizer.Frame
	for _, result := range results {
		if s.inFlight.Len() == 0 {
			s.abortUnit(restart)
			return ErrTooManyResults
		}
		expected := s.inFlight.PopFront()
		if result.Config.Id() != expected.Id() {
			s.dropped(expected)
			s.abortUnit(restart)
			return errors.Wrapf(ErrUnexpectedFrame, "expected config %d, got %d", expected.Id(), result.Config.Id())
		}
		if result.Dropped {
			s.dropped(expected)
			continue
		}

		info := s.controller.OnEncodeDone(result.Config)
		encoded = append(encoded, &packetizer.Frame{
			Info:      info,
			Timestamp: timestamp,
			Payload:   result.Payload,
		})
	}
	s.dropInFlight()

	if len(encoded) == 0 {
		return nil
	}
	encoded[len(encoded)-1].EndOfTemporalUnit = true
	for _, frame := range encoded {
		if err = s.send(frame); err != nil {
			return err
		}
	}
	return nil
}

// syncStructure hands the controller's structure to the packetizer.
func (s *Session) syncStructure() {
	structure := s.controller.DependencyStructure()
	if structure.StructureId != s.structureId {
		if s.structureId >= 0 {
			s.structureChanges.Inc()
			prometheus.IncrementStructureChange()
		}
		s.structureId = structure.StructureId
	}
	s.packetizer.SetStructure(structure)
}

// abortUnit drops what is left of a unit that could not be sent. A restart
// that did not go out is repeated with the next unit.
func (s *Session) abortUnit(restart bool) {
	s.dropInFlight()
	if restart {
		s.needsRestart = true
	}
}

func (s *Session) dropInFlight() {
	for s.inFlight.Len() != 0 {
		s.dropped(s.inFlight.PopFront())
	}
}

func (s *Session) dropped(config svc.LayerFrameConfig) {
	s.framesDropped.Inc()
	prometheus.IncrementDroppedFrame(config.SpatialId(), config.TemporalId())
	s.logger.Debugw("layer frame dropped", "config", config.String())
}

func (s *Session) send(frame *packetizer.Frame) error {
	packets, err := s.packetizer.Packetize(*frame)
	if err != nil {
		return err
	}

	report := FrameReport{
		Info:              frame.Info,
		Packets:           len(packets),
		StructureAttached: s.packetizer.StructureAttached(),
	}
	for _, pkt := range packets {
		if _, err = s.writer.WriteRTP(&pkt.Header, pkt.Payload); err != nil {
			s.logger.Warnw("write rtp packet failed", err, "sequenceNumber", pkt.SequenceNumber)
			return errors.Wrap(err, "write rtp")
		}
		report.Bytes += pkt.MarshalSize()
		report.DescriptorBytes += len(pkt.Header.GetExtension(s.config.Packetizer.DependencyDescriptorExtID))
	}

	info := frame.Info
	s.framesEncoded.Inc()
	if info.IsKeyframe {
		s.keyframes.Inc()
	}
	s.packets.Add(uint64(report.Packets))
	s.bytes.Add(uint64(report.Bytes))
	s.descriptorBytes.Add(uint64(report.DescriptorBytes))
	prometheus.IncrementFrame(info.SpatialId, info.TemporalId, info.IsKeyframe)
	prometheus.IncrementPackets(uint64(report.Packets), uint64(report.Bytes), uint64(report.DescriptorBytes))

	if s.onFrameSent != nil {
		s.onFrameSent(report)
	}
	return nil
}

func (s *Session) Stats() Stats {
	return Stats{
		TemporalUnits:    s.temporalUnits.Load(),
		FramesEncoded:    s.framesEncoded.Load(),
		FramesDropped:    s.framesDropped.Load(),
		Keyframes:        s.keyframes.Load(),
		StructureChanges: s.structureChanges.Load(),
		Packets:          s.packets.Load(),
		Bytes:            s.bytes.Load(),
		DescriptorBytes:  s.descriptorBytes.Load(),
	}
}

func (s *Session) Close() {
	s.closed.Once(func() {
		prometheus.SessionClosed()
		s.logger.Infow("encode session closed", "stats", s.Stats())
	})
}
