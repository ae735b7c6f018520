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
	"testing"

	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/livekit/svc-engine/pkg/packetizer"
	"github.com/livekit/svc-engine/pkg/svc"
)

type packetCollector struct {
	lock    sync.Mutex
	headers []rtp.Header
	bytes   int
}

func (c *packetCollector) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.headers = append(c.headers, *header)
	c.bytes += len(payload)
	return len(payload), nil
}

func (c *packetCollector) markers() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	n := 0
	for _, h := range c.headers {
		if h.Marker {
			n++
		}
	}
	return n
}

func newTestSession(t *testing.T, mode svc.ScalabilityMode, encoder Encoder) (*Session, *packetCollector, *[]FrameReport) {
	writer := &packetCollector{}
	s, err := NewSession(Config{
		Mode:   mode,
		Width:  1280,
		Height: 720,
		Packetizer: packetizer.Config{
			SSRC:                      42,
			PayloadType:               45,
			MaxPayloadSize:            packetizer.DefaultMaxPayloadSize,
			DependencyDescriptorExtID: packetizer.DefaultDependencyDescriptorExtID,
		},
	}, encoder, writer, nil)
	require.NoError(t, err)

	var reports []FrameReport
	s.OnFrameSent(func(report FrameReport) {
		reports = append(reports, report)
	})
	t.Cleanup(s.Close)
	return s, writer, &reports
}

func infos(reports []FrameReport) []*svc.GenericFrameInfo {
	var out []*svc.GenericFrameInfo
	for _, r := range reports {
		out = append(out, r.Info)
	}
	return out
}

func TestSessionEncodesEveryLayer(t *testing.T) {
	encoder := NewSyntheticEncoder(30)
	s, writer, reports := newTestSession(t, svc.ScalabilityModeL3T3, encoder)
	s.SetTargetBitrate(5_000_000)

	for i := 0; i < 8; i++ {
		require.NoError(t, s.EncodeTemporalUnit(context.Background(), false))
	}

	stats := s.Stats()
	require.EqualValues(t, 8, stats.TemporalUnits)
	require.EqualValues(t, 24, stats.FramesEncoded)
	require.Zero(t, stats.FramesDropped)
	// the key instant has a key frame on every spatial layer
	require.EqualValues(t, 3, stats.Keyframes)
	require.Zero(t, stats.StructureChanges)
	require.EqualValues(t, len(writer.headers), stats.Packets)
	require.Greater(t, stats.DescriptorBytes, uint64(0))

	// one marker per temporal unit, timestamps advance per unit
	require.Equal(t, 8, writer.markers())
	require.Equal(t, writer.headers[0].Timestamp, writer.headers[len(writer.headers)-1].Timestamp-7*3000)

	require.Len(t, *reports, 24)
	require.True(t, (*reports)[0].StructureAttached)
	require.False(t, (*reports)[1].StructureAttached)
	require.NoError(t, svc.ValidateFrameReferences(infos(*reports)))
}

func TestSessionRatesDisableLayers(t *testing.T) {
	s, _, reports := newTestSession(t, svc.ScalabilityModeL2T2, NewSyntheticEncoder(30))
	s.SetTargetBitrate(3_000_000)
	require.NoError(t, s.EncodeTemporalUnit(context.Background(), false))
	require.Len(t, *reports, 2)

	s.SetTargetBitrate(100_000)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.EncodeTemporalUnit(context.Background(), false))
	}
	for _, r := range (*reports)[2:] {
		require.Zero(t, r.Info.SpatialId)
	}

	// coming back, the upper layer rejoins on the next T0 instant as a key frame
	s.SetTargetBitrate(3_000_000)
	var rejoined *svc.GenericFrameInfo
	for i := 0; i < 4 && rejoined == nil; i++ {
		sent := len(*reports)
		require.NoError(t, s.EncodeTemporalUnit(context.Background(), false))
		for _, r := range (*reports)[sent:] {
			if r.Info.SpatialId == 1 {
				rejoined = r.Info
				break
			}
		}
	}
	require.NotNil(t, rejoined)
	require.Zero(t, rejoined.TemporalId)
	require.True(t, rejoined.IsKeyframe)
	for _, b := range rejoined.EncoderBuffers {
		// odd slots belong to S1
		if b.Referenced {
			require.Zero(t, b.Id%2, "buffer %d", b.Id)
		}
	}
	require.NoError(t, svc.ValidateFrameReferences(infos(*reports)))
}

func TestSessionDroppedFrames(t *testing.T) {
	encoder := NewSyntheticEncoder(30)
	unit := 0
	encoder.DropFrame = func(config svc.LayerFrameConfig) bool {
		return unit == 2 && config.SpatialId() == 1
	}
	s, writer, reports := newTestSession(t, svc.ScalabilityModeL2T1, encoder)
	s.SetTargetBitrate(3_000_000)

	for ; unit < 5; unit++ {
		require.NoError(t, s.EncodeTemporalUnit(context.Background(), false))
	}

	stats := s.Stats()
	require.EqualValues(t, 1, stats.FramesDropped)
	require.EqualValues(t, 9, stats.FramesEncoded)
	// the unit with the dropped top layer still ends with a marker
	require.Equal(t, 5, writer.markers())
	require.NoError(t, svc.ValidateFrameReferences(infos(*reports)))
}

type scriptedEncoder struct {
	*SyntheticEncoder
	encode func(configs []svc.LayerFrameConfig) ([]EncodedFrame, error)
}

func (e *scriptedEncoder) Encode(ctx context.Context, configs []svc.LayerFrameConfig) ([]EncodedFrame, error) {
	if e.encode != nil {
		return e.encode(configs)
	}
	return e.SyntheticEncoder.Encode(ctx, configs)
}

func TestSessionEncoderErrors(t *testing.T) {
	encoder := &scriptedEncoder{SyntheticEncoder: NewSyntheticEncoder(30)}
	s, _, _ := newTestSession(t, svc.ScalabilityModeL2T1, encoder)
	s.SetTargetBitrate(3_000_000)

	encoder.encode = func(configs []svc.LayerFrameConfig) ([]EncodedFrame, error) {
		return nil, errors.New("hardware fault")
	}
	require.Error(t, s.EncodeTemporalUnit(context.Background(), false))
	require.EqualValues(t, 2, s.Stats().FramesDropped)

	encoder.encode = func(configs []svc.LayerFrameConfig) ([]EncodedFrame, error) {
		return []EncodedFrame{{Config: configs[1]}, {Config: configs[0]}}, nil
	}
	require.ErrorIs(t, s.EncodeTemporalUnit(context.Background(), false), ErrUnexpectedFrame)

	encoder.encode = func(configs []svc.LayerFrameConfig) ([]EncodedFrame, error) {
		return []EncodedFrame{{Config: configs[0]}, {Config: configs[1]}, {Config: configs[1]}}, nil
	}
	require.ErrorIs(t, s.EncodeTemporalUnit(context.Background(), false), ErrTooManyResults)

	// only the first layer comes back, the second counts as dropped
	dropped := s.Stats().FramesDropped
	encoder.encode = func(configs []svc.LayerFrameConfig) ([]EncodedFrame, error) {
		return []EncodedFrame{{Config: configs[0], Payload: []byte{1}}}, nil
	}
	require.NoError(t, s.EncodeTemporalUnit(context.Background(), false))
	require.Equal(t, dropped+1, s.Stats().FramesDropped)

	encoder.encode = nil
	require.NoError(t, s.EncodeTemporalUnit(context.Background(), false))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, s.EncodeTemporalUnit(ctx, false), context.Canceled)
}

func TestSessionKeyframeRequest(t *testing.T) {
	s, _, reports := newTestSession(t, svc.ScalabilityModeL1T3, NewSyntheticEncoder(30))
	s.SetTargetBitrate(1_000_000)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.EncodeTemporalUnit(context.Background(), false))
	}
	s.RequestKeyframe()
	require.NoError(t, s.EncodeTemporalUnit(context.Background(), false))

	require.True(t, (*reports)[0].Info.IsKeyframe)
	require.True(t, (*reports)[3].Info.IsKeyframe)
	require.True(t, (*reports)[3].StructureAttached)
	require.EqualValues(t, 2, s.Stats().Keyframes)
}

func TestSessionClosed(t *testing.T) {
	s, _, _ := newTestSession(t, svc.ScalabilityModeL1T1, NewSyntheticEncoder(30))
	s.Close()
	s.Close()
	require.ErrorIs(t, s.EncodeTemporalUnit(context.Background(), false), ErrSessionClosed)
}

func TestNewSessionErrors(t *testing.T) {
	_, err := NewSession(Config{Mode: svc.ScalabilityMode(-1)}, NewSyntheticEncoder(30), &packetCollector{}, nil)
	require.ErrorIs(t, err, svc.ErrUnsupportedMode)

	_, err = NewSession(Config{
		Mode:   svc.ScalabilityModeL2T1,
		Layers: []svc.SpatialLayerBitrates{{MinBps: 1, TargetBps: 2, MaxBps: 3}},
	}, NewSyntheticEncoder(30), &packetCollector{}, nil)
	require.ErrorIs(t, err, svc.ErrInvalidLayerBitrates)

	_, err = NewSession(Config{Mode: svc.ScalabilityModeL1T1}, NewSyntheticEncoder(30), &packetCollector{}, nil)
	require.ErrorIs(t, err, packetizer.ErrInvalidConfig)
}
