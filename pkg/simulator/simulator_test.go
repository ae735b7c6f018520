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

package simulator

import (
	"bytes"
	"context"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"

	"github.com/livekit/svc-engine/pkg/config"
	"github.com/livekit/svc-engine/pkg/svc"
)

func testConfig(t *testing.T, body string) *config.Config {
	conf, err := config.NewConfig(body, true, nil, nil)
	require.NoError(t, err)
	return conf
}

func TestRunFollowsSchedule(t *testing.T) {
	conf := testConfig(t, `mode: L2T2
frames: 40
bitrate:
  start_kbps: 3000
  keyframe_requests: [30]
  schedule:
    - frame: 10
      kbps: 100
    - frame: 20
      kbps: 3000`)

	result, err := Run(context.Background(), Params{Config: conf, Mode: conf.ScalabilityMode()})
	require.NoError(t, err)
	require.NoError(t, result.Validate())

	require.EqualValues(t, 40, result.Stats.TemporalUnits)
	require.Equal(t, result.Stats.FramesEncoded, result.Receiver.Frames)
	require.Equal(t, result.Stats.Packets, result.Receiver.Packets)
	require.Zero(t, result.Receiver.Undecodable)

	for _, f := range result.Frames {
		switch {
		case f.Unit >= 10 && f.Unit < 20:
			require.Zero(t, f.Info.SpatialId, "unit %d", f.Unit)
			require.EqualValues(t, 100, f.TargetKbps)
		case f.Unit == 30:
			require.True(t, f.Info.IsKeyframe || f.Info.SpatialId > 0)
			require.True(t, f.StructureAttached || f.Info.SpatialId > 0)
		}
	}
	require.NotNil(t, result.Structure)
	require.Equal(t, 4, result.Structure.NumDecodeTargets)
}

func TestRunDroppedFramesStayDecodable(t *testing.T) {
	conf := testConfig(t, `mode: L3T3
frames: 30`)

	result, err := Run(context.Background(), Params{
		Config: conf,
		Mode:   conf.ScalabilityMode(),
		DropFrame: func(unit int, c svc.LayerFrameConfig) bool {
			return unit%7 == 3 && c.SpatialId() == 2
		},
	})
	require.NoError(t, err)
	require.NoError(t, result.Validate())
	require.EqualValues(t, 4, result.Stats.FramesDropped)
	require.EqualValues(t, 90-4, result.Stats.FramesEncoded)
}

func TestRunRecoversFromLoss(t *testing.T) {
	conf := testConfig(t, `mode: L1T3
frames: 40
rtp:
  lose_packets: [1000]`)

	result, err := Run(context.Background(), Params{
		Config: conf,
		Mode:   conf.ScalabilityMode(),
		LosePacket: func(index uint64) bool {
			return index >= 40 && index < 120
		},
	})
	require.NoError(t, err)
	require.NoError(t, result.Validate())

	require.EqualValues(t, 80, result.Receiver.PacketsLost)
	require.Greater(t, result.Receiver.Undecodable, uint64(0))
	require.EqualValues(t, 1, result.Receiver.PLIs)
	require.Equal(t, 1, result.KeyframeRequests)
	require.EqualValues(t, 2, result.Stats.Keyframes)

	// the requested key frame goes out after the loss
	var recovered bool
	for _, f := range result.Frames[1:] {
		if f.Info.IsKeyframe {
			recovered = true
			require.True(t, f.StructureAttached)
		}
	}
	require.True(t, recovered)
}

func TestRunCancelled(t *testing.T) {
	conf := testConfig(t, "frames: 5")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Params{Config: conf, Mode: conf.ScalabilityMode()})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCompare(t *testing.T) {
	conf := testConfig(t, "frames: 16")
	modes := []svc.ScalabilityMode{
		svc.ScalabilityModeL1T3,
		svc.ScalabilityModeL3T3Key,
		svc.ScalabilityModeS2T1,
		svc.ScalabilityModeL1T3,
		svc.ScalabilityModeL2T2KeyShift,
	}

	results, err := Compare(context.Background(), conf, modes, 3, nil)
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.Equal(t, svc.ScalabilityModeL1T3, results[0].Mode)
	require.Equal(t, svc.ScalabilityModeL2T2KeyShift, results[3].Mode)
	for _, r := range results {
		require.NoError(t, r.Validate(), r.Mode.String())
		require.EqualValues(t, 16, r.Stats.TemporalUnits)
	}

	var buf bytes.Buffer
	WriteSummary(&buf, results)
	require.Contains(t, buf.String(), "L3T3_KEY")
}

func TestReports(t *testing.T) {
	conf := testConfig(t, `mode: L1T3
frames: 4`)
	result, err := Run(context.Background(), Params{Config: conf, Mode: conf.ScalabilityMode()})
	require.NoError(t, err)

	var buf bytes.Buffer
	WriteFrames(&buf, result)
	require.Contains(t, buf.String(), "S0T2")

	buf.Reset()
	WriteStructure(&buf, result.Structure)
	require.Contains(t, buf.String(), "1280x720")

	buf.Reset()
	require.NoError(t, WriteModes(&buf))
	require.Contains(t, buf.String(), "S3T3h")
}

func TestReceiverRejectsPacketsWithoutDescriptor(t *testing.T) {
	r := NewReceiver(8, nil)
	_, err := r.WriteRTP(&rtp.Header{SequenceNumber: 1}, []byte{1, 2, 3})
	require.NoError(t, err)
	require.ErrorIs(t, r.Err(), ErrNoDescriptor)
	require.Nil(t, r.Structure())
	require.EqualValues(t, 1, r.Stats().Packets)
}
