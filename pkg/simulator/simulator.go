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
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/pion/rtcp"
	"github.com/pkg/errors"
	"github.com/thoas/go-funk"
	"go.uber.org/multierr"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/svc-engine/pkg/config"
	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
	"github.com/livekit/svc-engine/pkg/encodesession"
	"github.com/livekit/svc-engine/pkg/packetizer"
	"github.com/livekit/svc-engine/pkg/svc"
)

var ErrUndecodableFrames = errors.New("receiver got frames with missing references")

type Params struct {
	Config *config.Config
	Mode   svc.ScalabilityMode
	Logger logger.Logger
	// DropFrame makes the encoder drop a layer frame of a temporal unit.
	DropFrame func(unit int, config svc.LayerFrameConfig) bool
	// LosePacket drops packets on their way to the receiver, in addition to
	// the configured losses.
	LosePacket func(index uint64) bool
}

type FrameRow struct {
	Unit       int
	TargetKbps uint32
	encodesession.FrameReport
}

type Result struct {
	Mode      svc.ScalabilityMode
	Frames    []FrameRow
	Stats     encodesession.Stats
	Receiver  ReceiverStats
	Structure *dd.FrameDependencyStructure
	// key frames requested by receiver feedback
	KeyframeRequests int
}

// Validate checks the produced frames reference each other consistently and
// that the receiver could follow every reference.
func (r *Result) Validate() error {
	infos := make([]*svc.GenericFrameInfo, 0, len(r.Frames))
	for _, f := range r.Frames {
		infos = append(infos, f.Info)
	}
	if err := svc.ValidateFrameReferences(infos); err != nil {
		return err
	}
	if r.Receiver.Undecodable != 0 && r.Receiver.PacketsLost == 0 {
		return errors.Wrapf(ErrUndecodableFrames, "%d frames", r.Receiver.Undecodable)
	}
	return nil
}

// Run encodes conf.Frames temporal units with a synthetic encoder, following
// the configured rate schedule and key frame requests.
func Run(ctx context.Context, p Params) (*Result, error) {
	conf := p.Config
	lgr := p.Logger
	if lgr == nil {
		lgr = logger.GetLogger()
	}

	// configured layer bounds only apply to the configured mode
	var layers []svc.SpatialLayerBitrates
	if len(conf.Bitrate.Layers) == p.Mode.NumSpatialLayers() {
		layers = conf.Bitrate.Layers
	}

	unit := 0
	encoder := encodesession.NewSyntheticEncoder(conf.FrameRate)
	if p.DropFrame != nil {
		encoder.DropFrame = func(c svc.LayerFrameConfig) bool {
			return p.DropFrame(unit, c)
		}
	}
	receiver := NewReceiver(conf.RTP.DependencyDescriptorExtID, lgr)
	if len(conf.RTP.LosePackets) != 0 || p.LosePacket != nil {
		receiver.SetLoss(func(index uint64) bool {
			return conf.PacketLost(index) || (p.LosePacket != nil && p.LosePacket(index))
		})
	}

	session, err := encodesession.NewSession(encodesession.Config{
		Mode:      p.Mode,
		Width:     conf.Width,
		Height:    conf.Height,
		FrameRate: conf.FrameRate,
		Packetizer: packetizer.Config{
			SSRC:                      conf.RTP.SSRC,
			PayloadType:               conf.RTP.PayloadType,
			MaxPayloadSize:            conf.RTP.MaxPayloadSize,
			DependencyDescriptorExtID: conf.RTP.DependencyDescriptorExtID,
		},
		Layers: layers,
	}, encoder, receiver, lgr)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	result := &Result{Mode: p.Mode}
	var kbps uint32
	session.OnFrameSent(func(report encodesession.FrameReport) {
		result.Frames = append(result.Frames, FrameRow{
			Unit:        unit,
			TargetKbps:  kbps,
			FrameReport: report,
		})
	})

	for ; unit < conf.Frames; unit++ {
		if unit == 0 || conf.RateChangesAt(unit) {
			kbps = conf.TargetKbps(unit)
			session.SetTargetBitrate(kbps * 1000)
		}
		if err = session.EncodeTemporalUnit(ctx, conf.KeyframeRequestedAt(unit)); err != nil {
			return nil, errors.Wrapf(err, "temporal unit %d", unit)
		}
		result.KeyframeRequests += handleFeedback(session, receiver.ReadRTCP(), lgr)
	}

	if err = receiver.Err(); err != nil {
		return nil, err
	}
	result.Stats = session.Stats()
	result.Receiver = receiver.Stats()
	result.Structure = receiver.Structure()
	return result, nil
}

// handleFeedback applies receiver RTCP to the session and returns the number
// of key frame requests it carried.
func handleFeedback(session *encodesession.Session, feedback [][]byte, lgr logger.Logger) int {
	requests := 0
	for _, buf := range feedback {
		pkts, err := rtcp.Unmarshal(buf)
		if err != nil {
			lgr.Errorw("could not unmarshal RTCP", err)
			continue
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				requests++
				session.RequestKeyframe()
			}
		}
	}
	return requests
}

// Compare runs the same configuration for several modes in parallel. Results
// keep the order of the first occurrence of each mode.
func Compare(ctx context.Context, conf *config.Config, modes []svc.ScalabilityMode, workers int, lgr logger.Logger) ([]*Result, error) {
	if lgr == nil {
		lgr = logger.GetLogger()
	}
	if workers <= 0 {
		workers = 1
	}
	modes = funk.Uniq(modes).([]svc.ScalabilityMode)

	var (
		lock    sync.Mutex
		errs    error
		results = make([]*Result, len(modes))
	)
	pool := workerpool.New(workers)
	for i, mode := range modes {
		i, mode := i, mode
		pool.Submit(func() {
			result, err := Run(ctx, Params{
				Config: conf,
				Mode:   mode,
				Logger: lgr.WithValues("mode", mode.String()),
			})

			lock.Lock()
			defer lock.Unlock()
			if err != nil {
				errs = multierr.Append(errs, errors.Wrap(err, mode.String()))
				return
			}
			results[i] = result
		})
	}
	pool.StopWait()

	if errs != nil {
		return nil, errs
	}
	return results, nil
}
