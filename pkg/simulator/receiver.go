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
	"sync"

	"github.com/gammazero/deque"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	dd "github.com/livekit/svc-engine/pkg/dependencydescriptor"
)

var (
	ErrNoDescriptor      = errors.New("packet without dependency descriptor")
	ErrStructureUnknown  = errors.New("descriptor received before any structure")
	ErrFrameOutOfOrder   = errors.New("first packet of frame missing")
	ErrUnexpectedPayload = errors.New("packet does not continue the current frame")
)

type ReceiverStats struct {
	Packets           uint64
	PacketsLost       uint64
	Frames            uint64
	StructuresSeen    uint64
	Undecodable       uint64
	PLIs              uint64
	LastActiveTargets uint32
}

// Receiver parses the dependency descriptor of every packet it is handed and
// checks that each completed frame only references frames it has decoded. On
// loss it discards until the next frame start and asks for a key frame with a
// PLI once a frame cannot be decoded.
type Receiver struct {
	logger logger.Logger
	extID  uint8
	lose   func(index uint64) bool

	lock      sync.Mutex
	structure *dd.FrameDependencyStructure
	// frame number of the frame being reassembled
	current    uint16
	inFrame    bool
	lastSeq    uint16
	haveSeq    bool
	lossSeen   bool
	discarding bool
	pliPending bool
	decoded    map[uint16]struct{}
	feedback   deque.Deque[[]byte]
	stats      ReceiverStats
	firstError error
}

func NewReceiver(extID uint8, lgr logger.Logger) *Receiver {
	if lgr == nil {
		lgr = logger.GetLogger()
	}
	return &Receiver{
		logger:  lgr,
		extID:   extID,
		decoded: make(map[uint16]struct{}),
	}
}

// SetLoss drops every packet for which lose returns true. Packets are indexed
// from zero in arrival order.
func (r *Receiver) SetLoss(lose func(index uint64) bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.lose = lose
}

func (r *Receiver) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	index := r.stats.Packets
	r.stats.Packets++
	if r.lose != nil && r.lose(index) {
		r.stats.PacketsLost++
		return len(payload), nil
	}

	if err := r.onPacket(header); err != nil {
		if r.lossSeen {
			// expected after loss, recovered through the next key frame
			r.logger.Debugw("packet dropped after loss", "error", err, "sequenceNumber", header.SequenceNumber)
			r.discarding = true
			r.requestKeyframe(header.SSRC)
		} else {
			if r.firstError == nil {
				r.firstError = err
			}
			r.logger.Warnw("invalid packet", err, "sequenceNumber", header.SequenceNumber)
		}
	}
	return len(payload), nil
}

func (r *Receiver) onPacket(header *rtp.Header) error {
	if r.haveSeq && header.SequenceNumber != r.lastSeq+1 {
		r.lossSeen = true
		r.discarding = true
		r.inFrame = false
		// a new loss episode may need another key frame
		r.pliPending = false
	}
	r.lastSeq = header.SequenceNumber
	r.haveSeq = true

	buf := header.GetExtension(r.extID)
	if len(buf) == 0 {
		return ErrNoDescriptor
	}

	var descriptor dd.DependencyDescriptor
	ext := &dd.DependencyDescriptorExtension{Descriptor: &descriptor, Structure: r.structure}
	if _, err := ext.Unmarshal(buf); err != nil {
		if r.structure == nil {
			return errors.Wrap(ErrStructureUnknown, err.Error())
		}
		return err
	}
	if descriptor.AttachedStructure != nil {
		r.structure = descriptor.AttachedStructure
		r.stats.StructuresSeen++
	}
	if descriptor.ActiveDecodeTargetsBitmask != nil {
		r.stats.LastActiveTargets = *descriptor.ActiveDecodeTargetsBitmask
	}

	switch {
	case descriptor.FirstPacketInFrame:
		r.current = descriptor.FrameNumber
		r.inFrame = true
		r.discarding = false
	case r.discarding:
		return nil
	case !r.inFrame:
		return ErrFrameOutOfOrder
	case descriptor.FrameNumber != r.current:
		return ErrUnexpectedPayload
	}

	if descriptor.LastPacketInFrame {
		r.inFrame = false
		r.onFrame(header.SSRC, descriptor.FrameNumber, descriptor.FrameDependencies)
	}
	return nil
}

func (r *Receiver) onFrame(ssrc uint32, frameNumber uint16, deps *dd.FrameDependencyTemplate) {
	r.stats.Frames++
	if deps != nil {
		for _, diff := range deps.FrameDiffs {
			if _, ok := r.decoded[frameNumber-uint16(diff)]; !ok {
				r.stats.Undecodable++
				r.logger.Debugw("frame references missing frame", "frameNumber", frameNumber, "diff", diff)
				r.requestKeyframe(ssrc)
				return
			}
		}
		if len(deps.FrameDiffs) == 0 && deps.SpatialId == 0 {
			r.pliPending = false
		}
	}
	r.decoded[frameNumber] = struct{}{}
	// keep the window at half the frame number space so wrapped numbers do not alias
	delete(r.decoded, frameNumber+1<<15)
}

// requestKeyframe queues one PLI per loss episode.
func (r *Receiver) requestKeyframe(ssrc uint32) {
	if r.pliPending {
		return
	}
	buf, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.PictureLossIndication{SenderSSRC: ssrc, MediaSSRC: ssrc},
	})
	if err != nil {
		r.logger.Errorw("could not marshal PLI", err)
		return
	}
	r.pliPending = true
	r.stats.PLIs++
	r.feedback.PushBack(buf)
}

// ReadRTCP drains the feedback packets queued since the last call.
func (r *Receiver) ReadRTCP() [][]byte {
	r.lock.Lock()
	defer r.lock.Unlock()

	var out [][]byte
	for r.feedback.Len() != 0 {
		out = append(out, r.feedback.PopFront())
	}
	return out
}

func (r *Receiver) Stats() ReceiverStats {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.stats
}

// Err returns the first invalid packet seen before any loss.
func (r *Receiver) Err() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.firstError
}

// Structure is the last structure received, nil until the first key frame.
func (r *Receiver) Structure() *dd.FrameDependencyStructure {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.structure == nil {
		return nil
	}
	return r.structure.Clone()
}
