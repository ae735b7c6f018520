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

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	packetsOut atomic.Uint64
	bytesOut   atomic.Uint64
	ddBytesOut atomic.Uint64

	promPacketTotal prometheus.Counter
	promPacketBytes *prometheus.CounterVec
)

func initPacketStats(nodeID string) {
	promPacketTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "packet",
		Name:        "bytes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"type"})

	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketBytes)
}

// IncrementPackets counts packets sent, their total size and the part of it
// taken by the dependency descriptor.
func IncrementPackets(count, bytes, descriptorBytes uint64) {
	packetsOut.Add(count)
	bytesOut.Add(bytes)
	ddBytesOut.Add(descriptorBytes)

	if !enabled.Load() {
		return
	}
	promPacketTotal.Add(float64(count))
	promPacketBytes.WithLabelValues("total").Add(float64(bytes))
	promPacketBytes.WithLabelValues("dependency_descriptor").Add(float64(descriptorBytes))
}

type PacketStats struct {
	Packets         uint64
	Bytes           uint64
	DescriptorBytes uint64
}

// GetPacketStats returns totals since process start, counted even without Init.
func GetPacketStats() PacketStats {
	return PacketStats{
		Packets:         packetsOut.Load(),
		Bytes:           bytesOut.Load(),
		DescriptorBytes: ddBytesOut.Load(),
	}
}
