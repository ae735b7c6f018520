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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promLayerBitrate       *prometheus.GaugeVec
	promActiveDecodeTarget prometheus.Gauge
	promBwLimited          prometheus.Counter
)

func initRateStats(nodeID string) {
	promLayerBitrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   svcNamespace,
		Subsystem:   "allocation",
		Name:        "bitrate",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Help:        "Last allocated bitrate per layer in bps.",
	}, []string{"spatial", "temporal"})
	promActiveDecodeTarget = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   svcNamespace,
		Subsystem:   "allocation",
		Name:        "active_decode_targets",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promBwLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "allocation",
		Name:        "bw_limited",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Help:        "Allocations that could not enable every spatial layer.",
	})

	prometheus.MustRegister(promLayerBitrate)
	prometheus.MustRegister(promActiveDecodeTarget)
	prometheus.MustRegister(promBwLimited)
}

// RecordAllocation takes per layer rates indexed by spatial then temporal id.
func RecordAllocation(rates [][]uint32, numActiveDecodeTargets int, bwLimited bool) {
	if !enabled.Load() {
		return
	}
	for sid, layer := range rates {
		for tid, rate := range layer {
			promLayerBitrate.WithLabelValues(strconv.Itoa(sid), strconv.Itoa(tid)).Set(float64(rate))
		}
	}
	promActiveDecodeTarget.Set(float64(numActiveDecodeTargets))
	if bwLimited {
		promBwLimited.Inc()
	}
}
