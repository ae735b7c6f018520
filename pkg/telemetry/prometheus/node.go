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

const (
	svcNamespace string = "svc"
)

var (
	initialized atomic.Bool
	// set once every collector exists
	enabled atomic.Bool

	promSessionsActive prometheus.Gauge
)

// Init registers all collectors with the default registry. Until it is called
// the record functions do nothing.
func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	promSessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   svcNamespace,
		Subsystem:   "session",
		Name:        "active",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Help:        "Encode sessions currently open.",
	})
	prometheus.MustRegister(promSessionsActive)

	initFrameStats(nodeID)
	initPacketStats(nodeID)
	initRateStats(nodeID)

	enabled.Store(true)
}

func SessionStarted() {
	if !enabled.Load() {
		return
	}
	promSessionsActive.Inc()
}

func SessionClosed() {
	if !enabled.Load() {
		return
	}
	promSessionsActive.Dec()
}
