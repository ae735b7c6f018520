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
	promFrameLabels = []string{"spatial", "temporal"}

	promFramesEncoded    *prometheus.CounterVec
	promFramesDropped    *prometheus.CounterVec
	promKeyframes        *prometheus.CounterVec
	promStructureChanges prometheus.Counter
)

func initFrameStats(nodeID string) {
	promFramesEncoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "frame",
		Name:        "encoded",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promFrameLabels)
	promFramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "frame",
		Name:        "dropped",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promFrameLabels)
	promKeyframes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "frame",
		Name:        "keyframes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"spatial"})
	promStructureChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "structure",
		Name:        "changes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Help:        "Dependency structures sent with a new structure id.",
	})

	prometheus.MustRegister(promFramesEncoded)
	prometheus.MustRegister(promFramesDropped)
	prometheus.MustRegister(promKeyframes)
	prometheus.MustRegister(promStructureChanges)
}

func IncrementFrame(spatialId, temporalId int, keyframe bool) {
	if !enabled.Load() {
		return
	}
	spatial := strconv.Itoa(spatialId)
	promFramesEncoded.WithLabelValues(spatial, strconv.Itoa(temporalId)).Inc()
	if keyframe {
		promKeyframes.WithLabelValues(spatial).Inc()
	}
}

func IncrementDroppedFrame(spatialId, temporalId int) {
	if !enabled.Load() {
		return
	}
	promFramesDropped.WithLabelValues(strconv.Itoa(spatialId), strconv.Itoa(temporalId)).Inc()
}

func IncrementStructureChange() {
	if !enabled.Load() {
		return
	}
	promStructureChanges.Inc()
}
