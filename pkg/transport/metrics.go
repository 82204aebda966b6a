// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeHandleGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fabricmesh",
			Subsystem: "transport",
			Name:      "active_handles",
			Help:      "The number of active handles per kind.",
		}, []string{"kind"})

	messageCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fabricmesh",
			Subsystem: "transport",
			Name:      "message_count",
			Help:      "The number of messages moved, per scheme and direction.",
		}, []string{"scheme", "direction"})

	reconnectCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fabricmesh",
			Subsystem: "transport",
			Name:      "reconnect_count",
			Help:      "The number of automatic reconnect attempts.",
		})

	idleClosedCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fabricmesh",
			Subsystem: "transport",
			Name:      "idle_closed_count",
			Help:      "The number of peer connections evicted by the idle sweep.",
		})

	sendQueueDropCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fabricmesh",
			Subsystem: "transport",
			Name:      "send_queue_drop_count",
			Help:      "The number of sends rejected because the per-handle queue was full.",
		})
)

// InitMetrics registers all metrics of this package.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(activeHandleGauge)
	registry.MustRegister(messageCount)
	registry.MustRegister(reconnectCount)
	registry.MustRegister(idleClosedCount)
	registry.MustRegister(sendQueueDropCount)
}
