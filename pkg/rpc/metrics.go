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

package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fabricmesh",
			Subsystem: "rpc",
			Name:      "request_count",
			Help:      "The number of requests, by direction and kind.",
		}, []string{"direction", "kind"})

	timeoutCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fabricmesh",
			Subsystem: "rpc",
			Name:      "timeout_count",
			Help:      "The number of sessions expired by the timeout sweep.",
		})

	sessionGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fabricmesh",
			Subsystem: "rpc",
			Name:      "pending_sessions",
			Help:      "The number of outstanding sessions.",
		})

	droppedReplyCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fabricmesh",
			Subsystem: "rpc",
			Name:      "dropped_reply_count",
			Help:      "The number of replies whose session was already gone.",
		})
)

// InitMetrics registers all metrics of this package.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(requestCount)
	registry.MustRegister(timeoutCount)
	registry.MustRegister(sessionGauge)
	registry.MustRegister(droppedReplyCount)
}
