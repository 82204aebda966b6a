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
	"container/heap"
	"time"

	"github.com/pingcap/fabricmesh/pkg/transport"
)

// ResponseFunc receives the outcome of one SendRequest. It is invoked
// exactly once: on reply, on remote exception, on timeout, or on engine
// shutdown.
type ResponseFunc func(err error, payload []byte)

// session is one outbound request awaiting a reply. Session ids are
// assigned monotonically, so under a fixed timeout lower ids carry older
// deadlines.
type session struct {
	id       uint64
	handle   transport.Handle
	function string
	deadline time.Time
	cb       ResponseFunc
}

// sessionHeap orders sessions by deadline. Entries are not removed when a
// session completes; the sweeper skips ids that are gone from the table.
type sessionHeap []*session

func (h sessionHeap) Len() int { return len(h) }

func (h sessionHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h sessionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sessionHeap) Push(x interface{}) {
	*h = append(*h, x.(*session))
}

func (h *sessionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}

var _ heap.Interface = (*sessionHeap)(nil)
