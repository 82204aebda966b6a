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

// Package rpc layers request dispatch, session correlation and timeouts
// over the transport. The engine is owned by the update-loop goroutine:
// OnMessage and Update must be called from it, and every user callback
// runs on it.
package rpc

import (
	"container/heap"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/pingcap/fabricmesh/pkg/sched"
	"github.com/pingcap/fabricmesh/pkg/transport"
	"go.uber.org/zap"
)

// DefaultRequestTimeout is applied when SendRequest gets a non-positive
// timeout.
const DefaultRequestTimeout = 60 * time.Second

// Handler processes one inbound CALL or ONEWAY for a service. It runs on
// the update loop, inside a scheduler task for CALLs, so it may use the
// engine's synchronous call API.
type Handler func(req *Request)

// Broadcaster fans one encoded message out to a named channel. It is
// implemented by the broadcast package and installed with SetBroadcaster.
type Broadcaster interface {
	Publish(channel string, head *codec.Head, payload []byte) (int, error)
}

// Options configures an Engine.
type Options struct {
	Transport *transport.Transport
	Codecs    *codec.Registry
	// Scheduler hosts CALL handlers so they can suspend on synchronous
	// requests. Optional; without it handlers run inline.
	Scheduler *sched.Scheduler
	// DefaultTimeout replaces non-positive SendRequest timeouts. Defaults
	// to DefaultRequestTimeout.
	DefaultTimeout time.Duration
	// Clock is the deadline source. Defaults to the wall clock.
	Clock clock.Clock
}

// Engine is the RPC core. Not safe for concurrent use; it belongs to the
// update-loop goroutine.
type Engine struct {
	opts Options

	services map[string]Handler
	sessions map[uint64]*session
	timers   sessionHeap

	nextSessionID uint64
	overload      atomic.Uint32
	broadcaster   Broadcaster
	closed        bool
}

// NewEngine creates an Engine over the given transport and codec set.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Transport == nil || opts.Codecs == nil {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("transport and codecs are required")
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultRequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Engine{
		opts:     opts,
		services: make(map[string]Handler),
		sessions: make(map[uint64]*session),
	}, nil
}

// RegisterService installs the handler for a service name. Registering an
// existing name replaces the handler and reports ErrFunctionExisted as a
// warning.
func (e *Engine) RegisterService(name string, h Handler) (string, error) {
	if name == "" || h == nil {
		return "", errs.ErrInvalidParam.GenWithStackByArgs("empty service name or nil handler")
	}
	_, existed := e.services[name]
	e.services[name] = h
	if existed {
		log.Warn("service handler replaced", zap.String("service", name))
		return name, errs.ErrFunctionExisted.FastGenByArgs(name)
	}
	return name, nil
}

// UnregisterService removes a service handler.
func (e *Engine) UnregisterService(name string) error {
	if _, ok := e.services[name]; !ok {
		return errs.ErrFunctionUnexisted.GenWithStackByArgs(name)
	}
	delete(e.services, name)
	return nil
}

// SessionCount returns the number of outstanding sessions.
func (e *Engine) SessionCount() int {
	return len(e.sessions)
}

// SetOverload installs the process overload signal. Non-zero gates
// BroadcastRequest and is visible to handlers through Overload.
func (e *Engine) SetOverload(v uint32) {
	e.overload.Store(v)
}

// Overload reports the current overload signal.
func (e *Engine) Overload() uint32 {
	return e.overload.Load()
}

// SetBroadcaster wires the broadcast subsystem in.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster = b
}

// SendRequest issues a CALL on the handle. The session is recorded before
// the bytes are written; onResponse fires exactly once, unless SendRequest
// itself returns an error.
func (e *Engine) SendRequest(
	h transport.Handle,
	function string,
	payload []byte,
	onResponse ResponseFunc,
	timeout time.Duration,
) error {
	if e.closed {
		return errs.ErrEngineClosed.GenWithStackByArgs()
	}
	if onResponse == nil {
		return e.SendOneway(h, function, payload)
	}
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}

	c, err := e.codecFor(h)
	if err != nil {
		return err
	}
	e.nextSessionID++
	s := &session{
		id:       e.nextSessionID,
		handle:   h,
		function: function,
		deadline: e.opts.Clock.Now().Add(timeout),
		cb:       onResponse,
	}

	head := &codec.Head{
		Version:   codec.HeadVersion,
		MsgType:   codec.MsgCall,
		SessionID: s.id,
		Function:  function,
	}
	data, err := c.Encode(head, payload)
	if err != nil {
		return err
	}

	e.sessions[s.id] = s
	heap.Push(&e.timers, s)
	sessionGauge.Inc()

	if err := e.opts.Transport.Send(h, data); err != nil {
		e.dropSession(s.id)
		return err
	}
	requestCount.WithLabelValues("out", "call").Inc()
	return nil
}

// SendRequestSync issues a CALL and suspends the calling task until the
// response arrives or times out. Only legal inside a scheduler task.
func (e *Engine) SendRequestSync(
	h transport.Handle,
	function string,
	payload []byte,
	timeout time.Duration,
) ([]byte, error) {
	if e.opts.Scheduler == nil {
		return nil, errs.ErrNotInTask.GenWithStackByArgs()
	}
	taskID := e.opts.Scheduler.CurrentTaskID()
	if taskID == sched.NoTask {
		return nil, errs.ErrNotInTask.GenWithStackByArgs()
	}

	var (
		respErr     error
		respPayload []byte
	)
	err := e.SendRequest(h, function, payload, func(err error, payload []byte) {
		respErr = err
		respPayload = payload
		// The callback runs on the update loop where no task is active,
		// so resuming is legal.
		if resumeErr := e.opts.Scheduler.Resume(taskID); resumeErr != nil {
			log.Error("failed to resume task waiting for a response",
				zap.Int64("taskID", taskID), zap.Error(resumeErr))
		}
	}, timeout)
	if err != nil {
		return nil, err
	}
	e.opts.Scheduler.Yield()
	return respPayload, respErr
}

// SendOneway issues a ONEWAY message: no session, no reply.
func (e *Engine) SendOneway(h transport.Handle, function string, payload []byte) error {
	c, err := e.codecFor(h)
	if err != nil {
		return err
	}
	head := &codec.Head{
		Version:  codec.HeadVersion,
		MsgType:  codec.MsgOneway,
		Function: function,
	}
	data, err := c.Encode(head, payload)
	if err != nil {
		return err
	}
	if err := e.opts.Transport.Send(h, data); err != nil {
		return err
	}
	requestCount.WithLabelValues("out", "oneway").Inc()
	return nil
}

// BroadcastRequest fans a ONEWAY out to every destination of the channel
// and returns the number of successful sends. A non-zero overload signal
// fails the call immediately.
func (e *Engine) BroadcastRequest(channel, function string, payload []byte) (int, error) {
	if v := e.overload.Load(); v != 0 {
		return 0, errs.ErrTaskOverload.GenWithStackByArgs()
	}
	if e.broadcaster == nil {
		return 0, errs.ErrBroadcastFailed.GenWithStackByArgs(channel)
	}
	head := &codec.Head{
		Version:  codec.HeadVersion,
		MsgType:  codec.MsgOneway,
		Function: function,
	}
	return e.broadcaster.Publish(channel, head, payload)
}

// OnMessage decodes one inbound message and routes it. Fed by the update
// loop from transport poll events.
func (e *Engine) OnMessage(h transport.Handle, data []byte) {
	c, err := e.codecFor(h)
	if err != nil {
		log.Warn("message on handle without codec", zap.Uint64("handle", uint64(h)), zap.Error(err))
		return
	}
	head, payload, err := c.Decode(data)
	if err != nil {
		log.Warn("undecodable message dropped",
			zap.Uint64("handle", uint64(h)), zap.Error(err))
		return
	}

	switch head.MsgType {
	case codec.MsgCall, codec.MsgOneway:
		e.dispatch(h, c, head, payload)
	case codec.MsgReply:
		e.completeSession(head.SessionID, nil, payload)
	case codec.MsgException:
		exc, decErr := c.DecodeException(payload)
		if decErr != nil {
			log.Warn("undecodable exception dropped",
				zap.Uint64("session", head.SessionID), zap.Error(decErr))
			exc = &codec.Exception{Message: "undecodable exception"}
		}
		e.completeSession(head.SessionID,
			errs.ErrRecvException.FastGenByArgs(exc.Code, exc.Message), nil)
	default:
		log.Warn("message with unknown type dropped",
			zap.Uint64("handle", uint64(h)),
			zap.Uint8("type", uint8(head.MsgType)))
	}
}

// Update runs the timeout sweep. Sessions expire in deadline order; the
// walk stops at the first unexpired entry.
func (e *Engine) Update() {
	now := e.opts.Clock.Now()
	for e.timers.Len() > 0 {
		s := e.timers[0]
		if s.deadline.After(now) {
			break
		}
		heap.Pop(&e.timers)
		if _, ok := e.sessions[s.id]; !ok {
			// already answered
			continue
		}
		e.dropSession(s.id)
		timeoutCount.Inc()
		log.Debug("session timed out",
			zap.Uint64("session", s.id), zap.String("function", s.function))
		s.cb(errs.ErrRequestTimeout.FastGenByArgs(), nil)
	}
}

// Shutdown fails every outstanding session and refuses further requests.
func (e *Engine) Shutdown() {
	if e.closed {
		return
	}
	e.closed = true
	pending := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		pending = append(pending, s)
	}
	e.sessions = make(map[uint64]*session)
	e.timers = nil
	sessionGauge.Set(0)
	for _, s := range pending {
		s.cb(errs.ErrEngineClosed.FastGenByArgs(), nil)
	}
}

func (e *Engine) codecFor(h transport.Handle) (codec.Codec, error) {
	proto, err := e.opts.Transport.Protocol(h)
	if err != nil {
		return nil, err
	}
	return e.opts.Codecs.Get(proto)
}

func (e *Engine) completeSession(id uint64, err error, payload []byte) {
	s, ok := e.sessions[id]
	if !ok {
		// Expired earlier or never ours; consuming the bytes silently is
		// the contract.
		droppedReplyCount.Inc()
		log.Debug("reply for unknown session dropped", zap.Uint64("session", id))
		return
	}
	e.dropSession(id)
	requestCount.WithLabelValues("in", "reply").Inc()
	s.cb(err, payload)
}

func (e *Engine) dropSession(id uint64) {
	if _, ok := e.sessions[id]; ok {
		delete(e.sessions, id)
		sessionGauge.Dec()
	}
}
