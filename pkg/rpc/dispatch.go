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
	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/pingcap/fabricmesh/pkg/sched"
	"github.com/pingcap/fabricmesh/pkg/transport"
	"go.uber.org/zap"
)

// Request is one inbound CALL or ONEWAY handed to a service handler.
type Request struct {
	Service string
	Method  string
	Payload []byte
	Handle  transport.Handle

	engine  *Engine
	codec   codec.Codec
	head    *codec.Head
	replied bool
}

// Oneway reports whether the request expects no reply.
func (r *Request) Oneway() bool {
	return r.head.MsgType == codec.MsgOneway
}

// Reply sends the successful response payload. At most one of Reply and
// Throw may be called; a reply to a ONEWAY is rejected.
func (r *Request) Reply(payload []byte) error {
	if r.Oneway() {
		return errs.ErrInvalidParam.GenWithStackByArgs("reply to a oneway request")
	}
	if r.replied {
		return errs.ErrInvalidParam.GenWithStackByArgs("request already replied")
	}
	r.replied = true
	head := &codec.Head{
		Version:   codec.HeadVersion,
		MsgType:   codec.MsgReply,
		SessionID: r.head.SessionID,
		Function:  r.head.Function,
	}
	data, err := r.codec.Encode(head, payload)
	if err != nil {
		return err
	}
	return r.engine.opts.Transport.Send(r.Handle, data)
}

// Throw sends an exception response carrying an error code and message.
func (r *Request) Throw(code int32, message string) error {
	if r.Oneway() {
		return errs.ErrInvalidParam.GenWithStackByArgs("throw to a oneway request")
	}
	if r.replied {
		return errs.ErrInvalidParam.GenWithStackByArgs("request already replied")
	}
	r.replied = true
	return r.engine.sendException(r.Handle, r.codec, r.head, code, message)
}

func (e *Engine) sendException(
	h transport.Handle,
	c codec.Codec,
	reqHead *codec.Head,
	code int32,
	message string,
) error {
	body, err := c.EncodeException(&codec.Exception{Code: code, Message: message})
	if err != nil {
		return err
	}
	head := &codec.Head{
		Version:   codec.HeadVersion,
		MsgType:   codec.MsgException,
		SessionID: reqHead.SessionID,
		Function:  reqHead.Function,
	}
	data, err := c.Encode(head, body)
	if err != nil {
		return err
	}
	return e.opts.Transport.Send(h, data)
}

// exception codes carried on the wire for dispatch failures.
const (
	excFunctionUnsupported int32 = -1006
	excSystemError         int32 = -1011
)

func (e *Engine) dispatch(h transport.Handle, c codec.Codec, head *codec.Head, payload []byte) {
	service, method := codec.SplitFunction(head.Function)
	handler, ok := e.services[service]
	if !ok {
		if head.MsgType == codec.MsgOneway {
			// Nobody to tell; dropping is the contract.
			log.Debug("oneway for unknown service dropped",
				zap.String("function", head.Function))
			return
		}
		if err := e.sendException(h, c, head, excFunctionUnsupported,
			errs.ErrFunctionUnsupported.FastGenByArgs(head.Function).Error()); err != nil {
			log.Warn("failed to send exception reply",
				zap.String("function", head.Function), zap.Error(err))
		}
		return
	}

	kind := "oneway"
	if head.MsgType == codec.MsgCall {
		kind = "call"
	}
	requestCount.WithLabelValues("in", kind).Inc()

	req := &Request{
		Service: service,
		Method:  method,
		Payload: payload,
		Handle:  h,
		engine:  e,
		codec:   c,
		head:    head,
	}

	// CALL handlers get a task of their own so they can suspend on
	// synchronous requests. ONEWAYs never reply, so they run inline.
	if head.MsgType == codec.MsgCall && e.opts.Scheduler != nil {
		taskID := e.opts.Scheduler.NewTask(func() {
			e.runHandler(handler, req)
		})
		if taskID != sched.NoTask {
			if err := e.opts.Scheduler.Resume(taskID); err != nil {
				log.Error("failed to start handler task",
					zap.String("function", head.Function), zap.Error(err))
			}
			return
		}
	}
	e.runHandler(handler, req)
}

func (e *Engine) runHandler(handler Handler, req *Request) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("service handler panicked",
				zap.String("function", req.head.Function),
				zap.Any("panic", r))
			if !req.Oneway() && !req.replied {
				_ = req.Throw(excSystemError, errs.ErrSystemError.FastGenByArgs().Error())
			}
		}
	}()
	handler(req)
}
