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
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/pingcap/fabricmesh/pkg/sched"
	"github.com/pingcap/fabricmesh/pkg/transport"
	"github.com/stretchr/testify/require"
)

// node bundles one transport and one engine, pumped by hand the way the
// update loop would.
type node struct {
	tr *transport.Transport
	e  *Engine
	s  *sched.Scheduler
}

func newNode(t *testing.T, clk clock.Clock) *node {
	t.Helper()
	tr := transport.New(transport.Options{})
	s := sched.Open()
	e, err := NewEngine(Options{
		Transport: tr,
		Codecs:    codec.NewRegistry(),
		Scheduler: s,
		Clock:     clk,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Shutdown()
		s.Close()
		tr.Shutdown()
	})
	return &node{tr: tr, e: e, s: s}
}

// pump drains transport events into the engine once.
func (n *node) pump() {
	for {
		ev, ok := n.tr.Poll(0)
		if !ok {
			return
		}
		if ev.Type != transport.EventMessage {
			continue
		}
		for {
			data, err := n.tr.Recv(ev.Handle)
			if err != nil {
				break
			}
			n.e.OnMessage(ev.Handle, data)
		}
	}
}

// pumpUntil pumps both nodes until cond holds or the deadline passes.
func pumpUntil(t *testing.T, cond func() bool, nodes ...*node) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range nodes {
			n.pump()
			n.e.Update()
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func bindAndConnect(t *testing.T, server, client *node) (lnURL string, cli transport.Handle) {
	t.Helper()
	ln, err := server.tr.Bind("tcp://127.0.0.1:0", codec.ProtocolBinary)
	require.NoError(t, err)
	addr, err := server.tr.BoundAddr(ln)
	require.NoError(t, err)
	url := fmt.Sprintf("tcp://%s", addr.String())
	cli, err = client.tr.Connect(url, codec.ProtocolBinary)
	require.NoError(t, err)
	return url, cli
}

func TestEchoCall(t *testing.T) {
	server := newNode(t, nil)
	client := newNode(t, nil)
	_, cli := bindAndConnect(t, server, client)

	_, err := server.e.RegisterService("Echo", func(req *Request) {
		require.Equal(t, "echo", req.Method)
		require.NoError(t, req.Reply(req.Payload))
	})
	require.NoError(t, err)

	var (
		fired   int
		gotErr  error
		gotBody []byte
	)
	err = client.e.SendRequest(cli, "Echo:echo", []byte("hi"), func(err error, payload []byte) {
		fired++
		gotErr = err
		gotBody = payload
	}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, client.e.SessionCount())

	pumpUntil(t, func() bool { return fired > 0 }, server, client)
	require.Equal(t, 1, fired)
	require.NoError(t, gotErr)
	require.Equal(t, []byte("hi"), gotBody)
	require.Equal(t, 0, client.e.SessionCount())
	require.Equal(t, 0, server.e.SessionCount())
}

func TestOnewayToUnknownServiceIsDropped(t *testing.T) {
	server := newNode(t, nil)
	client := newNode(t, nil)
	_, cli := bindAndConnect(t, server, client)

	require.NoError(t, client.e.SendOneway(cli, "Nope:x", nil))

	// Give the message time to arrive and be dropped.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		server.pump()
		client.pump()
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 0, server.e.SessionCount())
	require.Equal(t, 0, client.e.SessionCount())
}

func TestCallToUnknownServiceGetsException(t *testing.T) {
	server := newNode(t, nil)
	client := newNode(t, nil)
	_, cli := bindAndConnect(t, server, client)

	var fired int
	var gotErr error
	err := client.e.SendRequest(cli, "Nope:x", nil, func(err error, _ []byte) {
		fired++
		gotErr = err
	}, time.Second)
	require.NoError(t, err)

	pumpUntil(t, func() bool { return fired > 0 }, server, client)
	require.True(t, errs.ErrRecvException.Equal(gotErr))
	require.Equal(t, 0, client.e.SessionCount())
}

func TestRequestTimeoutAndLateReplyDropped(t *testing.T) {
	mock := clock.NewMock()
	server := newNode(t, nil)
	client := newNode(t, mock)
	_, cli := bindAndConnect(t, server, client)

	// The server never answers: no service registered, oneway semantics
	// not involved; we just let the exception reply go to a black hole by
	// not pumping the server at all.
	var fired int
	var gotErr error
	err := client.e.SendRequest(cli, "Slow:op", nil, func(err error, _ []byte) {
		fired++
		gotErr = err
	}, 100*time.Millisecond)
	require.NoError(t, err)
	sessionID := client.e.nextSessionID

	mock.Add(99 * time.Millisecond)
	client.e.Update()
	require.Equal(t, 0, fired)

	mock.Add(2 * time.Millisecond)
	client.e.Update()
	require.Equal(t, 1, fired)
	require.True(t, errs.ErrRequestTimeout.Equal(gotErr))
	require.Equal(t, 0, client.e.SessionCount())

	// A reply arriving after the timeout is consumed without effect.
	c, err := codec.NewRegistry().Get(codec.ProtocolBinary)
	require.NoError(t, err)
	late, err := c.Encode(&codec.Head{
		Version:   codec.HeadVersion,
		MsgType:   codec.MsgReply,
		SessionID: sessionID,
		Function:  "Slow:op",
	}, []byte("late"))
	require.NoError(t, err)
	client.e.OnMessage(cli, late)
	require.Equal(t, 1, fired)
}

func TestZeroTimeoutCoercedToDefault(t *testing.T) {
	mock := clock.NewMock()
	server := newNode(t, nil)
	client := newNode(t, mock)
	_, cli := bindAndConnect(t, server, client)

	var fired int
	err := client.e.SendRequest(cli, "Slow:op", nil, func(error, []byte) {
		fired++
	}, 0)
	require.NoError(t, err)

	mock.Add(DefaultRequestTimeout - time.Millisecond)
	client.e.Update()
	require.Equal(t, 0, fired)

	mock.Add(2 * time.Millisecond)
	client.e.Update()
	require.Equal(t, 1, fired)
}

func TestSendRequestSync(t *testing.T) {
	server := newNode(t, nil)
	client := newNode(t, nil)
	_, cli := bindAndConnect(t, server, client)

	_, err := server.e.RegisterService("Echo", func(req *Request) {
		require.NoError(t, req.Reply(append([]byte("re:"), req.Payload...)))
	})
	require.NoError(t, err)

	var (
		done    bool
		gotErr  error
		gotBody []byte
	)
	taskID := client.s.NewTask(func() {
		gotBody, gotErr = client.e.SendRequestSync(cli, "Echo:echo", []byte("hi"), time.Second)
		done = true
	})
	require.NoError(t, client.s.Resume(taskID))
	require.False(t, done, "task must be suspended on the in-flight request")

	pumpUntil(t, func() bool { return done }, server, client)
	require.NoError(t, gotErr)
	require.Equal(t, []byte("re:hi"), gotBody)
	require.Equal(t, 0, client.e.SessionCount())
}

func TestSendRequestSyncOutsideTask(t *testing.T) {
	client := newNode(t, nil)
	_, err := client.e.SendRequestSync(transport.InvalidHandle, "Echo:echo", nil, time.Second)
	require.True(t, errs.ErrNotInTask.Equal(err))
}

func TestDuplicateRegisterReplacesWithWarning(t *testing.T) {
	n := newNode(t, nil)
	_, err := n.e.RegisterService("Svc", func(*Request) {})
	require.NoError(t, err)
	name, err := n.e.RegisterService("Svc", func(*Request) {})
	require.Equal(t, "Svc", name)
	require.True(t, errs.ErrFunctionExisted.Equal(err))

	require.NoError(t, n.e.UnregisterService("Svc"))
	require.True(t, errs.ErrFunctionUnexisted.Equal(n.e.UnregisterService("Svc")))
}

func TestShutdownFailsPendingSessions(t *testing.T) {
	server := newNode(t, nil)
	client := newNode(t, nil)
	_, cli := bindAndConnect(t, server, client)

	var fired int
	var gotErr error
	err := client.e.SendRequest(cli, "Slow:op", nil, func(err error, _ []byte) {
		fired++
		gotErr = err
	}, time.Minute)
	require.NoError(t, err)

	client.e.Shutdown()
	require.Equal(t, 1, fired)
	require.True(t, errs.ErrEngineClosed.Equal(gotErr))
	require.Equal(t, 0, client.e.SessionCount())
}

func TestBroadcastOverloadGate(t *testing.T) {
	n := newNode(t, nil)
	n.e.SetOverload(7)
	_, err := n.e.BroadcastRequest("chan", "Svc:ev", nil)
	require.True(t, errs.ErrTaskOverload.Equal(err))
	require.EqualValues(t, 7, n.e.Overload())
}
