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
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, tr *Transport, typ EventType) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok := tr.Poll(100 * time.Millisecond)
		if !ok {
			continue
		}
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %v event within deadline", typ)
	return Event{}
}

func boundURL(t *testing.T, tr *Transport, scheme string, h Handle) string {
	t.Helper()
	addr, err := tr.BoundAddr(h)
	require.NoError(t, err)
	return fmt.Sprintf("%s://%s", scheme, addr.String())
}

func TestTCPEcho(t *testing.T) {
	tr := New(Options{})
	defer tr.Shutdown()

	ln, err := tr.Bind("tcp://127.0.0.1:0", codec.ProtocolBinary)
	require.NoError(t, err)

	cli, err := tr.Connect(boundURL(t, tr, "tcp", ln), codec.ProtocolBinary)
	require.NoError(t, err)

	require.NoError(t, tr.Send(cli, []byte("hi")))

	accepted := waitEvent(t, tr, EventAccepted)
	require.Equal(t, ln, accepted.Listener)

	proto, err := tr.Protocol(accepted.Handle)
	require.NoError(t, err)
	require.Equal(t, codec.ProtocolBinary, proto)

	waitEvent(t, tr, EventMessage)
	msg, err := tr.Recv(accepted.Handle)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), msg)

	// Echo it back via SendV fragments.
	require.NoError(t, tr.SendV(accepted.Handle, [][]byte{[]byte("h"), []byte("i")}))
	waitEvent(t, tr, EventMessage)

	// Peek leaves the message in place; Pop removes it.
	peeked, err := tr.Peek(cli)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), peeked)
	require.NoError(t, tr.Pop(cli))
	_, err = tr.Recv(cli)
	require.True(t, errs.ErrRecvEmpty.Equal(err))
}

func TestUDPEcho(t *testing.T) {
	tr := New(Options{})
	defer tr.Shutdown()

	srv, err := tr.Bind("udp://127.0.0.1:0", codec.ProtocolJSON)
	require.NoError(t, err)

	cli, err := tr.Connect(boundURL(t, tr, "udp", srv), codec.ProtocolJSON)
	require.NoError(t, err)

	require.NoError(t, tr.Send(cli, []byte("ping")))
	waitEvent(t, tr, EventMessage)
	msg, err := tr.Recv(srv)
	require.NoError(t, err)
	require.Equal(t, []byte("ping"), msg)

	// The listener replies to the latest datagram source.
	require.NoError(t, tr.Send(srv, []byte("pong")))
	waitEvent(t, tr, EventMessage)
	msg, err = tr.Recv(cli)
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), msg)
}

func TestHTTPRequestResponse(t *testing.T) {
	tr := New(Options{})
	defer tr.Shutdown()

	srv, err := tr.Bind("http://127.0.0.1:0", codec.ProtocolJSON)
	require.NoError(t, err)

	cli, err := tr.Connect(boundURL(t, tr, "http", srv), codec.ProtocolJSON)
	require.NoError(t, err)

	require.NoError(t, tr.Send(cli, []byte(`{"q":1}`)))

	accepted := waitEvent(t, tr, EventAccepted)
	require.Equal(t, srv, accepted.Listener)
	waitEvent(t, tr, EventMessage)
	msg, err := tr.Recv(accepted.Handle)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"q":1}`), msg)

	require.NoError(t, tr.Send(accepted.Handle, []byte(`{"a":2}`)))
	waitEvent(t, tr, EventMessage)
	reply, err := tr.Recv(cli)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":2}`), reply)
}

func TestCloseSemantics(t *testing.T) {
	tr := New(Options{})
	defer tr.Shutdown()

	ln, err := tr.Bind("tcp://127.0.0.1:0", codec.ProtocolBinary)
	require.NoError(t, err)
	cli, err := tr.Connect(boundURL(t, tr, "tcp", ln), codec.ProtocolBinary)
	require.NoError(t, err)

	tr.Close(cli)
	tr.Close(cli) // idempotent

	require.True(t, errs.ErrSendFailed.Equal(tr.Send(cli, []byte("x"))))
	_, err = tr.Recv(cli)
	require.True(t, errs.ErrUnknownConnection.Equal(err))
}

func TestHandleGenerationPreventsReuse(t *testing.T) {
	tr := New(Options{})
	defer tr.Shutdown()

	ln, err := tr.Bind("tcp://127.0.0.1:0", codec.ProtocolBinary)
	require.NoError(t, err)
	url := boundURL(t, tr, "tcp", ln)

	old, err := tr.Connect(url, codec.ProtocolBinary)
	require.NoError(t, err)
	tr.Close(old)

	// The slot is recycled with a bumped generation; the stale handle must
	// not resolve to the new connection.
	fresh, err := tr.Connect(url, codec.ProtocolBinary)
	require.NoError(t, err)
	require.NotEqual(t, old, fresh)
	require.True(t, errs.ErrSendFailed.Equal(tr.Send(old, []byte("x"))))
	require.NoError(t, tr.Send(fresh, []byte("x")))
}

func TestSendQueueSaturation(t *testing.T) {
	tr := New(Options{SendQueueLen: 1})
	defer tr.Shutdown()

	ln, err := tr.Bind("tcp://127.0.0.1:0", codec.ProtocolBinary)
	require.NoError(t, err)
	cli, err := tr.Connect(boundURL(t, tr, "tcp", ln), codec.ProtocolBinary)
	require.NoError(t, err)

	// The peer never drains, so large sends eventually wedge the writer in
	// the kernel and the one-slot queue overflows.
	payload := bytes.Repeat([]byte{0xab}, 1<<20)
	sawFull := false
	for i := 0; i < 64 && !sawFull; i++ {
		if sendErr := tr.Send(cli, payload); sendErr != nil {
			require.True(t, errs.ErrSendBufferFull.Equal(sendErr))
			sawFull = true
		}
	}
	require.True(t, sawFull, "expected the bounded send queue to overflow")
}

func TestIdleSweep(t *testing.T) {
	mock := clock.NewMock()
	vetoed := make(map[Handle]bool)
	veto := true
	tr := New(Options{
		IdleTimeout: 100 * time.Second,
		Clock:       mock,
		OnIdle: func(h Handle) bool {
			if veto {
				vetoed[h] = true
				return false
			}
			return true
		},
	})
	defer tr.Shutdown()

	ln, err := tr.Bind("tcp://127.0.0.1:0", codec.ProtocolBinary)
	require.NoError(t, err)
	cli, err := tr.Connect(boundURL(t, tr, "tcp", ln), codec.ProtocolBinary)
	require.NoError(t, err)

	// Not idle yet: nothing happens.
	mock.Add(50 * time.Second)
	tr.CheckIdle()
	require.Empty(t, vetoed)
	require.NoError(t, tr.Send(cli, []byte("x")))

	// Past the timeout the callback runs; a veto re-stamps the handle.
	mock.Add(200 * time.Second)
	tr.CheckIdle()
	require.True(t, vetoed[cli])
	_, err = tr.Recv(cli)
	require.True(t, errs.ErrRecvEmpty.Equal(err), "vetoed handle must stay alive")

	// Without the veto the handle is evicted.
	veto = false
	mock.Add(200 * time.Second)
	tr.CheckIdle()
	require.True(t, errs.ErrSendFailed.Equal(tr.Send(cli, []byte("x"))))
}
