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

package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/pingcap/fabricmesh/pkg/naming"
	"github.com/pingcap/fabricmesh/pkg/rpc"
	"github.com/pingcap/fabricmesh/pkg/transport"
	"github.com/stretchr/testify/require"
)

// server is one fabric node: transport, engine, naming and a channel
// manager, pumped by hand.
type server struct {
	tr  *transport.Transport
	e   *rpc.Engine
	nm  *naming.Naming
	mgr *Manager
	url string
}

func newServer(t *testing.T, store *naming.MemStore, instanceID int64) *server {
	t.Helper()
	tr := transport.New(transport.Options{})
	t.Cleanup(tr.Shutdown)

	ln, err := tr.Bind("tcp://127.0.0.1:0", codec.ProtocolBinary)
	require.NoError(t, err)
	addr, err := tr.BoundAddr(ln)
	require.NoError(t, err)
	url := fmt.Sprintf("tcp://%s", addr.String())

	codecs := codec.NewRegistry()
	e, err := rpc.NewEngine(rpc.Options{Transport: tr, Codecs: codecs})
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)

	nm, err := naming.New(naming.Options{Store: store.NewSession()})
	require.NoError(t, err)

	mgr, err := NewManager(Options{
		Transport:     tr,
		Codecs:        codecs,
		Naming:        nm,
		Root:          "/app",
		RelayURL:      url,
		RelayProtocol: codec.ProtocolBinary,
		InstanceID:    instanceID,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Attach(e))

	return &server{tr: tr, e: e, nm: nm, mgr: mgr, url: url}
}

// tick runs one update pass: transport events, naming events.
func (s *server) tick(ctx context.Context) {
	for {
		ev, ok := s.tr.Poll(0)
		if !ok {
			break
		}
		switch ev.Type {
		case transport.EventMessage:
			for {
				data, err := s.tr.Recv(ev.Handle)
				if err != nil {
					break
				}
				s.e.OnMessage(ev.Handle, data)
			}
		case transport.EventClosed:
			s.mgr.OnHandleClosed(ev.Handle)
		}
	}
	s.nm.Update(ctx)
	s.e.Update()
}

// client is a raw subscriber connection to one server.
type client struct {
	tr *transport.Transport
	h  transport.Handle
}

func newClient(t *testing.T, url string) *client {
	t.Helper()
	tr := transport.New(transport.Options{})
	t.Cleanup(tr.Shutdown)
	h, err := tr.Connect(url, codec.ProtocolBinary)
	require.NoError(t, err)
	return &client{tr: tr, h: h}
}

// acceptSubscriber waits for the server-side handle of a fresh client
// connection; the client must send one hello message to materialize it.
func acceptSubscriber(t *testing.T, s *server, c *client) transport.Handle {
	t.Helper()
	require.NoError(t, c.tr.Send(c.h, []byte("hello")))
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok := s.tr.Poll(50 * time.Millisecond)
		if !ok {
			continue
		}
		if ev.Type == transport.EventAccepted {
			// Drain the hello so it does not reach the engine.
			waitMessage(t, s.tr, ev.Handle)
			return ev.Handle
		}
	}
	t.Fatal("no accepted subscriber")
	return transport.InvalidHandle
}

func waitMessage(t *testing.T, tr *transport.Transport, h transport.Handle) []byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := tr.Recv(h); err == nil {
			return data
		}
		_, _ = tr.Poll(10 * time.Millisecond)
	}
	t.Fatal("no message within deadline")
	return nil
}

func decodeOneway(t *testing.T, data []byte) (*codec.Head, []byte) {
	t.Helper()
	c, err := codec.NewRegistry().Get(codec.ProtocolBinary)
	require.NoError(t, err)
	head, payload, err := c.Decode(data)
	require.NoError(t, err)
	return head, payload
}

func TestLocalFanOutCountsSubscribers(t *testing.T) {
	ctx := context.Background()
	store := naming.NewMemStore()
	s := newServer(t, store, 1)

	require.NoError(t, s.mgr.OpenChannel(ctx, "room"))
	c1 := newClient(t, s.url)
	c2 := newClient(t, s.url)
	h1 := acceptSubscriber(t, s, c1)
	h2 := acceptSubscriber(t, s, c2)
	require.NoError(t, s.mgr.JoinChannel("room", h1))
	require.NoError(t, s.mgr.JoinChannel("room", h2))
	require.Equal(t, 2, s.mgr.SubscriberCount("room"))

	// No peer relays: the count is exactly the local subscribers.
	n, err := s.mgr.Send("room", "Chat:push", []byte("m"), true)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	for _, c := range []*client{c1, c2} {
		head, payload := decodeOneway(t, waitMessage(t, c.tr, c.h))
		require.Equal(t, codec.MsgOneway, head.MsgType)
		require.Equal(t, "Chat:push", head.Function)
		require.Equal(t, []byte("m"), payload)
	}

	require.NoError(t, s.mgr.QuitChannel("room", h2))
	n, err = s.mgr.Send("room", "Chat:push", []byte("m2"), true)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRelayFanOutAcrossServers(t *testing.T) {
	ctx := context.Background()
	store := naming.NewMemStore()
	s1 := newServer(t, store, 1)
	s2 := newServer(t, store, 2)

	require.NoError(t, s1.mgr.OpenChannel(ctx, "c"))
	require.NoError(t, s2.mgr.OpenChannel(ctx, "c"))

	// Let both sides observe each other's membership.
	for i := 0; i < 20; i++ {
		s1.tick(ctx)
		s2.tick(ctx)
		time.Sleep(5 * time.Millisecond)
	}

	c1 := newClient(t, s1.url)
	c2 := newClient(t, s2.url)
	require.NoError(t, s1.mgr.JoinChannel("c", acceptSubscriber(t, s1, c1)))
	require.NoError(t, s2.mgr.JoinChannel("c", acceptSubscriber(t, s2, c2)))

	n, err := s1.mgr.Send("c", "Chat:push", []byte("hello"), true)
	require.NoError(t, err)
	require.Equal(t, 2, n, "one local subscriber, one peer relay")

	// C1 receives on the local path.
	head, payload := decodeOneway(t, waitMessage(t, c1.tr, c1.h))
	require.Equal(t, "Chat:push", head.Function)
	require.Equal(t, []byte("hello"), payload)

	// C2 receives via the relay once S2 has pumped it.
	var got []byte
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && got == nil {
		s1.tick(ctx)
		s2.tick(ctx)
		if data, err := c2.tr.Recv(c2.h); err == nil {
			got = data
		}
		_, _ = c2.tr.Poll(10 * time.Millisecond)
	}
	require.NotNil(t, got)
	head, payload = decodeOneway(t, got)
	require.Equal(t, "Chat:push", head.Function)
	require.Equal(t, []byte("hello"), payload)

	// No loop: nothing further arrives at C1.
	_, err = c1.tr.Recv(c1.h)
	require.True(t, errs.ErrRecvEmpty.Equal(err))
}

func TestChannelLifecycleErrors(t *testing.T) {
	ctx := context.Background()
	store := naming.NewMemStore()
	s := newServer(t, store, 1)

	require.True(t, errs.ErrChannelNotFound.Equal(s.mgr.JoinChannel("nope", 1)))
	_, err := s.mgr.Send("nope", "f:m", nil, false)
	require.True(t, errs.ErrChannelNotFound.Equal(err))

	require.NoError(t, s.mgr.OpenChannel(ctx, "dup"))
	require.True(t, errs.ErrChannelExisted.Equal(s.mgr.OpenChannel(ctx, "dup")))
	require.NoError(t, s.mgr.CloseChannel(ctx, "dup"))
	require.True(t, errs.ErrChannelNotFound.Equal(s.mgr.CloseChannel(ctx, "dup")))
}
