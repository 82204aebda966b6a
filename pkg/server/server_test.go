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

package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/config"
	"github.com/pingcap/fabricmesh/pkg/naming"
	"github.com/pingcap/fabricmesh/pkg/rpc"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AppID = "testapp"
	cfg.TickInterval = config.Duration{Duration: time.Millisecond}
	cfg.Listen = []config.ListenConfig{{URL: "tcp://127.0.0.1:0", Protocol: "binary"}}
	return cfg
}

func listenerURL(t *testing.T, s *Server) string {
	t.Helper()
	require.NotEmpty(t, s.Listeners())
	addr, err := s.Transport().BoundAddr(s.Listeners()[0])
	require.NoError(t, err)
	return fmt.Sprintf("tcp://%s", addr.String())
}

func TestServerEchoEndToEnd(t *testing.T) {
	store := naming.NewMemStore()

	srv, err := New(Options{Config: testConfig(), Store: store})
	require.NoError(t, err)
	_, err = srv.Engine().RegisterService("Echo", func(req *rpc.Request) {
		require.NoError(t, req.Reply(req.Payload))
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()

	// The client node is ticked by hand from this goroutine.
	cliCfg := config.Default()
	cliCfg.TickInterval = config.Duration{Duration: time.Millisecond}
	cli, err := New(Options{Config: cliCfg, Store: store.NewSession()})
	require.NoError(t, err)
	defer cli.shutdown()

	h, err := cli.Transport().Connect(listenerURL(t, srv), codec.ProtocolBinary)
	require.NoError(t, err)

	var got []byte
	err = cli.Engine().SendRequest(h, "Echo:echo", []byte("hi"), func(err error, payload []byte) {
		require.NoError(t, err)
		got = payload
	}, time.Second)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && got == nil {
		cli.Tick(ctx)
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, []byte("hi"), got)

	// The server's session table drains back to zero.
	require.Eventually(t, func() bool {
		return srv.Engine().SessionCount() == 0
	}, time.Second, 10*time.Millisecond)

	srv.Stop()
	require.NoError(t, <-runDone)
}

func TestServerStop(t *testing.T) {
	srv, err := New(Options{Config: testConfig(), Store: naming.NewMemStore()})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	srv.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestAddRouterDuplicate(t *testing.T) {
	ctx := context.Background()
	store := naming.NewMemStore()
	srv, err := New(Options{Config: testConfig(), Store: store})
	require.NoError(t, err)
	defer srv.shutdown()

	nm := srv.Naming()
	require.NoError(t, nm.Register(ctx, "/testapp/svc", []string{listenerURL(t, srv)}, 1))

	r, err := srv.AddRouter(ctx, "/testapp/svc", 0, codec.ProtocolBinary)
	require.NoError(t, err)
	require.Len(t, r.Handles(), 1)

	_, err = srv.AddRouter(ctx, "/testapp/svc", 0, codec.ProtocolBinary)
	require.Error(t, err)
}
