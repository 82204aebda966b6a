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

package ctrl

import (
	"fmt"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/pingcap/fabricmesh/pkg/rpc"
	"github.com/pingcap/fabricmesh/pkg/transport"
	"github.com/stretchr/testify/require"
)

type harness struct {
	serverTr *transport.Transport
	serverE  *rpc.Engine
	clientTr *transport.Transport
	clientE  *rpc.Engine
	cli      transport.Handle
}

func newHarness(t *testing.T, svc *Service) *harness {
	t.Helper()
	h := &harness{}
	h.serverTr = transport.New(transport.Options{})
	t.Cleanup(h.serverTr.Shutdown)
	h.clientTr = transport.New(transport.Options{})
	t.Cleanup(h.clientTr.Shutdown)

	var err error
	h.serverE, err = rpc.NewEngine(rpc.Options{Transport: h.serverTr, Codecs: codec.NewRegistry()})
	require.NoError(t, err)
	h.clientE, err = rpc.NewEngine(rpc.Options{Transport: h.clientTr, Codecs: codec.NewRegistry()})
	require.NoError(t, err)
	require.NoError(t, svc.Attach(h.serverE))

	ln, err := h.serverTr.Bind("tcp://127.0.0.1:0", codec.ProtocolJSON)
	require.NoError(t, err)
	addr, err := h.serverTr.BoundAddr(ln)
	require.NoError(t, err)
	h.cli, err = h.clientTr.Connect(fmt.Sprintf("tcp://%s", addr.String()), codec.ProtocolJSON)
	require.NoError(t, err)
	return h
}

func (h *harness) pump() {
	for _, pair := range []struct {
		tr *transport.Transport
		e  *rpc.Engine
	}{{h.serverTr, h.serverE}, {h.clientTr, h.clientE}} {
		for {
			ev, ok := pair.tr.Poll(0)
			if !ok {
				break
			}
			if ev.Type != transport.EventMessage {
				continue
			}
			for {
				data, err := pair.tr.Recv(ev.Handle)
				if err != nil {
					break
				}
				pair.e.OnMessage(ev.Handle, data)
			}
		}
	}
}

func (h *harness) call(t *testing.T, cmd string, options []string) *response {
	t.Helper()
	body, err := json.Marshal(&request{Command: cmd, Options: options})
	require.NoError(t, err)

	var resp *response
	err = h.clientE.SendRequest(h.cli, ServiceName+":run", body, func(err error, payload []byte) {
		require.NoError(t, err)
		resp = &response{}
		require.NoError(t, json.Unmarshal(payload, resp))
	}, time.Second)
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && resp == nil {
		h.pump()
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, resp, "no control response")
	return resp
}

func TestBuiltinCommands(t *testing.T) {
	reloaded := 0
	quits := 0
	svc := NewService(Options{
		Reload: func() error { reloaded++; return nil },
		Stat:   func() string { return "sessions=0" },
		Quit:   func() { quits++ },
	})
	h := newHarness(t, svc)

	resp := h.call(t, "help", nil)
	require.EqualValues(t, 0, resp.RetCode)
	require.Contains(t, resp.Data, "reload")
	require.Contains(t, resp.Data, "quit")

	resp = h.call(t, "reload", nil)
	require.EqualValues(t, 0, resp.RetCode)
	require.Equal(t, 1, reloaded)

	resp = h.call(t, "stat", nil)
	require.Equal(t, "sessions=0", resp.Data)

	resp = h.call(t, "quit", nil)
	require.EqualValues(t, 0, resp.RetCode)
	require.Equal(t, 1, quits)
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, NewService(Options{}))
	resp := h.call(t, "frobnicate", nil)
	require.EqualValues(t, -1, resp.RetCode)
}

func TestRegisterCustomCommand(t *testing.T) {
	svc := NewService(Options{})
	require.NoError(t, svc.Register("echo", "echo the options", func(options []string) (int32, string) {
		return 0, fmt.Sprint(options)
	}))
	require.True(t, errs.ErrCommandExisted.Equal(
		svc.Register("echo", "again", func([]string) (int32, string) { return 0, "" })))
	require.True(t, errs.ErrCommandExisted.Equal(
		svc.Register("help", "shadow a builtin", func([]string) (int32, string) { return 0, "" })))

	h := newHarness(t, svc)
	resp := h.call(t, "echo", []string{"a", "b"})
	require.EqualValues(t, 0, resp.RetCode)
	require.Equal(t, "[a b]", resp.Data)
}
