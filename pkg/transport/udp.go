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
	"net"

	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"go.uber.org/zap"
)

// One datagram is one message; no framing, no reliability, no ordering.
const maxDatagramSize = 64 * 1024

func (t *Transport) bindUDP(url, addr string, proto codec.Protocol) (Handle, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return InvalidHandle, errs.WrapError(errs.ErrBindFailed, err, url)
	}
	c := t.newConn(kindListener, SchemeUDP, url, proto)
	c.pc = pc
	t.wg.Add(2)
	go t.writerLoop(c)
	go t.udpListenerLoop(c)
	log.Info("udp listener bound", zap.String("url", url), zap.Uint64("handle", uint64(c.h)))
	return c.h, nil
}

func (t *Transport) connectUDP(url, addr string, proto codec.Protocol) (Handle, error) {
	nc, err := net.Dial("udp", addr)
	if err != nil {
		return InvalidHandle, errs.WrapError(errs.ErrConnectFailed, err, url)
	}
	c := t.newConn(kindConnected, SchemeUDP, url, proto)
	c.nc = nc
	t.wg.Add(2)
	go t.writerLoop(c)
	go t.udpPeerLoop(c)
	return c.h, nil
}

// udpListenerLoop receives datagrams on a bound socket. Messages from all
// sources multiplex onto the listener handle; the latest source address is
// remembered so a reply Send goes back to it.
func (t *Transport) udpListenerLoop(c *conn) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.pc.ReadFrom(buf)
		if err != nil {
			if !c.isClosed() {
				t.closeConn(c, errs.WrapError(errs.ErrRecvInvalidData, err, "udp read"), true)
			}
			return
		}
		c.ioMu.Lock()
		c.udpPeer = from
		c.ioMu.Unlock()
		msg := make([]byte, n)
		copy(msg, buf[:n])
		t.deliver(c, msg)
	}
}

func (t *Transport) udpPeerLoop(c *conn) {
	defer t.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		nc, _ := c.current()
		if nc == nil {
			return
		}
		n, err := nc.Read(buf)
		if err != nil {
			if !c.isClosed() {
				t.closeConn(c, errs.WrapError(errs.ErrRecvInvalidData, err, "udp read"), true)
			}
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		t.deliver(c, msg)
	}
}

func (t *Transport) writeUDP(c *conn, frags [][]byte) error {
	msg := joinFrags(frags)
	if c.kind == kindListener {
		c.ioMu.Lock()
		peer := c.udpPeer
		c.ioMu.Unlock()
		if peer == nil {
			log.Warn("udp send with no known peer", zap.Uint64("handle", uint64(c.h)))
			return nil
		}
		if _, err := c.pc.WriteTo(msg, peer); err != nil {
			t.closeConn(c, errs.WrapError(errs.ErrSendFailed, err), true)
			return errs.WrapError(errs.ErrSendFailed, err)
		}
		return nil
	}
	nc, _ := c.current()
	if nc == nil {
		return errs.ErrSendFailed.GenWithStackByArgs()
	}
	if _, err := nc.Write(msg); err != nil {
		t.closeConn(c, errs.WrapError(errs.ErrSendFailed, err), true)
		return errs.WrapError(errs.ErrSendFailed, err)
	}
	return nil
}
