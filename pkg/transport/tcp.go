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
	"bufio"
	"net"
	"time"

	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"go.uber.org/zap"
)

const tcpDialTimeout = 5 * time.Second

func (t *Transport) bindTCP(url, addr string, proto codec.Protocol) (Handle, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return InvalidHandle, errs.WrapError(errs.ErrBindFailed, err, url)
	}
	c := t.newConn(kindListener, SchemeTCP, url, proto)
	c.ln = ln
	t.wg.Add(1)
	go t.acceptLoop(c)
	log.Info("tcp listener bound", zap.String("url", url), zap.Uint64("handle", uint64(c.h)))
	return c.h, nil
}

func (t *Transport) connectTCP(url, addr string, proto codec.Protocol) (Handle, error) {
	dial := func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, tcpDialTimeout)
	}
	nc, err := dial()
	if err != nil {
		return InvalidHandle, errs.WrapError(errs.ErrConnectFailed, err, url)
	}
	c := t.newConn(kindConnected, SchemeTCP, url, proto)
	c.nc = nc
	c.dial = dial
	t.wg.Add(2)
	go t.writerLoop(c)
	go t.tcpReaderLoop(c)
	log.Info("tcp peer connected", zap.String("url", url), zap.Uint64("handle", uint64(c.h)))
	return c.h, nil
}

func (t *Transport) acceptLoop(lc *conn) {
	defer t.wg.Done()
	for {
		nc, err := lc.ln.Accept()
		if err != nil {
			if !lc.isClosed() {
				log.Warn("tcp accept failed", zap.String("url", lc.url), zap.Error(err))
				t.closeConn(lc, errs.WrapError(errs.ErrBindFailed, err, lc.url), true)
			}
			return
		}
		c := t.newConn(kindAccepted, SchemeTCP, lc.url, lc.proto)
		c.nc = nc
		// The accepted event must precede any message event of this peer.
		t.emit(Event{Handle: c.h, Type: EventAccepted, Listener: lc.h})
		t.wg.Add(2)
		go t.writerLoop(c)
		go t.tcpReaderLoop(c)
	}
}

func (t *Transport) tcpReaderLoop(c *conn) {
	defer t.wg.Done()
	for {
		nc, epoch := c.current()
		if nc == nil {
			return
		}
		br := bufio.NewReader(nc)
		for {
			payload, err := readFrame(br, t.opts.MaxRecvMsgSize)
			if err == nil {
				t.deliver(c, payload)
				continue
			}
			if c.isClosed() {
				return
			}
			if errs.Is(err, errs.ErrRecvInvalidData) || errs.Is(err, errs.ErrRecvBufferNotEnough) {
				log.Warn("closing tcp connection on framing error",
					zap.Uint64("handle", uint64(c.h)), zap.Error(err))
				t.closeConn(c, err, true)
				return
			}
			if !t.tryReconnect(c, epoch) {
				t.closeConn(c, errs.WrapError(errs.ErrSendFailed, err), true)
				return
			}
			break // re-fetch the stream after a reconnect
		}
	}
}

func (t *Transport) writeTCP(c *conn, frags [][]byte) error {
	for {
		nc, epoch := c.current()
		if nc == nil {
			return errs.ErrSendFailed.GenWithStackByArgs()
		}
		err := writeFrame(nc, frags...)
		if err == nil {
			return nil
		}
		if c.isClosed() {
			return errs.ErrSendFailed.GenWithStackByArgs()
		}
		if !t.tryReconnect(c, epoch) {
			t.closeConn(c, errs.WrapError(errs.ErrSendFailed, err), true)
			return errs.WrapError(errs.ErrSendFailed, err)
		}
	}
}

// tryReconnect re-dials a connected handle after a stream error. The epoch
// guard makes concurrent attempts from the reader and writer idempotent:
// whoever loses observes the bumped epoch and reuses the fresh stream.
func (t *Transport) tryReconnect(c *conn, fromEpoch int) bool {
	c.ioMu.Lock()
	if c.epoch != fromEpoch {
		c.ioMu.Unlock()
		return true
	}
	if c.kind != kindConnected || c.dial == nil {
		c.ioMu.Unlock()
		return false
	}
	for c.reconnectsUsed < t.opts.MaxReconnect {
		c.reconnectsUsed++
		reconnectCount.Inc()
		nc, err := c.dial()
		if err != nil {
			log.Warn("reconnect attempt failed",
				zap.Uint64("handle", uint64(c.h)),
				zap.String("url", c.url),
				zap.Int("attempt", c.reconnectsUsed),
				zap.Error(err))
			continue
		}
		old := c.nc
		c.nc = nc
		c.epoch++
		c.ioMu.Unlock()
		if old != nil {
			_ = old.Close()
		}
		log.Info("reconnected",
			zap.Uint64("handle", uint64(c.h)), zap.String("url", c.url))
		return true
	}
	c.ioMu.Unlock()
	return false
}
