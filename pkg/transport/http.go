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
	"io"
	"net"
	"net/http"

	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"go.uber.org/zap"
)

// HTTP mapping: one POST carries one request message; the 200 response
// body carries one response message. A server-side request is exposed as a
// short-lived accepted handle that stays alive until the reply Send or the
// reply timeout. Client connections are one-shot.

func (t *Transport) bindHTTP(url, addr string, proto codec.Protocol) (Handle, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return InvalidHandle, errs.WrapError(errs.ErrBindFailed, err, url)
	}
	c := t.newConn(kindListener, SchemeHTTP, url, proto)
	c.ln = ln
	c.httpSrv = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.serveHTTPRequest(c, w, r)
		}),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if serveErr := c.httpSrv.Serve(ln); serveErr != nil && !c.isClosed() {
			log.Warn("http listener stopped", zap.String("url", c.url), zap.Error(serveErr))
			t.closeConn(c, errs.WrapError(errs.ErrBindFailed, serveErr, c.url), true)
		}
	}()
	log.Info("http listener bound", zap.String("url", url), zap.Uint64("handle", uint64(c.h)))
	return c.h, nil
}

func (t *Transport) connectHTTP(url, addr string, proto codec.Protocol) (Handle, error) {
	c := t.newConn(kindConnected, SchemeHTTP, url, proto)
	c.httpClient = &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	t.wg.Add(1)
	go t.writerLoop(c)
	return c.h, nil
}

func (t *Transport) serveHTTPRequest(lc *conn, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(t.opts.MaxRecvMsgSize)+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if len(body) > t.opts.MaxRecvMsgSize {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	c := t.newConn(kindAccepted, SchemeHTTP, lc.url, lc.proto)
	c.httpReply = make(chan []byte, 1)
	t.wg.Add(1)
	go t.writerLoop(c)
	t.emit(Event{Handle: c.h, Type: EventAccepted, Listener: lc.h})
	t.deliver(c, body)

	timer := t.opts.Clock.Timer(t.opts.HTTPReplyTimeout)
	defer timer.Stop()
	defer t.closeConn(c, nil, false)
	select {
	case reply := <-c.httpReply:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(reply)
	case <-timer.C:
		w.WriteHeader(http.StatusGatewayTimeout)
	case <-c.done:
		w.WriteHeader(http.StatusServiceUnavailable)
	case <-lc.done:
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

func (t *Transport) writeHTTP(c *conn, frags [][]byte) error {
	msg := joinFrags(frags)
	if c.kind == kindAccepted {
		select {
		case c.httpReply <- msg:
			return nil
		default:
			return errs.ErrSendFailed.GenWithStackByArgs()
		}
	}

	resp, err := c.httpClient.Post(c.url, "application/octet-stream", bytes.NewReader(msg))
	if err != nil {
		t.closeConn(c, errs.WrapError(errs.ErrSendFailed, err), true)
		return errs.WrapError(errs.ErrSendFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		log.Warn("http request rejected",
			zap.Uint64("handle", uint64(c.h)),
			zap.String("url", c.url),
			zap.Int("status", resp.StatusCode))
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.opts.MaxRecvMsgSize)))
	if err != nil {
		return errs.WrapError(errs.ErrRecvInvalidData, err, "http response")
	}
	t.deliver(c, body)
	return nil
}
