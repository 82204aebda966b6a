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

// Package transport unifies framed TCP, UDP datagrams and HTTP/1.1
// request-response behind a single handle-based API. I/O runs on internal
// goroutines; completed messages and connection events are delivered
// through Poll, so the caller can drive everything from one update loop.
package transport

import (
	"container/list"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Handle identifies one endpoint of the transport. The low 48 bits index a
// slot, the high 16 bits carry the slot's generation so a handle that
// outlived its connection is detectable.
type Handle uint64

// InvalidHandle is never returned for a live endpoint.
const InvalidHandle Handle = 0

const (
	handleIndexBits = 48
	handleIndexMask = (uint64(1) << handleIndexBits) - 1
)

func makeHandle(index int, gen uint16) Handle {
	return Handle(uint64(gen)<<handleIndexBits | uint64(index))
}

// EventType classifies one Poll event.
type EventType int

// Poll event types.
const (
	// EventAccepted reports a new server-side peer handle.
	EventAccepted EventType = iota + 1
	// EventMessage reports that a complete message is readable on Handle.
	EventMessage
	// EventClosed reports that Handle was closed by the peer, by an
	// unrecoverable error, or by the idle sweep.
	EventClosed
)

// Event is one readiness notification.
type Event struct {
	Handle   Handle
	Type     EventType
	Listener Handle // for EventAccepted, the listener the peer arrived on
	Err      error  // for EventClosed, the cause (nil for orderly close)
}

type connKind int

const (
	kindListener connKind = iota
	kindAccepted
	kindConnected
)

func (k connKind) String() string {
	switch k {
	case kindListener:
		return "listener"
	case kindAccepted:
		return "accepted"
	case kindConnected:
		return "connected"
	}
	return "unknown"
}

// Options configures a Transport. The zero value picks the documented
// defaults.
type Options struct {
	// SendQueueLen bounds the per-handle FIFO of pending sends. Defaults
	// to 10000 entries.
	SendQueueLen int
	// MaxRecvMsgSize caps a single inbound message. Defaults to 2 MiB.
	MaxRecvMsgSize int
	// MaxReconnect bounds automatic reconnects of a connected TCP handle
	// over its lifetime. Defaults to 3.
	MaxReconnect int
	// IdleTimeout is the inactivity span after which a peer handle becomes
	// an eviction candidate. Defaults to 100s.
	IdleTimeout time.Duration
	// EventQueueLen bounds the Poll event queue. Defaults to 4096.
	EventQueueLen int
	// HTTPReplyTimeout bounds how long an HTTP request handle waits for
	// the reply Send. Defaults to 60s.
	HTTPReplyTimeout time.Duration
	// OnIdle is consulted before evicting an idle peer. Returning false
	// vetoes the eviction and re-stamps the handle. Nil accepts all.
	OnIdle func(Handle) bool
	// Clock is the time source for idle tracking. Defaults to the wall
	// clock; tests inject a mock.
	Clock clock.Clock
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.SendQueueLen <= 0 {
		out.SendQueueLen = 10000
	}
	if out.MaxRecvMsgSize <= 0 {
		out.MaxRecvMsgSize = 2 * 1024 * 1024
	}
	if out.MaxReconnect < 0 {
		out.MaxReconnect = 0
	} else if out.MaxReconnect == 0 {
		out.MaxReconnect = 3
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 100 * time.Second
	}
	if out.EventQueueLen <= 0 {
		out.EventQueueLen = 4096
	}
	if out.HTTPReplyTimeout <= 0 {
		out.HTTPReplyTimeout = 60 * time.Second
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	return out
}

type conn struct {
	h      Handle
	kind   connKind
	scheme string
	url    string
	proto  codec.Protocol

	inMu  sync.Mutex
	inbox [][]byte

	sendQ chan [][]byte
	done  chan struct{}

	closeOnce sync.Once

	// stream state, guarded by ioMu
	ioMu           sync.Mutex
	nc             net.Conn
	epoch          int
	reconnectsUsed int
	dial           func() (net.Conn, error)

	// listener state
	ln      net.Listener
	httpSrv *http.Server
	pc      net.PacketConn

	// latest datagram source on a UDP listener, guarded by ioMu
	udpPeer net.Addr

	// one-shot reply channel of a server-side HTTP request handle
	httpReply chan []byte
	// http client bits
	httpClient *http.Client

	// idle tracking, guarded by the transport's idle mutex
	idleElem   *list.Element
	lastActive time.Time

	metricsIn  prometheus.Counter
	metricsOut prometheus.Counter
}

func (c *conn) current() (net.Conn, int) {
	c.ioMu.Lock()
	defer c.ioMu.Unlock()
	return c.nc, c.epoch
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Transport owns the handle table and all I/O goroutines.
type Transport struct {
	opts Options

	mu    sync.Mutex
	slots []*conn
	gens  []uint16
	free  []int

	events chan Event
	done   chan struct{}

	idleMu   sync.Mutex
	idleList *list.List // *conn, front = oldest

	wg sync.WaitGroup
}

// New creates a Transport.
func New(opts Options) *Transport {
	o := opts.withDefaults()
	t := &Transport{
		opts:     o,
		slots:    make([]*conn, 1), // slot 0 reserved so no handle is 0
		gens:     make([]uint16, 1),
		events:   make(chan Event, o.EventQueueLen),
		done:     make(chan struct{}),
		idleList: list.New(),
	}
	return t
}

// Bind creates a listener handle for the given url. proto is the codec
// every accepted peer of this listener inherits.
func (t *Transport) Bind(url string, proto codec.Protocol) (Handle, error) {
	scheme, addr, err := SplitURL(url)
	if err != nil {
		return InvalidHandle, err
	}
	switch scheme {
	case SchemeTCP:
		return t.bindTCP(url, addr, proto)
	case SchemeUDP:
		return t.bindUDP(url, addr, proto)
	case SchemeHTTP:
		return t.bindHTTP(url, addr, proto)
	}
	return InvalidHandle, errs.ErrUnsupportedScheme.GenWithStackByArgs(scheme)
}

// Connect creates a connected peer handle for the given url.
func (t *Transport) Connect(url string, proto codec.Protocol) (Handle, error) {
	scheme, addr, err := SplitURL(url)
	if err != nil {
		return InvalidHandle, err
	}
	switch scheme {
	case SchemeTCP:
		return t.connectTCP(url, addr, proto)
	case SchemeUDP:
		return t.connectUDP(url, addr, proto)
	case SchemeHTTP:
		return t.connectHTTP(url, addr, proto)
	}
	return InvalidHandle, errs.ErrUnsupportedScheme.GenWithStackByArgs(scheme)
}

// Send enqueues one message on the handle. It fails with ErrSendBufferFull
// when the per-handle queue is saturated and with ErrSendFailed when the
// handle is closed or unknown.
func (t *Transport) Send(h Handle, msg []byte) error {
	return t.SendV(h, [][]byte{msg})
}

// SendV behaves like Send with the fragments concatenated.
func (t *Transport) SendV(h Handle, frags [][]byte) error {
	c := t.lookup(h)
	if c == nil || c.isClosed() {
		return errs.ErrSendFailed.GenWithStackByArgs()
	}
	select {
	case c.sendQ <- frags:
		return nil
	case <-c.done:
		return errs.ErrSendFailed.GenWithStackByArgs()
	default:
		sendQueueDropCount.Inc()
		return errs.ErrSendBufferFull.GenWithStackByArgs()
	}
}

// Recv removes and returns the next complete message on the handle.
func (t *Transport) Recv(h Handle) ([]byte, error) {
	c := t.lookup(h)
	if c == nil {
		return nil, errs.ErrUnknownConnection.GenWithStackByArgs(uint64(h))
	}
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if len(c.inbox) == 0 {
		return nil, errs.ErrRecvEmpty.GenWithStackByArgs(uint64(h))
	}
	msg := c.inbox[0]
	c.inbox = c.inbox[1:]
	return msg, nil
}

// Peek returns the next complete message without removing it, for
// zero-copy consumption followed by Pop.
func (t *Transport) Peek(h Handle) ([]byte, error) {
	c := t.lookup(h)
	if c == nil {
		return nil, errs.ErrUnknownConnection.GenWithStackByArgs(uint64(h))
	}
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if len(c.inbox) == 0 {
		return nil, errs.ErrRecvEmpty.GenWithStackByArgs(uint64(h))
	}
	return c.inbox[0], nil
}

// Pop discards the message returned by the last Peek.
func (t *Transport) Pop(h Handle) error {
	c := t.lookup(h)
	if c == nil {
		return errs.ErrUnknownConnection.GenWithStackByArgs(uint64(h))
	}
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if len(c.inbox) == 0 {
		return errs.ErrRecvEmpty.GenWithStackByArgs(uint64(h))
	}
	c.inbox = c.inbox[1:]
	return nil
}

// Protocol returns the codec tag fixed for the handle at bind/connect.
func (t *Transport) Protocol(h Handle) (codec.Protocol, error) {
	c := t.lookup(h)
	if c == nil {
		return 0, errs.ErrUnknownConnection.GenWithStackByArgs(uint64(h))
	}
	return c.proto, nil
}

// BoundAddr returns the local address of a listener handle, useful when
// binding to port 0.
func (t *Transport) BoundAddr(h Handle) (net.Addr, error) {
	c := t.lookup(h)
	if c == nil {
		return nil, errs.ErrUnknownConnection.GenWithStackByArgs(uint64(h))
	}
	switch {
	case c.ln != nil:
		return c.ln.Addr(), nil
	case c.pc != nil:
		return c.pc.LocalAddr(), nil
	}
	return nil, errs.ErrInvalidParam.GenWithStackByArgs("not a listener handle")
}

// URL returns the url the handle was bound or connected to.
func (t *Transport) URL(h Handle) (string, error) {
	c := t.lookup(h)
	if c == nil {
		return "", errs.ErrUnknownConnection.GenWithStackByArgs(uint64(h))
	}
	return c.url, nil
}

// Close releases the handle. It is idempotent; the slot's generation is
// bumped so a stale handle can never resolve again.
func (t *Transport) Close(h Handle) {
	c := t.lookup(h)
	if c == nil {
		return
	}
	t.closeConn(c, nil, false)
}

// Poll returns the next readiness event, waiting at most timeout. A
// timeout of zero polls without blocking.
func (t *Transport) Poll(timeout time.Duration) (Event, bool) {
	if timeout <= 0 {
		select {
		case ev := <-t.events:
			return ev, true
		default:
			return Event{}, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-t.events:
		return ev, true
	case <-timer.C:
		return Event{}, false
	case <-t.done:
		return Event{}, false
	}
}

// CheckIdle walks peers from the oldest end and evicts every one whose
// inactivity exceeds IdleTimeout, unless the OnIdle callback vetoes it, in
// which case the peer is re-stamped to the fresh end.
func (t *Transport) CheckIdle() {
	now := t.opts.Clock.Now()
	var evict []*conn
	t.idleMu.Lock()
	for {
		front := t.idleList.Front()
		if front == nil {
			break
		}
		c := front.Value.(*conn)
		if now.Sub(c.lastActive) <= t.opts.IdleTimeout {
			break
		}
		if t.opts.OnIdle != nil && !t.opts.OnIdle(c.h) {
			c.lastActive = now
			t.idleList.MoveToBack(front)
			continue
		}
		t.idleList.Remove(front)
		c.idleElem = nil
		evict = append(evict, c)
	}
	t.idleMu.Unlock()

	for _, c := range evict {
		idleClosedCount.Inc()
		log.Info("closing idle connection",
			zap.Uint64("handle", uint64(c.h)),
			zap.String("url", c.url))
		t.closeConn(c, nil, true)
	}
}

// Shutdown closes every handle and stops the transport.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	conns := make([]*conn, 0, len(t.slots))
	for _, c := range t.slots {
		if c != nil {
			conns = append(conns, c)
		}
	}
	t.mu.Unlock()
	for _, c := range conns {
		t.closeConn(c, nil, false)
	}
	close(t.done)
	t.wg.Wait()
}

func (t *Transport) lookup(h Handle) *conn {
	idx := int(uint64(h) & handleIndexMask)
	t.mu.Lock()
	defer t.mu.Unlock()
	if idx <= 0 || idx >= len(t.slots) {
		return nil
	}
	c := t.slots[idx]
	if c == nil || c.h != h {
		return nil
	}
	return c
}

func (t *Transport) newConn(kind connKind, scheme, url string, proto codec.Protocol) *conn {
	c := &conn{
		kind:       kind,
		scheme:     scheme,
		url:        url,
		proto:      proto,
		sendQ:      make(chan [][]byte, t.opts.SendQueueLen),
		done:       make(chan struct{}),
		metricsIn:  messageCount.WithLabelValues(scheme, "in"),
		metricsOut: messageCount.WithLabelValues(scheme, "out"),
	}
	t.mu.Lock()
	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = len(t.slots)
		t.slots = append(t.slots, nil)
		t.gens = append(t.gens, 0)
	}
	t.gens[idx]++
	c.h = makeHandle(idx, t.gens[idx])
	t.slots[idx] = c
	t.mu.Unlock()

	activeHandleGauge.WithLabelValues(kind.String()).Inc()
	if kind != kindListener {
		t.touch(c)
	}
	return c
}

// closeConn tears a connection down exactly once. With emitEvent true an
// EventClosed is queued so the poll loop observes the disconnect.
func (t *Transport) closeConn(c *conn, err error, emitEvent bool) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.ioMu.Lock()
		nc := c.nc
		c.nc = nil
		c.ioMu.Unlock()
		if nc != nil {
			_ = nc.Close()
		}
		if c.ln != nil {
			_ = c.ln.Close()
		}
		if c.httpSrv != nil {
			_ = c.httpSrv.Close()
		}
		if c.pc != nil {
			_ = c.pc.Close()
		}

		idx := int(uint64(c.h) & handleIndexMask)
		t.mu.Lock()
		if idx > 0 && idx < len(t.slots) && t.slots[idx] == c {
			t.slots[idx] = nil
			t.free = append(t.free, idx)
		}
		t.mu.Unlock()

		t.idleMu.Lock()
		if c.idleElem != nil {
			t.idleList.Remove(c.idleElem)
			c.idleElem = nil
		}
		t.idleMu.Unlock()

		activeHandleGauge.WithLabelValues(c.kind.String()).Dec()
		if emitEvent {
			t.emit(Event{Handle: c.h, Type: EventClosed, Err: err})
		}
	})
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// deliver appends one complete inbound message and queues its event. The
// blocking emit is deliberate: a full event queue pushes back on the
// reader goroutine.
func (t *Transport) deliver(c *conn, msg []byte) {
	c.inMu.Lock()
	c.inbox = append(c.inbox, msg)
	c.inMu.Unlock()
	c.metricsIn.Inc()
	t.touch(c)
	select {
	case t.events <- Event{Handle: c.h, Type: EventMessage}:
	case <-c.done:
	case <-t.done:
	}
}

func (t *Transport) touch(c *conn) {
	if c.kind == kindListener {
		return
	}
	t.idleMu.Lock()
	c.lastActive = t.opts.Clock.Now()
	if c.idleElem == nil {
		c.idleElem = t.idleList.PushBack(c)
	} else {
		t.idleList.MoveToBack(c.idleElem)
	}
	t.idleMu.Unlock()
}

// writerLoop drains the send queue of one connection.
func (t *Transport) writerLoop(c *conn) {
	defer t.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frags := <-c.sendQ:
			if err := t.writeOut(c, frags); err != nil {
				return
			}
			c.metricsOut.Inc()
			t.touch(c)
		}
	}
}

func (t *Transport) writeOut(c *conn, frags [][]byte) error {
	switch c.scheme {
	case SchemeTCP:
		return t.writeTCP(c, frags)
	case SchemeUDP:
		return t.writeUDP(c, frags)
	case SchemeHTTP:
		return t.writeHTTP(c, frags)
	}
	return errs.ErrUnsupportedScheme.GenWithStackByArgs(c.scheme)
}

func joinFrags(frags [][]byte) []byte {
	if len(frags) == 1 {
		return frags[0]
	}
	total := 0
	for _, f := range frags {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range frags {
		out = append(out, f...)
	}
	return out
}
