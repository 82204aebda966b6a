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

// Package broadcast opens named channels, fans messages out to local
// subscribers and relays them once to peer servers discovered through the
// naming layer.
package broadcast

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/pingcap/fabricmesh/pkg/naming"
	"github.com/pingcap/fabricmesh/pkg/rpc"
	"github.com/pingcap/fabricmesh/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayService is the RPC service name carrying server-to-server relays.
const RelayService = "_broadcast"

// relayMethod is the single method of RelayService.
const relayMethod = "relay"

// relayEnvelope wraps one relayed message so the receiving server can
// re-dispatch it into the right channel.
type relayEnvelope struct {
	Channel  string `json:"channel"`
	Function string `json:"function"`
	Payload  []byte `json:"payload,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Transport *transport.Transport
	Codecs    *codec.Registry
	Naming    *naming.Naming
	// Root is the name sub-tree holding channel membership, e.g. "/app".
	// Channel c lives at <Root>/_broadcast/<c>.
	Root string
	// RelayURL is this server's address peers connect to for relays.
	RelayURL string
	// RelayProtocol is the codec used on relay connections.
	RelayProtocol codec.Protocol
	// InstanceID identifies this server's membership leaf. 0 derives one
	// randomly.
	InstanceID int64
	// RelayConnectRate paces lazy connection attempts to peers, per
	// second. Defaults to 10.
	RelayConnectRate float64
}

type channel struct {
	name        string
	namePath    string
	subscribers map[transport.Handle]struct{}
	// peers maps a relay URL to its lazily-opened handle; InvalidHandle
	// means not yet connected.
	peers map[string]transport.Handle
}

// Manager owns every open channel. It belongs to the update-loop
// goroutine, like the engine it plugs into.
type Manager struct {
	opts       Options
	instanceID int64
	channels   map[string]*channel
	connectRL  *rate.Limiter
}

// NewManager creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Transport == nil || opts.Codecs == nil || opts.Naming == nil {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("transport, codecs and naming are required")
	}
	if opts.Root == "" || opts.RelayURL == "" {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("root and relay url are required")
	}
	if opts.RelayConnectRate <= 0 {
		opts.RelayConnectRate = 10
	}
	instanceID := opts.InstanceID
	if instanceID == 0 {
		u := uuid.New()
		instanceID = int64(binary.BigEndian.Uint64(u[:8]) >> 1)
	}
	return &Manager{
		opts:       opts,
		instanceID: instanceID,
		channels:   make(map[string]*channel),
		connectRL:  rate.NewLimiter(rate.Limit(opts.RelayConnectRate), 1),
	}, nil
}

// Attach registers the relay service on the engine and installs the
// manager as its broadcaster.
func (m *Manager) Attach(e *rpc.Engine) error {
	if _, err := e.RegisterService(RelayService, m.onRelay); err != nil {
		return err
	}
	e.SetBroadcaster(m)
	return nil
}

// OpenChannel publishes this server as a member of the channel, watches
// the membership node for peers and creates the local channel record.
func (m *Manager) OpenChannel(ctx context.Context, name string) error {
	if name == "" {
		return errs.ErrInvalidParam.GenWithStackByArgs("empty channel name")
	}
	if _, ok := m.channels[name]; ok {
		return errs.ErrChannelExisted.GenWithStackByArgs(name)
	}
	ch := &channel{
		name:        name,
		namePath:    fmt.Sprintf("%s/_broadcast/%s", m.opts.Root, name),
		subscribers: make(map[transport.Handle]struct{}),
		peers:       make(map[string]transport.Handle),
	}
	if err := m.opts.Naming.Register(ctx, ch.namePath, []string{m.opts.RelayURL}, m.instanceID); err != nil {
		return err
	}
	if err := m.opts.Naming.WatchName(ctx, ch.namePath, func(urls []string) {
		m.onPeersChanged(ch, urls)
	}); err != nil {
		_ = m.opts.Naming.UnRegister(ctx, ch.namePath, m.instanceID)
		return err
	}
	if urls, err := m.opts.Naming.GetUrlsByName(ctx, ch.namePath); err == nil {
		m.onPeersChanged(ch, urls)
	}
	m.channels[name] = ch
	log.Info("channel opened", zap.String("channel", name))
	return nil
}

// CloseChannel withdraws the membership and drops the channel record.
func (m *Manager) CloseChannel(ctx context.Context, name string) error {
	ch, ok := m.channels[name]
	if !ok {
		return errs.ErrChannelNotFound.GenWithStackByArgs(name)
	}
	delete(m.channels, name)
	for url, h := range ch.peers {
		if h != transport.InvalidHandle {
			m.opts.Transport.Close(h)
		}
		delete(ch.peers, url)
	}
	if err := m.opts.Naming.UnRegister(ctx, ch.namePath, m.instanceID); err != nil {
		log.Warn("failed to withdraw channel membership",
			zap.String("channel", name), zap.Error(err))
	}
	log.Info("channel closed", zap.String("channel", name))
	return nil
}

// JoinChannel adds a local subscriber handle.
func (m *Manager) JoinChannel(name string, subscriber transport.Handle) error {
	ch, ok := m.channels[name]
	if !ok {
		return errs.ErrChannelNotFound.GenWithStackByArgs(name)
	}
	ch.subscribers[subscriber] = struct{}{}
	return nil
}

// QuitChannel removes a local subscriber handle.
func (m *Manager) QuitChannel(name string, subscriber transport.Handle) error {
	ch, ok := m.channels[name]
	if !ok {
		return errs.ErrChannelNotFound.GenWithStackByArgs(name)
	}
	delete(ch.subscribers, subscriber)
	return nil
}

// SubscriberCount returns the local subscriber count of a channel.
func (m *Manager) SubscriberCount(name string) int {
	ch, ok := m.channels[name]
	if !ok {
		return 0
	}
	return len(ch.subscribers)
}

// Publish implements rpc.Broadcaster: it writes the message to every local
// subscriber and relays it once to every peer server of the channel.
func (m *Manager) Publish(name string, head *codec.Head, payload []byte) (int, error) {
	return m.send(name, head, payload, true)
}

// Send fans payload out on the channel as a ONEWAY carrying function.
// With relay true, peer servers receive it too (exactly one hop).
func (m *Manager) Send(name, function string, payload []byte, relay bool) (int, error) {
	head := &codec.Head{
		Version:  codec.HeadVersion,
		MsgType:  codec.MsgOneway,
		Function: function,
	}
	return m.send(name, head, payload, relay)
}

func (m *Manager) send(name string, head *codec.Head, payload []byte, relay bool) (int, error) {
	ch, ok := m.channels[name]
	if !ok {
		return 0, errs.ErrChannelNotFound.GenWithStackByArgs(name)
	}

	count := 0
	var dead []transport.Handle
	for sub := range ch.subscribers {
		if err := m.sendTo(sub, head, payload); err != nil {
			log.Warn("failed to deliver to subscriber",
				zap.String("channel", name),
				zap.Uint64("handle", uint64(sub)),
				zap.Error(err))
			if errs.Is(err, errs.ErrSendFailed) {
				dead = append(dead, sub)
			}
			continue
		}
		count++
	}
	for _, sub := range dead {
		delete(ch.subscribers, sub)
	}

	if relay {
		count += m.relayToPeers(ch, head, payload)
	}
	return count, nil
}

func (m *Manager) sendTo(h transport.Handle, head *codec.Head, payload []byte) error {
	proto, err := m.opts.Transport.Protocol(h)
	if err != nil {
		return errs.WrapError(errs.ErrSendFailed, err)
	}
	c, err := m.opts.Codecs.Get(proto)
	if err != nil {
		return err
	}
	data, err := c.Encode(head, payload)
	if err != nil {
		return err
	}
	return m.opts.Transport.Send(h, data)
}

// relayToPeers wraps the message in a relay envelope and sends it to every
// peer, opening handles lazily.
func (m *Manager) relayToPeers(ch *channel, head *codec.Head, payload []byte) int {
	if len(ch.peers) == 0 {
		return 0
	}
	env, err := json.Marshal(&relayEnvelope{
		Channel:  ch.name,
		Function: head.Function,
		Payload:  payload,
	})
	if err != nil {
		log.Error("failed to encode relay envelope",
			zap.String("channel", ch.name), zap.Error(err))
		return 0
	}
	relayHead := &codec.Head{
		Version:  codec.HeadVersion,
		MsgType:  codec.MsgOneway,
		Function: RelayService + ":" + relayMethod,
	}

	count := 0
	for url, h := range ch.peers {
		if h == transport.InvalidHandle {
			if !m.connectRL.Allow() {
				continue
			}
			var err error
			h, err = m.opts.Transport.Connect(url, m.opts.RelayProtocol)
			if err != nil {
				log.Warn("failed to connect relay peer",
					zap.String("channel", ch.name),
					zap.String("url", url),
					zap.Error(err))
				continue
			}
			ch.peers[url] = h
		}
		if err := m.sendTo(h, relayHead, env); err != nil {
			log.Warn("failed to relay",
				zap.String("channel", ch.name),
				zap.String("url", url),
				zap.Error(err))
			if errs.Is(err, errs.ErrSendFailed) {
				m.opts.Transport.Close(h)
				ch.peers[url] = transport.InvalidHandle
			}
			continue
		}
		count++
	}
	return count
}

// onRelay re-dispatches a relayed message to local subscribers only: a
// relayed message never travels a second hop.
func (m *Manager) onRelay(req *rpc.Request) {
	if req.Method != relayMethod {
		log.Warn("unknown relay method dropped", zap.String("method", req.Method))
		return
	}
	var env relayEnvelope
	if err := json.Unmarshal(req.Payload, &env); err != nil {
		log.Warn("undecodable relay envelope dropped", zap.Error(err))
		return
	}
	if _, err := m.Send(env.Channel, env.Function, env.Payload, false); err != nil {
		log.Warn("failed to dispatch relayed message",
			zap.String("channel", env.Channel), zap.Error(err))
	}
}

// OnHandleClosed prunes a closed transport handle from every channel's
// state. The update loop calls it on EventClosed.
func (m *Manager) OnHandleClosed(h transport.Handle) {
	for _, ch := range m.channels {
		delete(ch.subscribers, h)
		for url, peer := range ch.peers {
			if peer == h {
				ch.peers[url] = transport.InvalidHandle
			}
		}
	}
}

// onPeersChanged diffs the membership URL set: vanished peers close,
// fresh peers stay pending until the first relay send.
func (m *Manager) onPeersChanged(ch *channel, urls []string) {
	next := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		if u == m.opts.RelayURL {
			continue // never relay to ourselves
		}
		next[u] = struct{}{}
	}
	for url, h := range ch.peers {
		if _, ok := next[url]; !ok {
			if h != transport.InvalidHandle {
				m.opts.Transport.Close(h)
			}
			delete(ch.peers, url)
		}
	}
	for url := range next {
		if _, ok := ch.peers[url]; !ok {
			ch.peers[url] = transport.InvalidHandle
		}
	}
}
