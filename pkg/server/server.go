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

// Package server assembles the fabric subsystems in dependency order and
// drives them from a single update loop, so all shared state stays on one
// goroutine.
package server

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/broadcast"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/config"
	"github.com/pingcap/fabricmesh/pkg/ctrl"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/pingcap/fabricmesh/pkg/naming"
	"github.com/pingcap/fabricmesh/pkg/router"
	"github.com/pingcap/fabricmesh/pkg/rpc"
	"github.com/pingcap/fabricmesh/pkg/sched"
	"github.com/pingcap/fabricmesh/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options assembles a Server. Only Config is mandatory.
type Options struct {
	Config *config.Config
	// Store overrides the coordination store; nil dials etcd at
	// Config.CoordAddress, or falls back to an in-process store when no
	// address is configured.
	Store naming.Store
	// Clock drives the tick loop and every deadline. Defaults to the wall
	// clock.
	Clock clock.Clock
	// Registry receives all metrics. Nil skips registration.
	Registry *prometheus.Registry
}

// Server owns one fabric node: scheduler, transport, codecs, RPC engine,
// naming, routers, broadcast and the control service.
type Server struct {
	cfg *config.Config
	clk clock.Clock

	scheduler *sched.Scheduler
	tr        *transport.Transport
	codecs    *codec.Registry
	engine    *rpc.Engine
	store     naming.Store
	nm        *naming.Naming
	bcast     *broadcast.Manager
	ctrl      *ctrl.Service

	routers   map[string]*router.Router
	listeners []transport.Handle

	quit chan struct{}
}

// New builds the subsystem graph. Construction order is dependency order:
// scheduler, transport, codecs, engine, naming, broadcast, control.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("nil config")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	s := &Server{
		cfg:     cfg,
		clk:     clk,
		routers: make(map[string]*router.Router),
		quit:    make(chan struct{}),
	}

	s.scheduler = sched.Open()
	s.tr = transport.New(transport.Options{
		SendQueueLen:   cfg.SendQueueLen,
		MaxRecvMsgSize: cfg.MaxRecvMsgSize,
		MaxReconnect:   cfg.MaxReconnect,
		IdleTimeout:    cfg.IdleTimeout.Duration,
		Clock:          clk,
	})
	s.codecs = codec.NewRegistry()

	var err error
	s.engine, err = rpc.NewEngine(rpc.Options{
		Transport:      s.tr,
		Codecs:         s.codecs,
		Scheduler:      s.scheduler,
		DefaultTimeout: cfg.RequestTimeout.Duration,
		Clock:          clk,
	})
	if err != nil {
		return nil, err
	}

	s.store = opts.Store
	if s.store == nil {
		if len(cfg.CoordAddress) > 0 {
			s.store, err = naming.NewEtcdStore(cfg.CoordAddress)
			if err != nil {
				return nil, err
			}
		} else {
			log.Warn("no coordination address configured, using the in-process store")
			s.store = naming.NewMemStore()
		}
	}
	s.nm, err = naming.New(naming.Options{
		Store:           s.store,
		RefreshInterval: cfg.NamingRefresh.Duration,
		InvalidInterval: cfg.NamingInvalid.Duration,
		Clock:           clk,
	})
	if err != nil {
		return nil, err
	}
	if cfg.AppID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = s.nm.SetAppInfo(ctx, cfg.AppID, cfg.AppKey)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	if cfg.RelayURL != "" && cfg.AppID != "" {
		s.bcast, err = broadcast.NewManager(broadcast.Options{
			Transport:     s.tr,
			Codecs:        s.codecs,
			Naming:        s.nm,
			Root:          "/" + cfg.AppID,
			RelayURL:      cfg.RelayURL,
			RelayProtocol: codec.ProtocolBinary,
			InstanceID:    cfg.InstanceID,
		})
		if err != nil {
			return nil, err
		}
		if err = s.bcast.Attach(s.engine); err != nil {
			return nil, err
		}
	}

	s.ctrl = ctrl.NewService(ctrl.Options{
		Stat: s.stat,
		Quit: s.Stop,
	})
	if err = s.ctrl.Attach(s.engine); err != nil {
		return nil, err
	}

	if opts.Registry != nil {
		transport.InitMetrics(opts.Registry)
		rpc.InitMetrics(opts.Registry)
	}

	for _, l := range cfg.Listen {
		proto, err := codec.ParseProtocol(l.Protocol)
		if err != nil {
			return nil, err
		}
		h, err := s.tr.Bind(l.URL, proto)
		if err != nil {
			return nil, err
		}
		s.listeners = append(s.listeners, h)
	}
	return s, nil
}

// Engine returns the RPC engine.
func (s *Server) Engine() *rpc.Engine { return s.engine }

// Naming returns the naming layer.
func (s *Server) Naming() *naming.Naming { return s.nm }

// Transport returns the transport.
func (s *Server) Transport() *transport.Transport { return s.tr }

// Scheduler returns the cooperative scheduler.
func (s *Server) Scheduler() *sched.Scheduler { return s.scheduler }

// Broadcast returns the channel manager, nil unless configured.
func (s *Server) Broadcast() *broadcast.Manager { return s.bcast }

// Ctrl returns the control-command service.
func (s *Server) Ctrl() *ctrl.Service { return s.ctrl }

// Listeners returns the handles bound from Config.Listen, in order.
func (s *Server) Listeners() []transport.Handle { return s.listeners }

// AddRouter creates and tracks a router for the given name.
func (s *Server) AddRouter(ctx context.Context, name string, policy router.Policy, proto codec.Protocol) (*router.Router, error) {
	if _, ok := s.routers[name]; ok {
		return nil, errs.ErrRouterInvalidParam.GenWithStackByArgs("duplicate router " + name)
	}
	r, err := router.New(ctx, router.Options{
		Name:      name,
		Naming:    s.nm,
		Transport: s.tr,
		Protocol:  proto,
		Policy:    policy,
	})
	if err != nil {
		return nil, err
	}
	s.routers[name] = r
	return r, nil
}

// Run drives the update loop until the context ends or Stop is called.
func (s *Server) Run(ctx context.Context) error {
	log.Info("fabric server running",
		zap.String("appID", s.cfg.AppID),
		zap.Int("listeners", len(s.listeners)))
	errg, ctx := errgroup.WithContext(ctx)
	errg.Go(func() error {
		ticker := s.clk.Ticker(s.cfg.TickInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.quit:
				return nil
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	})
	err := errg.Wait()
	s.shutdown()
	if err == context.Canceled {
		return nil
	}
	return err
}

// Tick runs one update pass: transport events, naming, engine timeout
// sweep, idle sweep.
func (s *Server) Tick(ctx context.Context) {
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
				s.engine.OnMessage(ev.Handle, data)
			}
		case transport.EventClosed:
			if s.bcast != nil {
				s.bcast.OnHandleClosed(ev.Handle)
			}
		}
	}
	s.nm.Update(ctx)
	s.engine.Update()
	s.tr.CheckIdle()
}

// Stop asks the update loop to exit.
func (s *Server) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

func (s *Server) shutdown() {
	log.Info("fabric server shutting down")
	for name, r := range s.routers {
		r.Close()
		delete(s.routers, name)
	}
	s.engine.Shutdown()
	s.scheduler.Close()
	s.tr.Shutdown()
	if err := s.store.Close(); err != nil {
		log.Warn("failed to close the coordination store", zap.Error(err))
	}
}

func (s *Server) stat() string {
	return "pending_sessions=" + strconv.Itoa(s.engine.SessionCount()) +
		" tasks=" + strconv.Itoa(s.scheduler.TaskCount())
}
