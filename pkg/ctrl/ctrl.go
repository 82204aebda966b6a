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

// Package ctrl exposes a JSON control-command service on the RPC engine,
// used by operators to poke a running server.
package ctrl

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/pingcap/fabricmesh/pkg/rpc"
	"go.uber.org/zap"
)

// ServiceName is the RPC service the control commands live on.
const ServiceName = "_ctrl"

// request is one control command on the wire.
type request struct {
	Command string   `json:"command"`
	Options []string `json:"options,omitempty"`
}

// response is the control reply on the wire.
type response struct {
	RetCode int32  `json:"ret_code"`
	Data    string `json:"data"`
}

// Handler executes one control command and returns its code and output.
type Handler func(options []string) (int32, string)

type command struct {
	help string
	fn   Handler
}

// Options wires the built-in commands to the hosting server.
type Options struct {
	// Reload re-reads the configuration. Optional.
	Reload func() error
	// Stat renders a status summary. Optional.
	Stat func() string
	// Quit asks the server to stop. Optional.
	Quit func()
}

// Service is the control-command registry.
type Service struct {
	opts     Options
	commands map[string]command
}

// NewService creates a Service with the built-in commands installed.
func NewService(opts Options) *Service {
	s := &Service{
		opts:     opts,
		commands: make(map[string]command),
	}
	s.commands["help"] = command{help: "list available commands", fn: s.cmdHelp}
	s.commands["reload"] = command{help: "reload the configuration", fn: s.cmdReload}
	s.commands["stat"] = command{help: "show server status", fn: s.cmdStat}
	s.commands["quit"] = command{help: "stop the server", fn: s.cmdQuit}
	return s
}

// Register adds a user command. Built-ins and duplicates are rejected.
func (s *Service) Register(name, help string, fn Handler) error {
	if name == "" || fn == nil {
		return errs.ErrInvalidParam.GenWithStackByArgs("empty command name or nil handler")
	}
	if _, ok := s.commands[name]; ok {
		return errs.ErrCommandExisted.GenWithStackByArgs(name)
	}
	s.commands[name] = command{help: help, fn: fn}
	return nil
}

// Attach registers the control service on the engine.
func (s *Service) Attach(e *rpc.Engine) error {
	_, err := e.RegisterService(ServiceName, s.onRequest)
	return err
}

func (s *Service) onRequest(req *rpc.Request) {
	var in request
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		s.reply(req, -1, "undecodable control request")
		return
	}
	cmd, ok := s.commands[in.Command]
	if !ok {
		s.reply(req, -1, errs.ErrCommandNotFound.FastGenByArgs(in.Command).Error())
		return
	}
	code, data := cmd.fn(in.Options)
	s.reply(req, code, data)
}

func (s *Service) reply(req *rpc.Request, code int32, data string) {
	if req.Oneway() {
		return
	}
	body, err := json.Marshal(&response{RetCode: code, Data: data})
	if err != nil {
		log.Error("failed to encode control response", zap.Error(err))
		return
	}
	if err := req.Reply(body); err != nil {
		log.Warn("failed to send control response", zap.Error(err))
	}
}

func (s *Service) cmdHelp([]string) (int32, string) {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString("\t")
		b.WriteString(s.commands[name].help)
		b.WriteString("\n")
	}
	return 0, b.String()
}

func (s *Service) cmdReload([]string) (int32, string) {
	if s.opts.Reload == nil {
		return -1, "reload is not supported"
	}
	if err := s.opts.Reload(); err != nil {
		return -1, err.Error()
	}
	return 0, "reloaded"
}

func (s *Service) cmdStat([]string) (int32, string) {
	if s.opts.Stat == nil {
		return 0, ""
	}
	return 0, s.opts.Stat()
}

func (s *Service) cmdQuit([]string) (int32, string) {
	if s.opts.Quit == nil {
		return -1, "quit is not supported"
	}
	s.opts.Quit()
	return 0, "bye"
}
