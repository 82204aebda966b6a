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

// Package codec implements the wire formats for RPC messages. A codec
// encodes and decodes the message head, the exception body, and carries the
// application payload opaquely. The codec for a handle is fixed at
// bind/connect time; mixing codecs on one connection is a hard error
// surfaced as a decode failure.
package codec

import (
	"strings"

	"github.com/pingcap/fabricmesh/pkg/errs"
)

// MsgType tags one RPC message on the wire.
type MsgType uint8

// Wire values of MsgType. These are part of the protocol and must not be
// renumbered.
const (
	MsgCall      MsgType = 1
	MsgReply     MsgType = 2
	MsgException MsgType = 3
	MsgOneway    MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case MsgCall:
		return "call"
	case MsgReply:
		return "reply"
	case MsgException:
		return "exception"
	case MsgOneway:
		return "oneway"
	}
	return "unknown"
}

// HeadVersion is the current RPC head version.
const HeadVersion uint8 = 0

// Head is the RPC message head carried in front of every payload.
type Head struct {
	Version   uint8
	MsgType   MsgType
	SessionID uint64
	// Function is "ServiceName:MethodName".
	Function string
}

// SplitFunction splits Head.Function into service and method components.
func SplitFunction(fn string) (service, method string) {
	if i := strings.IndexByte(fn, ':'); i >= 0 {
		return fn[:i], fn[i+1:]
	}
	return fn, ""
}

// Exception is the body of a MsgException message.
type Exception struct {
	Code    int32
	Message string
}

// Protocol tags one installed codec.
type Protocol uint8

// Installed protocols.
const (
	ProtocolBinary Protocol = iota + 1
	ProtocolJSON
	ProtocolProtobuf
)

func (p Protocol) String() string {
	switch p {
	case ProtocolBinary:
		return "binary"
	case ProtocolJSON:
		return "json"
	case ProtocolProtobuf:
		return "protobuf"
	}
	return "unknown"
}

// ParseProtocol parses a protocol tag from configuration.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "binary", "bin":
		return ProtocolBinary, nil
	case "json":
		return ProtocolJSON, nil
	case "protobuf", "pb":
		return ProtocolProtobuf, nil
	}
	return 0, errs.ErrInvalidParam.GenWithStackByArgs("protocol " + s)
}

// Codec encodes and decodes whole messages for one protocol.
type Codec interface {
	Protocol() Protocol

	// Encode produces one wire message from head and payload.
	Encode(head *Head, payload []byte) ([]byte, error)
	// Decode parses one wire message, returning the head and the payload.
	Decode(data []byte) (*Head, []byte, error)

	// EncodeException encodes an exception body for use as the payload of a
	// MsgException message.
	EncodeException(exc *Exception) ([]byte, error)
	// DecodeException parses an exception body.
	DecodeException(payload []byte) (*Exception, error)
}

// Registry is the process-wide codec set. It is populated during setup and
// read-only afterwards.
type Registry struct {
	codecs map[Protocol]Codec
}

// NewRegistry returns a registry with the three built-in codecs installed.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[Protocol]Codec)}
	r.codecs[ProtocolBinary] = &binaryCodec{}
	r.codecs[ProtocolJSON] = &jsonCodec{}
	r.codecs[ProtocolProtobuf] = &protobufCodec{}
	return r
}

// Get returns the codec for the given protocol.
func (r *Registry) Get(p Protocol) (Codec, error) {
	c, ok := r.codecs[p]
	if !ok {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs(p.String())
	}
	return c, nil
}

// Register installs a user codec during setup. Replacing a built-in is
// rejected.
func (r *Registry) Register(c Codec) error {
	if c == nil {
		return errs.ErrInvalidParam.GenWithStackByArgs("nil codec")
	}
	if _, ok := r.codecs[c.Protocol()]; ok {
		return errs.ErrInvalidParam.GenWithStackByArgs("duplicate codec " + c.Protocol().String())
	}
	r.codecs[c.Protocol()] = c
	return nil
}
