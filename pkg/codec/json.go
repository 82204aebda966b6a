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

package codec

import (
	"github.com/goccy/go-json"
	"github.com/pingcap/fabricmesh/pkg/errs"
)

// jsonMessage is the wire shape of one JSON-encoded message. The payload
// travels base64-encoded per encoding/json []byte conventions.
type jsonMessage struct {
	Version      uint8  `json:"version"`
	MessageType  uint8  `json:"message_type"`
	SessionID    uint64 `json:"session_id"`
	FunctionName string `json:"function_name"`
	Payload      []byte `json:"payload,omitempty"`
}

type jsonException struct {
	ErrorCode int32  `json:"error_code"`
	Message   string `json:"message"`
}

type jsonCodec struct{}

func (*jsonCodec) Protocol() Protocol { return ProtocolJSON }

func (*jsonCodec) Encode(head *Head, payload []byte) ([]byte, error) {
	if head == nil {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("nil head")
	}
	data, err := json.Marshal(&jsonMessage{
		Version:      head.Version,
		MessageType:  uint8(head.MsgType),
		SessionID:    head.SessionID,
		FunctionName: head.Function,
		Payload:      payload,
	})
	if err != nil {
		return nil, errs.WrapError(errs.ErrEncodeFailed, err)
	}
	return data, nil
}

func (*jsonCodec) Decode(data []byte) (*Head, []byte, error) {
	var m jsonMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, errs.WrapError(errs.ErrDecodeFailed, err)
	}
	head := &Head{
		Version:   m.Version,
		MsgType:   MsgType(m.MessageType),
		SessionID: m.SessionID,
		Function:  m.FunctionName,
	}
	return head, m.Payload, nil
}

func (*jsonCodec) EncodeException(exc *Exception) ([]byte, error) {
	if exc == nil {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("nil exception")
	}
	data, err := json.Marshal(&jsonException{ErrorCode: exc.Code, Message: exc.Message})
	if err != nil {
		return nil, errs.WrapError(errs.ErrEncodeFailed, err)
	}
	return data, nil
}

func (*jsonCodec) DecodeException(payload []byte) (*Exception, error) {
	var e jsonException
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, errs.WrapError(errs.ErrDecodeFailed, err)
	}
	return &Exception{Code: e.ErrorCode, Message: e.Message}, nil
}
