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
	"github.com/pingcap/fabricmesh/pkg/errs"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the protobuf message head. The equivalent schema:
//
//	message Head {
//	  uint32 version       = 1;
//	  uint32 message_type  = 2;
//	  uint64 session_id    = 3;
//	  string function_name = 4;
//	  bytes  payload       = 5;
//	}
//
//	message Exception {
//	  int32  error_code = 1;
//	  string message    = 2;
//	}
const (
	pbFieldVersion  = 1
	pbFieldMsgType  = 2
	pbFieldSession  = 3
	pbFieldFunction = 4
	pbFieldPayload  = 5

	pbFieldErrCode = 1
	pbFieldErrMsg  = 2
)

type protobufCodec struct{}

func (*protobufCodec) Protocol() Protocol { return ProtocolProtobuf }

func (*protobufCodec) Encode(head *Head, payload []byte) ([]byte, error) {
	if head == nil {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("nil head")
	}
	var buf []byte
	buf = protowire.AppendTag(buf, pbFieldVersion, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(head.Version))
	buf = protowire.AppendTag(buf, pbFieldMsgType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(head.MsgType))
	buf = protowire.AppendTag(buf, pbFieldSession, protowire.VarintType)
	buf = protowire.AppendVarint(buf, head.SessionID)
	buf = protowire.AppendTag(buf, pbFieldFunction, protowire.BytesType)
	buf = protowire.AppendString(buf, head.Function)
	if len(payload) > 0 {
		buf = protowire.AppendTag(buf, pbFieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, payload)
	}
	return buf, nil
}

func (*protobufCodec) Decode(data []byte) (*Head, []byte, error) {
	head := &Head{}
	var payload []byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, nil, errs.ErrDecodeFailed.GenWithStackByArgs()
		}
		data = data[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, nil, errs.ErrDecodeFailed.GenWithStackByArgs()
			}
			data = data[n:]
			switch num {
			case pbFieldVersion:
				head.Version = uint8(v)
			case pbFieldMsgType:
				head.MsgType = MsgType(v)
			case pbFieldSession:
				head.SessionID = v
			}
		case typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, nil, errs.ErrDecodeFailed.GenWithStackByArgs()
			}
			data = data[n:]
			switch num {
			case pbFieldFunction:
				head.Function = string(b)
			case pbFieldPayload:
				payload = b
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, nil, errs.ErrDecodeFailed.GenWithStackByArgs()
			}
			data = data[n:]
		}
	}
	return head, payload, nil
}

func (*protobufCodec) EncodeException(exc *Exception) ([]byte, error) {
	if exc == nil {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("nil exception")
	}
	var buf []byte
	buf = protowire.AppendTag(buf, pbFieldErrCode, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(exc.Code)))
	buf = protowire.AppendTag(buf, pbFieldErrMsg, protowire.BytesType)
	buf = protowire.AppendString(buf, exc.Message)
	return buf, nil
}

func (*protobufCodec) DecodeException(payload []byte) (*Exception, error) {
	exc := &Exception{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, errs.ErrDecodeFailed.GenWithStackByArgs()
		}
		payload = payload[n:]
		switch {
		case num == pbFieldErrCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(payload)
			if n < 0 {
				return nil, errs.ErrDecodeFailed.GenWithStackByArgs()
			}
			payload = payload[n:]
			exc.Code = int32(int64(v))
		case num == pbFieldErrMsg && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(payload)
			if n < 0 {
				return nil, errs.ErrDecodeFailed.GenWithStackByArgs()
			}
			payload = payload[n:]
			exc.Message = string(b)
		default:
			n := protowire.ConsumeFieldValue(num, typ, payload)
			if n < 0 {
				return nil, errs.ErrDecodeFailed.GenWithStackByArgs()
			}
			payload = payload[n:]
		}
	}
	return exc, nil
}
