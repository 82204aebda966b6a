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
	"encoding/binary"
	"math"

	"github.com/pingcap/fabricmesh/pkg/errs"
)

// binary head layout, all big-endian:
//
//	offset 0  : u8  version
//	offset 1  : u8  message type
//	offset 2  : u64 session id
//	offset 10 : u16 function name length
//	offset 12 : function name bytes, then payload
const binaryHeadFixedLen = 12

type binaryCodec struct{}

func (*binaryCodec) Protocol() Protocol { return ProtocolBinary }

func (*binaryCodec) Encode(head *Head, payload []byte) ([]byte, error) {
	if head == nil {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("nil head")
	}
	if len(head.Function) > math.MaxUint16 {
		return nil, errs.ErrEncodeFailed.GenWithStackByArgs()
	}
	buf := make([]byte, binaryHeadFixedLen+len(head.Function)+len(payload))
	buf[0] = head.Version
	buf[1] = byte(head.MsgType)
	binary.BigEndian.PutUint64(buf[2:], head.SessionID)
	binary.BigEndian.PutUint16(buf[10:], uint16(len(head.Function)))
	copy(buf[binaryHeadFixedLen:], head.Function)
	copy(buf[binaryHeadFixedLen+len(head.Function):], payload)
	return buf, nil
}

func (*binaryCodec) Decode(data []byte) (*Head, []byte, error) {
	if len(data) < binaryHeadFixedLen {
		return nil, nil, errs.ErrDecodeFailed.GenWithStackByArgs()
	}
	fnLen := int(binary.BigEndian.Uint16(data[10:]))
	if len(data) < binaryHeadFixedLen+fnLen {
		return nil, nil, errs.ErrDecodeFailed.GenWithStackByArgs()
	}
	head := &Head{
		Version:   data[0],
		MsgType:   MsgType(data[1]),
		SessionID: binary.BigEndian.Uint64(data[2:]),
		Function:  string(data[binaryHeadFixedLen : binaryHeadFixedLen+fnLen]),
	}
	return head, data[binaryHeadFixedLen+fnLen:], nil
}

func (*binaryCodec) EncodeException(exc *Exception) ([]byte, error) {
	if exc == nil {
		return nil, errs.ErrInvalidParam.GenWithStackByArgs("nil exception")
	}
	buf := make([]byte, 8+len(exc.Message))
	binary.BigEndian.PutUint32(buf, uint32(exc.Code))
	binary.BigEndian.PutUint32(buf[4:], uint32(len(exc.Message)))
	copy(buf[8:], exc.Message)
	return buf, nil
}

func (*binaryCodec) DecodeException(payload []byte) (*Exception, error) {
	if len(payload) < 8 {
		return nil, errs.ErrDecodeFailed.GenWithStackByArgs()
	}
	msgLen := int(binary.BigEndian.Uint32(payload[4:]))
	if len(payload) < 8+msgLen {
		return nil, errs.ErrDecodeFailed.GenWithStackByArgs()
	}
	return &Exception{
		Code:    int32(binary.BigEndian.Uint32(payload)),
		Message: string(payload[8 : 8+msgLen]),
	}, nil
}
