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
	"encoding/binary"
	"io"

	"github.com/pingcap/fabricmesh/pkg/errs"
)

// TCP stream framing:
//
//	offset 0  : u32 big-endian magic   = 0xA5A5A5A5
//	offset 4  : u32 big-endian version = 0x00000001
//	offset 8  : u32 big-endian payload length
//	offset 12 : payload
const (
	frameMagic     uint32 = 0xA5A5A5A5
	frameVersion   uint32 = 0x00000001
	frameHeaderLen        = 12
)

func appendFrameHeader(dst []byte, payloadLen int) []byte {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:], frameMagic)
	binary.BigEndian.PutUint32(hdr[4:], frameVersion)
	binary.BigEndian.PutUint32(hdr[8:], uint32(payloadLen))
	return append(dst, hdr[:]...)
}

// writeFrame writes one framed message. Fragments behave as if
// concatenated into a single payload.
func writeFrame(w io.Writer, frags ...[]byte) error {
	total := 0
	for _, f := range frags {
		total += len(f)
	}
	buf := make([]byte, 0, frameHeaderLen+total)
	buf = appendFrameHeader(buf, total)
	for _, f := range frags {
		buf = append(buf, f...)
	}
	_, err := w.Write(buf)
	return err
}

// readFrame reads one framed message from the stream. A wrong magic yields
// ErrRecvInvalidData; a payload larger than max yields
// ErrRecvBufferNotEnough. Both require the caller to close the connection:
// the stream position is no longer trustworthy.
func readFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(hdr[0:]) != frameMagic {
		return nil, errs.ErrRecvInvalidData.GenWithStackByArgs("bad frame magic")
	}
	payloadLen := int(binary.BigEndian.Uint32(hdr[8:]))
	if payloadLen > max {
		return nil, errs.ErrRecvBufferNotEnough.GenWithStackByArgs(payloadLen, max)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
