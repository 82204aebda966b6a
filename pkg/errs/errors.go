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

// Package errs defines every coded error the fabric can surface. The RFC
// code is the stable registry key; the normalized message is the human
// string. No error in this package ever kills the process.
package errs

import (
	"github.com/pingcap/errors"
)

// general errors
var (
	ErrInternalCheckFailed = errors.Normalize(
		"internal check failed: %s",
		errors.RFCCodeText("FAB:ErrInternalCheckFailed"),
	)
	ErrUnsupportedScheme = errors.Normalize(
		"unsupported url scheme: %s",
		errors.RFCCodeText("FAB:ErrUnsupportedScheme"),
	)
	ErrInvalidURL = errors.Normalize(
		"invalid url: %s",
		errors.RFCCodeText("FAB:ErrInvalidURL"),
	)
)

// scheduler errors
var (
	ErrTaskNotFound = errors.Normalize(
		"task %d not found",
		errors.RFCCodeText("FAB:ErrTaskNotFound"),
	)
	ErrTaskAlreadyRunning = errors.Normalize(
		"another task is already running on this scheduler",
		errors.RFCCodeText("FAB:ErrTaskAlreadyRunning"),
	)
	ErrNotInTask = errors.Normalize(
		"operation is only legal inside a task",
		errors.RFCCodeText("FAB:ErrNotInTask"),
	)
	ErrSchedulerClosed = errors.Normalize(
		"scheduler is closed",
		errors.RFCCodeText("FAB:ErrSchedulerClosed"),
	)
)

// transport errors
var (
	ErrDriverUninstalled = errors.Normalize(
		"no driver installed for scheme %s",
		errors.RFCCodeText("FAB:ErrDriverUninstalled"),
	)
	ErrBindFailed = errors.Normalize(
		"bind %s failed",
		errors.RFCCodeText("FAB:ErrBindFailed"),
	)
	ErrConnectFailed = errors.Normalize(
		"connect %s failed",
		errors.RFCCodeText("FAB:ErrConnectFailed"),
	)
	ErrSendBufferFull = errors.Normalize(
		"per-handle send queue is full",
		errors.RFCCodeText("FAB:ErrSendBufferFull"),
	)
	ErrSendFailed = errors.Normalize(
		"send failed",
		errors.RFCCodeText("FAB:ErrSendFailed"),
	)
	ErrUnknownConnection = errors.Normalize(
		"unknown connection: handle %d",
		errors.RFCCodeText("FAB:ErrUnknownConnection"),
	)
	ErrRecvInvalidData = errors.Normalize(
		"received invalid data: %s",
		errors.RFCCodeText("FAB:ErrRecvInvalidData"),
	)
	ErrRecvBufferNotEnough = errors.Normalize(
		"frame of %d bytes exceeds the receive buffer (%d bytes)",
		errors.RFCCodeText("FAB:ErrRecvBufferNotEnough"),
	)
	ErrRecvEmpty = errors.Normalize(
		"no complete message pending on handle %d",
		errors.RFCCodeText("FAB:ErrRecvEmpty"),
	)
	ErrTransportClosed = errors.Normalize(
		"transport is closed",
		errors.RFCCodeText("FAB:ErrTransportClosed"),
	)
)

// rpc errors
var (
	ErrInvalidParam = errors.Normalize(
		"invalid parameter: %s",
		errors.RFCCodeText("FAB:ErrInvalidParam"),
	)
	ErrEncodeFailed = errors.Normalize(
		"encode failed",
		errors.RFCCodeText("FAB:ErrEncodeFailed"),
	)
	ErrDecodeFailed = errors.Normalize(
		"decode failed",
		errors.RFCCodeText("FAB:ErrDecodeFailed"),
	)
	ErrRecvException = errors.Normalize(
		"received an exception message: code=%d %s",
		errors.RFCCodeText("FAB:ErrRecvException"),
	)
	ErrUnknownMsgType = errors.Normalize(
		"unknown message type %d",
		errors.RFCCodeText("FAB:ErrUnknownMsgType"),
	)
	ErrFunctionUnsupported = errors.Normalize(
		"unsupported function name %s",
		errors.RFCCodeText("FAB:ErrFunctionUnsupported"),
	)
	ErrSessionNotFound = errors.Normalize(
		"session %d is expired or unknown",
		errors.RFCCodeText("FAB:ErrSessionNotFound"),
	)
	ErrRequestTimeout = errors.Normalize(
		"request timeout",
		errors.RFCCodeText("FAB:ErrRequestTimeout"),
	)
	ErrFunctionExisted = errors.Normalize(
		"service name %s is already registered",
		errors.RFCCodeText("FAB:ErrFunctionExisted"),
	)
	ErrFunctionUnexisted = errors.Normalize(
		"service name %s is not registered",
		errors.RFCCodeText("FAB:ErrFunctionUnexisted"),
	)
	ErrSystemError = errors.Normalize(
		"system error",
		errors.RFCCodeText("FAB:ErrSystemError"),
	)
	ErrProcessTimeout = errors.Normalize(
		"process service timeout",
		errors.RFCCodeText("FAB:ErrProcessTimeout"),
	)
	ErrBroadcastFailed = errors.Normalize(
		"broadcast on channel %s failed",
		errors.RFCCodeText("FAB:ErrBroadcastFailed"),
	)
	ErrEngineClosed = errors.Normalize(
		"rpc engine is closed",
		errors.RFCCodeText("FAB:ErrEngineClosed"),
	)
)

// overload errors
var (
	ErrMessageExpired = errors.Normalize(
		"system overload: message expired",
		errors.RFCCodeText("FAB:ErrMessageExpired"),
	)
	ErrTaskOverload = errors.Normalize(
		"system overload: too many concurrent tasks",
		errors.RFCCodeText("FAB:ErrTaskOverload"),
	)
)

// naming errors
var (
	ErrNamingInvalidParam = errors.Normalize(
		"naming: invalid parameter: %s",
		errors.RFCCodeText("FAB:ErrNamingInvalidParam"),
	)
	ErrURLRegistered = errors.Normalize(
		"url already registered under %s",
		errors.RFCCodeText("FAB:ErrURLRegistered"),
	)
	ErrURLNotBound = errors.Normalize(
		"url not bound under %s",
		errors.RFCCodeText("FAB:ErrURLNotBound"),
	)
	ErrRegisterFailed = errors.Normalize(
		"register %s failed",
		errors.RFCCodeText("FAB:ErrRegisterFailed"),
	)
	ErrNodeNotFound = errors.Normalize(
		"name node %s not found",
		errors.RFCCodeText("FAB:ErrNodeNotFound"),
	)
	ErrNodeExisted = errors.Normalize(
		"name node %s already exists",
		errors.RFCCodeText("FAB:ErrNodeExisted"),
	)
	ErrStoreClosed = errors.Normalize(
		"coordination store session is closed",
		errors.RFCCodeText("FAB:ErrStoreClosed"),
	)
	ErrWatchExisted = errors.Normalize(
		"watch on %s already exists",
		errors.RFCCodeText("FAB:ErrWatchExisted"),
	)
)

// router errors
var (
	ErrRouterInvalidParam = errors.Normalize(
		"router: invalid parameter: %s",
		errors.RFCCodeText("FAB:ErrRouterInvalidParam"),
	)
	ErrNoValidHandle = errors.Normalize(
		"no valid handle for %s",
		errors.RFCCodeText("FAB:ErrNoValidHandle"),
	)
)

// broadcast errors
var (
	ErrChannelNotFound = errors.Normalize(
		"channel %s is not open",
		errors.RFCCodeText("FAB:ErrChannelNotFound"),
	)
	ErrChannelExisted = errors.Normalize(
		"channel %s is already open",
		errors.RFCCodeText("FAB:ErrChannelExisted"),
	)
)

// control service errors
var (
	ErrCommandExisted = errors.Normalize(
		"control command %s is already registered",
		errors.RFCCodeText("FAB:ErrCommandExisted"),
	)
	ErrCommandNotFound = errors.Normalize(
		"unknown control command %s",
		errors.RFCCodeText("FAB:ErrCommandNotFound"),
	)
)
