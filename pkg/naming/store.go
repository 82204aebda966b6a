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

// Package naming publishes and resolves service endpoints through a
// hierarchical coordination store with ephemeral nodes and watches.
package naming

import (
	"context"
)

// EventType classifies one store notification.
type EventType int

// Store notification types.
const (
	// EventNodeChanged reports a data change of a watched node.
	EventNodeChanged EventType = iota + 1
	// EventNodeDeleted reports the deletion of a watched node.
	EventNodeDeleted
	// EventChildrenChanged reports a child added/removed/updated under a
	// watched node.
	EventChildrenChanged
	// EventSessionExpired reports loss of the store session; every
	// ephemeral owned by it is gone.
	EventSessionExpired
	// EventSessionRestored reports a freshly established session.
	EventSessionRestored
)

// WatchEvent is one notification from the store. Session events carry an
// empty Path.
type WatchEvent struct {
	Type EventType
	Path string
}

// Child is one child node with its value.
type Child struct {
	Name        string
	Data        []byte
	DataVersion int64
}

// Dir is the listed state of one node's children. CVersion advances on
// every child add/remove, so (CVersion, sum of child DataVersions) detects
// any change underneath a node.
type Dir struct {
	CVersion int64
	Children []Child
}

// Store is the coordination-store contract the naming layer needs:
// hierarchical nodes, ephemerals that die with the session, and watches.
// All notifications funnel through a single Events channel so the owner
// thread can drain them in its update tick.
type Store interface {
	// AddAuth installs a digest credential for subsequent operations.
	AddAuth(ctx context.Context, user, digest string) error

	// EnsurePath creates the node and any missing ancestors as persistent
	// nodes. Existing nodes are left untouched.
	EnsurePath(ctx context.Context, path string) error

	// CreateEphemeral creates a leaf owned by the current session.
	CreateEphemeral(ctx context.Context, path string, data []byte) error

	// Delete removes a leaf node.
	Delete(ctx context.Context, path string) error

	// Get reads a node's value and data version.
	Get(ctx context.Context, path string) ([]byte, int64, error)

	// Set writes a node's value if version matches (-1 skips the check).
	Set(ctx context.Context, path string, data []byte, version int64) error

	// Children lists the direct children of a node with their values.
	Children(ctx context.Context, path string) (*Dir, error)

	// Watch arms a persistent watch covering the node and its children.
	// Arming an armed path is a no-op, so at most one registration exists
	// per path.
	Watch(ctx context.Context, path string) error

	// Unwatch disarms the watch on path.
	Unwatch(path string)

	// Events returns the store's notification channel.
	Events() <-chan WatchEvent

	// Close releases the session; ephemerals disappear with it.
	Close() error
}
