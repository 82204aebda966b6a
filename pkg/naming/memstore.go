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

package naming

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"go.uber.org/zap"
)

// memTree is the shared node tree behind one or more MemStore sessions.
type memTree struct {
	mu       sync.Mutex
	nodes    map[string]*memNode
	sessions map[*MemStore]struct{}
}

type memNode struct {
	data        []byte
	dataVersion int64
	cversion    int64
	// owner is the session holding this ephemeral; nil for persistent
	// nodes.
	owner    *MemStore
	children map[string]struct{}
}

// MemStore is one session on an in-process coordination tree, with
// faithful ephemeral and watch semantics. It backs unit tests and
// single-node deployments; peers sharing the tree use NewSession.
type MemStore struct {
	tree    *memTree
	watches map[string]struct{}
	events  chan WatchEvent
	closed  bool
}

// NewMemStore creates a fresh tree with one live session on it.
func NewMemStore() *MemStore {
	tree := &memTree{
		nodes:    map[string]*memNode{"/": {children: make(map[string]struct{})}},
		sessions: make(map[*MemStore]struct{}),
	}
	return tree.newSession()
}

// NewSession opens another session on the same tree, the way a second
// process would connect to the same coordination cluster.
func (s *MemStore) NewSession() *MemStore {
	return s.tree.newSession()
}

func (t *memTree) newSession() *MemStore {
	s := &MemStore{
		tree:    t,
		watches: make(map[string]struct{}),
		events:  make(chan WatchEvent, 1024),
	}
	t.mu.Lock()
	t.sessions[s] = struct{}{}
	t.mu.Unlock()
	return s
}

func normalizePath(path string) (string, error) {
	if path == "" || path[0] != '/' || strings.Contains(path, "//") {
		return "", errs.ErrNamingInvalidParam.GenWithStackByArgs("path " + path)
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path, nil
}

func parentOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func lastSegment(path string) string {
	return path[strings.LastIndexByte(path, '/')+1:]
}

// AddAuth is a no-op for the in-process store.
func (s *MemStore) AddAuth(context.Context, string, string) error { return nil }

// EnsurePath creates path and missing ancestors as persistent nodes.
func (s *MemStore) EnsurePath(_ context.Context, path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return errs.ErrStoreClosed.GenWithStackByArgs()
	}
	t.ensureLocked(path)
	return nil
}

func (t *memTree) ensureLocked(path string) *memNode {
	if n, ok := t.nodes[path]; ok {
		return n
	}
	parent := t.ensureLocked(parentOf(path))
	n := &memNode{children: make(map[string]struct{})}
	t.nodes[path] = n
	parent.children[lastSegment(path)] = struct{}{}
	parent.cversion++
	t.fireLocked(parentOf(path), EventChildrenChanged)
	return n
}

// CreateEphemeral creates a session-owned leaf. The parent must exist.
func (s *MemStore) CreateEphemeral(_ context.Context, path string, data []byte) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.closed {
		return errs.ErrStoreClosed.GenWithStackByArgs()
	}
	if _, ok := t.nodes[path]; ok {
		return errs.ErrNodeExisted.GenWithStackByArgs(path)
	}
	parent, ok := t.nodes[parentOf(path)]
	if !ok {
		return errs.ErrNodeNotFound.GenWithStackByArgs(parentOf(path))
	}
	t.nodes[path] = &memNode{
		data:     append([]byte(nil), data...),
		owner:    s,
		children: make(map[string]struct{}),
	}
	parent.children[lastSegment(path)] = struct{}{}
	parent.cversion++
	t.fireLocked(path, EventNodeChanged)
	t.fireLocked(parentOf(path), EventChildrenChanged)
	return nil
}

// Delete removes a leaf.
func (s *MemStore) Delete(_ context.Context, path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	return s.tree.deleteLocked(path)
}

func (t *memTree) deleteLocked(path string) error {
	n, ok := t.nodes[path]
	if !ok {
		return errs.ErrNodeNotFound.GenWithStackByArgs(path)
	}
	if len(n.children) > 0 {
		return errs.ErrNamingInvalidParam.GenWithStackByArgs("node has children: " + path)
	}
	delete(t.nodes, path)
	parent := t.nodes[parentOf(path)]
	if parent != nil {
		delete(parent.children, lastSegment(path))
		parent.cversion++
	}
	t.fireLocked(path, EventNodeDeleted)
	t.fireLocked(parentOf(path), EventChildrenChanged)
	return nil
}

// Get reads one node.
func (s *MemStore) Get(_ context.Context, path string) ([]byte, int64, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, 0, err
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	n, ok := s.tree.nodes[path]
	if !ok {
		return nil, 0, errs.ErrNodeNotFound.GenWithStackByArgs(path)
	}
	return append([]byte(nil), n.data...), n.dataVersion, nil
}

// Set writes one node, honoring the optimistic version unless -1.
func (s *MemStore) Set(_ context.Context, path string, data []byte, version int64) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return errs.ErrNodeNotFound.GenWithStackByArgs(path)
	}
	if version >= 0 && version != n.dataVersion {
		return errs.ErrNamingInvalidParam.GenWithStackByArgs("version conflict on " + path)
	}
	n.data = append([]byte(nil), data...)
	n.dataVersion++
	t.fireLocked(path, EventNodeChanged)
	t.fireLocked(parentOf(path), EventChildrenChanged)
	return nil
}

// Children lists one node's children sorted by name.
func (s *MemStore) Children(_ context.Context, path string) (*Dir, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	t := s.tree
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[path]
	if !ok {
		return nil, errs.ErrNodeNotFound.GenWithStackByArgs(path)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	dir := &Dir{CVersion: n.cversion}
	for _, name := range names {
		childPath := path + "/" + name
		if path == "/" {
			childPath = "/" + name
		}
		child := t.nodes[childPath]
		dir.Children = append(dir.Children, Child{
			Name:        name,
			Data:        append([]byte(nil), child.data...),
			DataVersion: child.dataVersion,
		})
	}
	return dir, nil
}

// Watch arms a persistent watch on path. Idempotent.
func (s *MemStore) Watch(_ context.Context, path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	if s.closed {
		return errs.ErrStoreClosed.GenWithStackByArgs()
	}
	s.watches[path] = struct{}{}
	return nil
}

// Unwatch disarms the watch on path.
func (s *MemStore) Unwatch(path string) {
	s.tree.mu.Lock()
	defer s.tree.mu.Unlock()
	delete(s.watches, path)
}

// Events returns this session's notification channel.
func (s *MemStore) Events() <-chan WatchEvent {
	return s.events
}

// Close ends the session: its ephemerals disappear, further calls fail.
func (s *MemStore) Close() error {
	t := s.tree
	t.mu.Lock()
	s.closed = true
	delete(t.sessions, s)
	t.dropEphemeralsLocked(s)
	t.mu.Unlock()
	return nil
}

// KillSession simulates a session expiry followed by a fresh session:
// every ephemeral of this session vanishes and its session events fire.
// Watches stay registered, as the real client re-arms them internally.
func (s *MemStore) KillSession() {
	t := s.tree
	t.mu.Lock()
	t.dropEphemeralsLocked(s)
	t.mu.Unlock()
	s.emit(WatchEvent{Type: EventSessionExpired})
	s.emit(WatchEvent{Type: EventSessionRestored})
}

func (t *memTree) dropEphemeralsLocked(owner *MemStore) {
	var ephemerals []string
	for path, n := range t.nodes {
		if n.owner == owner {
			ephemerals = append(ephemerals, path)
		}
	}
	// Deepest first so leaves go before parents.
	sort.Slice(ephemerals, func(i, j int) bool {
		return strings.Count(ephemerals[i], "/") > strings.Count(ephemerals[j], "/")
	})
	for _, path := range ephemerals {
		if err := t.deleteLocked(path); err != nil {
			log.Warn("failed to drop ephemeral on session end",
				zap.String("path", path), zap.Error(err))
		}
	}
}

// fireLocked queues events for every session watching path.
func (t *memTree) fireLocked(path string, typ EventType) {
	for sess := range t.sessions {
		if _, ok := sess.watches[path]; ok {
			sess.emit(WatchEvent{Type: typ, Path: path})
		}
	}
}

func (s *MemStore) emit(ev WatchEvent) {
	select {
	case s.events <- ev:
	default:
		log.Warn("store event dropped, queue is full",
			zap.String("path", ev.Path))
	}
}
