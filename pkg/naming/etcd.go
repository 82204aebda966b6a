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
	"strings"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const (
	etcdDialTimeout = 5 * time.Second
	etcdOpTimeout   = 10 * time.Second
	// sessionTTL is the lease TTL carrying every ephemeral node.
	sessionTTL = 10 // seconds
)

// EtcdStore adapts an etcd cluster to the Store contract. Hierarchical
// nodes map to keys; ephemerals are keys bound to a session lease; watches
// are prefix watches translated to node/children events.
type EtcdStore struct {
	endpoints []string

	mu      sync.Mutex
	cli     *clientv3.Client
	session *concurrency.Session
	watches map[string]context.CancelFunc

	events chan WatchEvent
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewEtcdStore dials the cluster and establishes the first session.
func NewEtcdStore(endpoints []string) (*EtcdStore, error) {
	s := &EtcdStore{
		endpoints: endpoints,
		watches:   make(map[string]context.CancelFunc),
		events:    make(chan WatchEvent, 1024),
		done:      make(chan struct{}),
	}
	if err := s.dial("", ""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EtcdStore) dial(username, password string) error {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   s.endpoints,
		DialTimeout: etcdDialTimeout,
		Username:    username,
		Password:    password,
	})
	if err != nil {
		return errs.WrapError(errs.ErrStoreClosed, err)
	}
	session, err := concurrency.NewSession(cli, concurrency.WithTTL(sessionTTL))
	if err != nil {
		_ = cli.Close()
		return errs.WrapError(errs.ErrStoreClosed, err)
	}

	s.mu.Lock()
	oldCli, oldSession := s.cli, s.session
	s.cli, s.session = cli, session
	s.mu.Unlock()
	if oldSession != nil {
		_ = oldSession.Close()
	}
	if oldCli != nil {
		_ = oldCli.Close()
	}

	s.wg.Add(1)
	go s.watchSession(session)
	return nil
}

// watchSession emits the session lifecycle events and re-establishes the
// session after an expiry.
func (s *EtcdStore) watchSession(session *concurrency.Session) {
	defer s.wg.Done()
	select {
	case <-s.done:
		return
	case <-session.Done():
	}
	s.emit(WatchEvent{Type: EventSessionExpired})
	for {
		select {
		case <-s.done:
			return
		default:
		}
		s.mu.Lock()
		cli := s.cli
		s.mu.Unlock()
		fresh, err := concurrency.NewSession(cli, concurrency.WithTTL(sessionTTL))
		if err != nil {
			log.Warn("failed to re-establish store session", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		s.mu.Lock()
		s.session = fresh
		s.mu.Unlock()
		s.emit(WatchEvent{Type: EventSessionRestored})
		s.wg.Add(1)
		go s.watchSession(fresh)
		return
	}
}

// AddAuth re-dials with the digest credential.
func (s *EtcdStore) AddAuth(_ context.Context, user, digest string) error {
	return s.dial(user, digest)
}

// EnsurePath creates path and missing ancestors as persistent keys.
func (s *EtcdStore) EnsurePath(ctx context.Context, path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	cli := s.client()
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	node := ""
	for _, seg := range segments {
		node += "/" + seg
		opCtx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
		_, err := cli.Txn(opCtx).
			If(clientv3.Compare(clientv3.CreateRevision(node), "=", 0)).
			Then(clientv3.OpPut(node, "")).
			Commit()
		cancel()
		if err != nil {
			return errs.WrapError(errs.ErrRegisterFailed, err, node)
		}
	}
	return nil
}

// CreateEphemeral creates a key bound to the session lease.
func (s *EtcdStore) CreateEphemeral(ctx context.Context, path string, data []byte) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	cli, session := s.cli, s.session
	s.mu.Unlock()
	opCtx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	resp, err := cli.Txn(opCtx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithLease(session.Lease()))).
		Commit()
	if err != nil {
		return errs.WrapError(errs.ErrRegisterFailed, err, path)
	}
	if !resp.Succeeded {
		return errs.ErrNodeExisted.GenWithStackByArgs(path)
	}
	return nil
}

// Delete removes one key.
func (s *EtcdStore) Delete(ctx context.Context, path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	resp, err := s.client().Delete(opCtx, path)
	if err != nil {
		return errs.WrapError(errs.ErrRegisterFailed, err, path)
	}
	if resp.Deleted == 0 {
		return errs.ErrNodeNotFound.GenWithStackByArgs(path)
	}
	return nil
}

// Get reads one key; the data version is the key's ModRevision.
func (s *EtcdStore) Get(ctx context.Context, path string) ([]byte, int64, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, 0, err
	}
	opCtx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	resp, err := s.client().Get(opCtx, path)
	if err != nil {
		return nil, 0, errs.WrapError(errs.ErrNodeNotFound, err, path)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, errs.ErrNodeNotFound.GenWithStackByArgs(path)
	}
	kv := resp.Kvs[0]
	return kv.Value, kv.ModRevision, nil
}

// Set writes one key with an optimistic ModRevision check unless -1.
func (s *EtcdStore) Set(ctx context.Context, path string, data []byte, version int64) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	cli := s.client()
	if version < 0 {
		_, err = cli.Put(opCtx, path, string(data))
		return errs.WrapError(errs.ErrRegisterFailed, err, path)
	}
	resp, err := cli.Txn(opCtx).
		If(clientv3.Compare(clientv3.ModRevision(path), "=", version)).
		Then(clientv3.OpPut(path, string(data))).
		Commit()
	if err != nil {
		return errs.WrapError(errs.ErrRegisterFailed, err, path)
	}
	if !resp.Succeeded {
		return errs.ErrNamingInvalidParam.GenWithStackByArgs("version conflict on " + path)
	}
	return nil
}

// Children lists direct children of path. CVersion is the sum of child
// CreateRevisions, which changes on any add or remove.
func (s *EtcdStore) Children(ctx context.Context, path string) (*Dir, error) {
	path, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, etcdOpTimeout)
	defer cancel()
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	resp, err := s.client().Get(opCtx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errs.WrapError(errs.ErrNodeNotFound, err, path)
	}
	dir := &Dir{}
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		dir.CVersion += kv.CreateRevision
		dir.Children = append(dir.Children, Child{
			Name:        rest,
			Data:        kv.Value,
			DataVersion: kv.ModRevision,
		})
	}
	return dir, nil
}

// Watch arms one prefix watch translated to store events.
func (s *EtcdStore) Watch(ctx context.Context, path string) error {
	path, err := normalizePath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.watches[path]; ok {
		s.mu.Unlock()
		return nil
	}
	watchCtx, cancel := context.WithCancel(clientv3.WithRequireLeader(context.Background()))
	s.watches[path] = cancel
	cli := s.cli
	s.mu.Unlock()

	ch := cli.Watch(watchCtx, path, clientv3.WithPrefix())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for resp := range ch {
			if resp.Err() != nil {
				log.Warn("watch stream error",
					zap.String("path", path), zap.Error(resp.Err()))
				continue
			}
			for _, ev := range resp.Events {
				s.emit(translateEvent(path, ev))
			}
		}
	}()
	return nil
}

func translateEvent(watched string, ev *clientv3.Event) WatchEvent {
	key := string(ev.Kv.Key)
	if key == watched {
		if ev.Type == mvccpb.DELETE {
			return WatchEvent{Type: EventNodeDeleted, Path: watched}
		}
		return WatchEvent{Type: EventNodeChanged, Path: watched}
	}
	return WatchEvent{Type: EventChildrenChanged, Path: watched}
}

// Unwatch disarms the watch on path.
func (s *EtcdStore) Unwatch(path string) {
	s.mu.Lock()
	cancel, ok := s.watches[path]
	if ok {
		delete(s.watches, path)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Events returns the notification channel.
func (s *EtcdStore) Events() <-chan WatchEvent {
	return s.events
}

// Close releases the session and the client.
func (s *EtcdStore) Close() error {
	close(s.done)
	s.mu.Lock()
	for path, cancel := range s.watches {
		delete(s.watches, path)
		cancel()
	}
	session, cli := s.session, s.cli
	s.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
	var err error
	if cli != nil {
		err = cli.Close()
	}
	s.wg.Wait()
	return err
}

func (s *EtcdStore) client() *clientv3.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cli
}

func (s *EtcdStore) emit(ev WatchEvent) {
	select {
	case s.events <- ev:
	default:
		log.Warn("store event dropped, queue is full", zap.String("path", ev.Path))
	}
}

var _ Store = (*EtcdStore)(nil)
var _ Store = (*MemStore)(nil)
