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
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"go.uber.org/zap"
)

// OnUrlsChanged receives the new URL set of a watched name.
type OnUrlsChanged func(urls []string)

// Options configures a Naming instance.
type Options struct {
	Store Store
	// RefreshInterval is how long a lookup result stays fresh. Defaults
	// to 300s.
	RefreshInterval time.Duration
	// InvalidInterval is how long a stale result may still serve when a
	// re-fetch fails. Defaults to 330s.
	InvalidInterval time.Duration
	// Clock is the cache time source. Defaults to the wall clock.
	Clock clock.Clock
}

type cacheEntry struct {
	urls      []string
	version   string
	fetchedAt time.Time
}

type watchRec struct {
	name  string
	fns   []OnUrlsChanged
	paths map[string]struct{} // concrete parents currently watched
}

// Naming publishes and resolves endpoints against the coordination store.
// It is owned by the update-loop goroutine: Update must be called
// periodically from it, and every callback runs inside Update.
type Naming struct {
	store   Store
	clk     clock.Clock
	refresh time.Duration
	invalid time.Duration

	cache map[string]*cacheEntry

	watchRecs map[string]*watchRec
	// watchedPaths maps a concrete watched path to the names whose
	// watches cover it.
	watchedPaths map[string]map[string]struct{}

	// registered remembers every ephemeral leaf for restoration, keyed by
	// leaf path.
	registered map[string][]byte

	authUser   string
	authDigest string
	hasAuth    bool
}

// New creates a Naming over the given store.
func New(opts Options) (*Naming, error) {
	if opts.Store == nil {
		return nil, errs.ErrNamingInvalidParam.GenWithStackByArgs("nil store")
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 300 * time.Second
	}
	if opts.InvalidInterval <= 0 {
		opts.InvalidInterval = 330 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Naming{
		store:        opts.Store,
		clk:          opts.Clock,
		refresh:      opts.RefreshInterval,
		invalid:      opts.InvalidInterval,
		cache:        make(map[string]*cacheEntry),
		watchRecs:    make(map[string]*watchRec),
		watchedPaths: make(map[string]map[string]struct{}),
		registered:   make(map[string][]byte),
	}, nil
}

// Digest derives the store credential for an app: base64(sha1(id:key)).
func Digest(appID, appKey string) string {
	sum := sha1.Sum([]byte(appID + ":" + appKey))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SetAppInfo installs the digest credential for the app's sub-tree. The
// credential is re-applied after a session recovery.
func (n *Naming) SetAppInfo(ctx context.Context, appID, appKey string) error {
	if appID == "" {
		return errs.ErrNamingInvalidParam.GenWithStackByArgs("empty app id")
	}
	digest := Digest(appID, appKey)
	if err := n.store.AddAuth(ctx, appID, digest); err != nil {
		return err
	}
	n.authUser, n.authDigest, n.hasAuth = appID, digest, true
	return nil
}

// Register publishes an instance's URL list as an ephemeral leaf under
// name, creating intermediate nodes as needed. The leaf is re-created
// automatically after session recovery, and also when it is observed to
// disappear while this process still runs.
func (n *Naming) Register(ctx context.Context, name string, urls []string, instanceID int64) error {
	name, err := normalizePath(name)
	if err != nil {
		return err
	}
	if hasWildcard(name) || len(urls) == 0 {
		return errs.ErrNamingInvalidParam.GenWithStackByArgs("name " + name)
	}
	leaf := fmt.Sprintf("%s/%d", name, instanceID)
	if _, ok := n.registered[leaf]; ok {
		return errs.ErrURLRegistered.GenWithStackByArgs(leaf)
	}
	if err := n.store.EnsurePath(ctx, name); err != nil {
		return err
	}
	data := EncodeURLList(urls)
	if err := n.store.CreateEphemeral(ctx, leaf, data); err != nil {
		if errs.Is(err, errs.ErrNodeExisted) {
			return errs.ErrURLRegistered.GenWithStackByArgs(leaf)
		}
		return errs.WrapError(errs.ErrRegisterFailed, err, leaf)
	}
	// Watch our own leaf so an unexpected disappearance is restored.
	if err := n.store.Watch(ctx, leaf); err != nil {
		log.Warn("failed to watch own registration", zap.String("path", leaf), zap.Error(err))
	}
	n.registered[leaf] = data
	log.Info("instance registered",
		zap.String("name", name), zap.Int64("instanceID", instanceID))
	return nil
}

// UnRegister removes the instance's leaf. Emptied ancestors are left in
// place: pruning them races against other observers.
func (n *Naming) UnRegister(ctx context.Context, name string, instanceID int64) error {
	name, err := normalizePath(name)
	if err != nil {
		return err
	}
	leaf := fmt.Sprintf("%s/%d", name, instanceID)
	if _, ok := n.registered[leaf]; !ok {
		return errs.ErrURLNotBound.GenWithStackByArgs(leaf)
	}
	delete(n.registered, leaf)
	n.store.Unwatch(leaf)
	if err := n.store.Delete(ctx, leaf); err != nil {
		return errs.WrapError(errs.ErrRegisterFailed, err, leaf)
	}
	log.Info("instance unregistered",
		zap.String("name", name), zap.Int64("instanceID", instanceID))
	return nil
}

// GetUrlsByName returns the deduplicated union of URL lists of every
// instance under name. '*' inside a segment matches any run of characters
// within that segment. Results serve from cache within RefreshInterval.
func (n *Naming) GetUrlsByName(ctx context.Context, name string) ([]string, error) {
	name, err := normalizePath(name)
	if err != nil {
		return nil, err
	}
	now := n.clk.Now()
	entry := n.cache[name]
	if entry != nil && now.Sub(entry.fetchedAt) < n.refresh {
		return entry.urls, nil
	}

	urls, version, err := n.fetch(ctx, name)
	if err != nil {
		if entry != nil && now.Sub(entry.fetchedAt) < n.invalid {
			return entry.urls, nil
		}
		delete(n.cache, name)
		return nil, err
	}
	n.cache[name] = &cacheEntry{urls: urls, version: version, fetchedAt: now}
	return urls, nil
}

// WatchName invokes fn with the new URL set whenever it changes. The watch
// stays armed for the life of the Naming instance and survives session
// recovery.
func (n *Naming) WatchName(ctx context.Context, name string, fn OnUrlsChanged) error {
	name, err := normalizePath(name)
	if err != nil {
		return err
	}
	if fn == nil {
		return errs.ErrNamingInvalidParam.GenWithStackByArgs("nil callback")
	}
	if rec, ok := n.watchRecs[name]; ok {
		rec.fns = append(rec.fns, fn)
		return nil
	}
	rec := &watchRec{name: name, paths: make(map[string]struct{})}
	rec.fns = append(rec.fns, fn)
	n.watchRecs[name] = rec
	if err := n.armWatches(ctx, rec); err != nil {
		delete(n.watchRecs, name)
		return err
	}
	// Prime the cache so the first fire has a version to compare against.
	if urls, version, err := n.fetch(ctx, name); err == nil {
		n.cache[name] = &cacheEntry{urls: urls, version: version, fetchedAt: n.clk.Now()}
	}
	return nil
}

// armWatches points the store watches of rec at the current concrete
// expansion of its name.
func (n *Naming) armWatches(ctx context.Context, rec *watchRec) error {
	parents, err := n.expand(ctx, rec.name)
	if err != nil {
		return err
	}
	if len(parents) == 0 && !hasWildcard(rec.name) {
		parents = []string{rec.name}
	}
	for _, p := range parents {
		if _, ok := rec.paths[p]; ok {
			continue
		}
		if err := n.store.Watch(ctx, p); err != nil {
			return err
		}
		rec.paths[p] = struct{}{}
		set, ok := n.watchedPaths[p]
		if !ok {
			set = make(map[string]struct{})
			n.watchedPaths[p] = set
		}
		set[rec.name] = struct{}{}
	}
	return nil
}

// Update drains store notifications, refreshes affected cache entries and
// fires the registered callbacks. Runs on the owner thread.
func (n *Naming) Update(ctx context.Context) {
	for {
		select {
		case ev := <-n.store.Events():
			n.handleEvent(ctx, ev)
		default:
			return
		}
	}
}

func (n *Naming) handleEvent(ctx context.Context, ev WatchEvent) {
	switch ev.Type {
	case EventSessionExpired:
		log.Warn("coordination store session expired")
	case EventSessionRestored:
		log.Info("coordination store session restored, re-applying state")
		n.restore(ctx)
	case EventNodeDeleted:
		if data, ok := n.registered[ev.Path]; ok {
			n.restoreLeaf(ctx, ev.Path, data)
			return
		}
		n.refire(ctx, ev.Path)
	default:
		n.refire(ctx, ev.Path)
	}
}

// refire re-reads every watched name covering path and notifies its
// callbacks. A fire that produces an unchanged version is dropped. The
// cache entry is replaced before the callbacks run, so a lookup from
// inside a callback sees the new set.
func (n *Naming) refire(ctx context.Context, path string) {
	names, ok := n.watchedPaths[path]
	if !ok {
		return
	}
	for name := range names {
		rec, ok := n.watchRecs[name]
		if !ok {
			continue
		}
		if hasWildcard(name) {
			// New concrete parents may have appeared.
			if err := n.armWatches(ctx, rec); err != nil {
				log.Warn("failed to extend wildcard watch",
					zap.String("name", name), zap.Error(err))
			}
		}
		urls, version, err := n.fetch(ctx, name)
		if err != nil {
			log.Warn("failed to refresh watched name",
				zap.String("name", name), zap.Error(err))
			continue
		}
		if entry, ok := n.cache[name]; ok && entry.version == version {
			continue
		}
		n.cache[name] = &cacheEntry{urls: urls, version: version, fetchedAt: n.clk.Now()}
		for _, fn := range rec.fns {
			fn(urls)
		}
	}
}

// restore re-applies credentials, ephemeral registrations and watches
// after a fresh session.
func (n *Naming) restore(ctx context.Context) {
	if n.hasAuth {
		if err := n.store.AddAuth(ctx, n.authUser, n.authDigest); err != nil {
			log.Error("failed to restore credential", zap.Error(err))
		}
	}
	for leaf, data := range n.registered {
		n.restoreLeaf(ctx, leaf, data)
	}
	for path := range n.watchedPaths {
		if err := n.store.Watch(ctx, path); err != nil {
			log.Error("failed to restore watch", zap.String("path", path), zap.Error(err))
		}
	}
}

func (n *Naming) restoreLeaf(ctx context.Context, leaf string, data []byte) {
	if err := n.store.EnsurePath(ctx, parentOf(leaf)); err != nil {
		log.Error("failed to restore registration", zap.String("path", leaf), zap.Error(err))
		return
	}
	err := n.store.CreateEphemeral(ctx, leaf, data)
	if err != nil && !errs.Is(err, errs.ErrNodeExisted) {
		log.Error("failed to restore registration", zap.String("path", leaf), zap.Error(err))
		return
	}
	if err == nil {
		log.Info("registration restored", zap.String("path", leaf))
	}
	if err := n.store.Watch(ctx, leaf); err != nil {
		log.Warn("failed to re-watch registration", zap.String("path", leaf), zap.Error(err))
	}
}

// expand resolves a possibly-wildcarded name into the concrete node paths
// matching it, BFS segment by segment.
func (n *Naming) expand(ctx context.Context, name string) ([]string, error) {
	if !hasWildcard(name) {
		return []string{name}, nil
	}
	segments := strings.Split(strings.TrimPrefix(name, "/"), "/")
	current := []string{""}
	for _, seg := range segments {
		if !hasWildcard(seg) {
			next := make([]string, 0, len(current))
			for _, p := range current {
				next = append(next, p+"/"+seg)
			}
			current = next
			continue
		}
		var next []string
		for _, p := range current {
			listPath := p
			if listPath == "" {
				listPath = "/"
			}
			dir, err := n.store.Children(ctx, listPath)
			if err != nil {
				continue
			}
			for _, child := range dir.Children {
				if matchSegment(seg, child.Name) {
					next = append(next, p+"/"+child.Name)
				}
			}
		}
		current = next
	}
	return current, nil
}

// fetch lists every instance under the (expanded) name and unions their
// URL lists. The version string concatenates each parent's child-list
// version with the sum of its child data versions, so any change under
// the name produces a different version.
func (n *Naming) fetch(ctx context.Context, name string) ([]string, string, error) {
	parents, err := n.expand(ctx, name)
	if err != nil {
		return nil, "", err
	}
	wildcard := hasWildcard(name)

	seen := make(map[string]struct{})
	var urls []string
	var versions []string
	for _, parent := range parents {
		dir, err := n.store.Children(ctx, parent)
		if err != nil {
			if wildcard {
				continue
			}
			return nil, "", err
		}
		var dataSum int64
		for _, child := range dir.Children {
			dataSum += child.DataVersion
			list, err := DecodeURLList(child.Data)
			if err != nil {
				log.Warn("undecodable url list skipped",
					zap.String("path", parent+"/"+child.Name), zap.Error(err))
				continue
			}
			for _, u := range list {
				if _, ok := seen[u]; ok {
					continue
				}
				seen[u] = struct{}{}
				urls = append(urls, u)
			}
		}
		versions = append(versions,
			parent+"="+strconv.FormatInt(dir.CVersion, 10)+"|"+strconv.FormatInt(dataSum, 10))
	}
	sort.Strings(urls)
	return urls, strings.Join(versions, ";"), nil
}
