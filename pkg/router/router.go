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

// Package router binds a logical service name to a live set of transport
// handles and selects one per call.
package router

import (
	"context"
	"sort"

	"github.com/pingcap/log"
	"github.com/pingcap/fabricmesh/pkg/codec"
	"github.com/pingcap/fabricmesh/pkg/errs"
	"github.com/pingcap/fabricmesh/pkg/naming"
	"github.com/pingcap/fabricmesh/pkg/transport"
	"go.uber.org/zap"
)

// Policy selects how GetRoute picks a handle.
type Policy int

// Route policies.
const (
	// PolicyRoundRobin rotates through the live handles.
	PolicyRoundRobin Policy = iota
	// PolicyMod picks handles[key mod N].
	PolicyMod
	// PolicyUser delegates to the caller-supplied function.
	PolicyUser
)

// UserPolicyFunc receives the key and the live handle slice and picks one.
type UserPolicyFunc func(key uint64, handles []transport.Handle) (transport.Handle, error)

// Options configures a Router.
type Options struct {
	// Name is the watched service name path.
	Name      string
	Naming    *naming.Naming
	Transport *transport.Transport
	// Protocol is the codec used for connections this router opens.
	Protocol codec.Protocol
	Policy   Policy
	// UserPolicy must be set when Policy is PolicyUser.
	UserPolicy UserPolicyFunc
	// OnAddressChanged runs after every handle-set update; the RPC engine
	// uses it to attach its dispatcher to fresh handles.
	OnAddressChanged func(handles []transport.Handle)
}

// Router watches one name and keeps one connected handle per live URL.
// It is owned by the update-loop goroutine: the naming watch callback and
// GetRoute both run on it.
type Router struct {
	opts Options

	byURL   map[string]transport.Handle
	handles []transport.Handle
	counter uint64
}

// New creates a Router, opens handles for the current endpoint set and
// starts watching the name.
func New(ctx context.Context, opts Options) (*Router, error) {
	if opts.Name == "" || opts.Naming == nil || opts.Transport == nil {
		return nil, errs.ErrRouterInvalidParam.GenWithStackByArgs("name, naming and transport are required")
	}
	if opts.Policy == PolicyUser && opts.UserPolicy == nil {
		return nil, errs.ErrRouterInvalidParam.GenWithStackByArgs("user policy function is required")
	}
	r := &Router{
		opts:  opts,
		byURL: make(map[string]transport.Handle),
	}
	if err := opts.Naming.WatchName(ctx, opts.Name, r.onUrlsChanged); err != nil {
		return nil, err
	}
	urls, err := opts.Naming.GetUrlsByName(ctx, opts.Name)
	if err != nil {
		log.Warn("router starts with no endpoints",
			zap.String("name", opts.Name), zap.Error(err))
		urls = nil
	}
	r.onUrlsChanged(urls)
	return r, nil
}

// Name returns the watched name path.
func (r *Router) Name() string {
	return r.opts.Name
}

// Handles returns the live, deduplicated handle slice.
func (r *Router) Handles() []transport.Handle {
	return r.handles
}

// GetRoute selects one live handle per the configured policy.
func (r *Router) GetRoute(key uint64) (transport.Handle, error) {
	n := uint64(len(r.handles))
	if n == 0 {
		return transport.InvalidHandle, errs.ErrNoValidHandle.GenWithStackByArgs(r.opts.Name)
	}
	switch r.opts.Policy {
	case PolicyRoundRobin:
		h := r.handles[r.counter%n]
		r.counter++
		return h, nil
	case PolicyMod:
		return r.handles[key%n], nil
	case PolicyUser:
		return r.opts.UserPolicy(key, r.handles)
	}
	return transport.InvalidHandle, errs.ErrRouterInvalidParam.GenWithStackByArgs("unknown policy")
}

// Close releases every handle the router opened.
func (r *Router) Close() {
	for url, h := range r.byURL {
		r.opts.Transport.Close(h)
		delete(r.byURL, url)
	}
	r.handles = nil
}

// onUrlsChanged diffs the new URL set against the live one: handles of
// vanished URLs close, new URLs connect, and the stable slice rebuilds in
// URL order.
func (r *Router) onUrlsChanged(urls []string) {
	next := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		next[u] = struct{}{}
	}

	for url, h := range r.byURL {
		if _, ok := next[url]; !ok {
			log.Info("endpoint vanished, closing its handle",
				zap.String("name", r.opts.Name), zap.String("url", url))
			r.opts.Transport.Close(h)
			delete(r.byURL, url)
		}
	}
	for url := range next {
		if _, ok := r.byURL[url]; ok {
			continue
		}
		h, err := r.opts.Transport.Connect(url, r.opts.Protocol)
		if err != nil {
			log.Warn("failed to connect new endpoint",
				zap.String("name", r.opts.Name), zap.String("url", url), zap.Error(err))
			continue
		}
		r.byURL[url] = h
	}

	ordered := make([]string, 0, len(r.byURL))
	for url := range r.byURL {
		ordered = append(ordered, url)
	}
	sort.Strings(ordered)
	r.handles = r.handles[:0]
	for _, url := range ordered {
		r.handles = append(r.handles, r.byURL[url])
	}

	if r.opts.OnAddressChanged != nil {
		r.opts.OnAddressChanged(r.handles)
	}
}
