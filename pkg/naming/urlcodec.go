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
	"net/url"
	"strings"

	"github.com/pingcap/fabricmesh/pkg/errs"
)

// A node value is the instance's URL list: each URL percent-encoded, the
// list comma-joined.

// EncodeURLList encodes a URL list into a node value.
func EncodeURLList(urls []string) []byte {
	escaped := make([]string, 0, len(urls))
	for _, u := range urls {
		escaped = append(escaped, url.QueryEscape(u))
	}
	return []byte(strings.Join(escaped, ","))
}

// DecodeURLList decodes a node value back into a URL list.
func DecodeURLList(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	parts := strings.Split(string(data), ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		u, err := url.QueryUnescape(p)
		if err != nil {
			return nil, errs.WrapError(errs.ErrNamingInvalidParam, err, "url list")
		}
		urls = append(urls, u)
	}
	return urls, nil
}

// matchSegment reports whether one path segment matches a pattern where
// '*' matches any run of characters within the segment.
func matchSegment(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	// Anchored prefix and suffix, the middle parts match in order.
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	if !strings.HasSuffix(s, last) {
		return false
	}
	s = s[:len(s)-len(last)]
	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		i := strings.Index(s, mid)
		if i < 0 {
			return false
		}
		s = s[i+len(mid):]
	}
	return true
}

func hasWildcard(name string) bool {
	return strings.Contains(name, "*")
}
