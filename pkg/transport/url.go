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
	"strings"

	"github.com/pingcap/fabricmesh/pkg/errs"
)

// Schemes understood by the transport. The naming layer additionally
// accepts "broadcast://<channel>" but that pseudo-scheme never reaches
// Bind or Connect.
const (
	SchemeTCP  = "tcp"
	SchemeUDP  = "udp"
	SchemeHTTP = "http"
)

// SplitURL splits "scheme://host:port" into its scheme and address parts.
func SplitURL(url string) (scheme, addr string, err error) {
	i := strings.Index(url, "://")
	if i <= 0 || i+3 >= len(url) {
		return "", "", errs.ErrInvalidURL.GenWithStackByArgs(url)
	}
	scheme = strings.ToLower(url[:i])
	addr = url[i+3:]
	switch scheme {
	case SchemeTCP, SchemeUDP, SchemeHTTP:
		return scheme, addr, nil
	}
	return "", "", errs.ErrUnsupportedScheme.GenWithStackByArgs(scheme)
}
