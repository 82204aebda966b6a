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

// Package config loads the server configuration from a TOML file and
// overlays the orchestration environment seed.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/fabricmesh/pkg/errs"
)

// EnvVar is the environment variable optionally carrying a JSON seed from
// the orchestration system. Its fields win over the config file.
const EnvVar = "gcloud_env"

// ListenConfig is one serving endpoint.
type ListenConfig struct {
	// URL is scheme://host:port with scheme tcp, udp or http.
	URL string `toml:"url"`
	// Protocol is the wire codec: binary, json or protobuf.
	Protocol string `toml:"protocol"`
}

// Config is the full server configuration.
type Config struct {
	AppID  string `toml:"app-id"`
	AppKey string `toml:"app-key"`

	GameID     int64 `toml:"game-id"`
	UnitID     int32 `toml:"unit-id"`
	ServerID   int32 `toml:"server-id"`
	InstanceID int64 `toml:"instance-id"`

	// CoordAddress lists the coordination-store endpoints.
	CoordAddress []string `toml:"coord-address"`
	// BusURL is the messaging bus address handed through to applications.
	BusURL string `toml:"bus-url"`

	Listen []ListenConfig `toml:"listen"`

	// RelayURL is the address peers use to relay broadcasts to this
	// server. Defaults to the first TCP listen URL.
	RelayURL string `toml:"relay-url"`

	TickInterval    Duration `toml:"tick-interval"`
	IdleTimeout     Duration `toml:"idle-timeout"`
	RequestTimeout  Duration `toml:"request-timeout"`
	NamingRefresh   Duration `toml:"naming-refresh"`
	NamingInvalid   Duration `toml:"naming-invalid"`
	MaxReconnect    int      `toml:"max-reconnect"`
	SendQueueLen    int      `toml:"send-queue-len"`
	MaxRecvMsgSize  int      `toml:"max-recv-msg-size"`
}

// Duration adds TOML decoding to time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText implements toml decoding from strings like "300ms".
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		TickInterval:   Duration{10 * time.Millisecond},
		IdleTimeout:    Duration{100 * time.Second},
		RequestTimeout: Duration{60 * time.Second},
		NamingRefresh:  Duration{300 * time.Second},
		NamingInvalid:  Duration{330 * time.Second},
		MaxReconnect:   3,
		SendQueueLen:   10000,
		MaxRecvMsgSize: 2 * 1024 * 1024,
	}
}

// Load reads the TOML file, then overlays the environment seed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errs.WrapError(errs.ErrInvalidParam, err, "config file "+path)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv(EnvVar)); err != nil {
		return nil, err
	}
	if cfg.RelayURL == "" {
		for _, l := range cfg.Listen {
			if !strings.HasPrefix(strings.ToLower(l.URL), "tcp://") {
				continue
			}
			cfg.RelayURL = l.URL
			break
		}
	}
	return cfg, nil
}
