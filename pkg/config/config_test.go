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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `
app-id = "demo"
app-key = "secret"
coord-address = ["127.0.0.1:2379"]
tick-interval = "5ms"
idle-timeout = "30s"

[[listen]]
url = "tcp://0.0.0.0:18001"
protocol = "binary"

[[listen]]
url = "http://0.0.0.0:18002"
protocol = "json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fabric.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "demo", cfg.AppID)
	require.Equal(t, []string{"127.0.0.1:2379"}, cfg.CoordAddress)
	require.Equal(t, 5*time.Millisecond, cfg.TickInterval.Duration)
	require.Equal(t, 30*time.Second, cfg.IdleTimeout.Duration)
	require.Len(t, cfg.Listen, 2)
	require.Equal(t, "json", cfg.Listen[1].Protocol)

	// Untouched fields keep the documented defaults.
	require.Equal(t, 3, cfg.MaxReconnect)
	require.Equal(t, 60*time.Second, cfg.RequestTimeout.Duration)

	// The relay url defaults to the first tcp listen url.
	require.Equal(t, "tcp://0.0.0.0:18001", cfg.RelayURL)
}

func TestEnvSeedOverridesFile(t *testing.T) {
	cfg := Default()
	cfg.AppID = "from-file"
	cfg.CoordAddress = []string{"old:2181"}

	err := cfg.ApplyEnv(`{
		"app_id": "1.2.30",
		"game_id": 42,
		"game_key": "k",
		"coord_address": "a:2379,b:2379",
		"bus_url": "udp://127.0.0.1:1599"
	}`)
	require.NoError(t, err)
	require.Equal(t, "1.2.30", cfg.AppID)
	require.EqualValues(t, 42, cfg.GameID)
	require.Equal(t, "k", cfg.AppKey)
	require.Equal(t, []string{"a:2379", "b:2379"}, cfg.CoordAddress)
	require.Equal(t, "udp://127.0.0.1:1599", cfg.BusURL)

	// unit.server.instance ids come out of the dotted app id.
	require.EqualValues(t, 1, cfg.UnitID)
	require.EqualValues(t, 2, cfg.ServerID)
	require.EqualValues(t, 30, cfg.InstanceID)
}

func TestEnvSeedAppIDMustBeDottedTriple(t *testing.T) {
	for _, appID := range []string{"1.2", "1.2.3.4", "a.b.c", "solo"} {
		cfg := Default()
		err := cfg.ApplyEnv(`{"app_id": "` + appID + `"}`)
		require.Error(t, err, appID)
	}

	// A seed without an app id leaves the ids untouched.
	cfg := Default()
	cfg.UnitID, cfg.ServerID, cfg.InstanceID = 7, 8, 9
	require.NoError(t, cfg.ApplyEnv(`{"game_id": 1}`))
	require.EqualValues(t, 7, cfg.UnitID)
	require.EqualValues(t, 8, cfg.ServerID)
	require.EqualValues(t, 9, cfg.InstanceID)
}

func TestEnvSeedEmptyAndInvalid(t *testing.T) {
	cfg := Default()
	cfg.AppID = "keep"
	require.NoError(t, cfg.ApplyEnv(""))
	require.Equal(t, "keep", cfg.AppID)
	require.Error(t, cfg.ApplyEnv("{not json"))
}
