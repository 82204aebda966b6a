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
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/pingcap/fabricmesh/pkg/errs"
)

// envSeed is the JSON shape carried in the gcloud_env variable. The
// orchestration system assembles it at launch; every field is optional.
type envSeed struct {
	AppID        string `json:"app_id"`
	GameID       *int64 `json:"game_id"`
	GameKey      string `json:"game_key"`
	CoordAddress string `json:"coord_address"`
	BusURL       string `json:"bus_url"`
}

// ApplyEnv overlays one JSON seed onto the config. An empty value leaves
// the config untouched.
func (c *Config) ApplyEnv(value string) error {
	if value == "" {
		return nil
	}
	var seed envSeed
	if err := json.Unmarshal([]byte(value), &seed); err != nil {
		return errs.WrapError(errs.ErrInvalidParam, err, EnvVar)
	}
	if seed.AppID != "" {
		c.AppID = seed.AppID
		// The app id is "unit.server.instance"; the three ids only reach
		// the process through it.
		unitID, serverID, instanceID, err := splitAppID(seed.AppID)
		if err != nil {
			return err
		}
		c.UnitID = unitID
		c.ServerID = serverID
		c.InstanceID = instanceID
	}
	if seed.GameID != nil {
		c.GameID = *seed.GameID
	}
	if seed.GameKey != "" {
		c.AppKey = seed.GameKey
	}
	if seed.CoordAddress != "" {
		c.CoordAddress = strings.Split(seed.CoordAddress, ",")
	}
	if seed.BusURL != "" {
		c.BusURL = seed.BusURL
	}
	return nil
}

// splitAppID parses a dotted "unit.server.instance" app id.
func splitAppID(appID string) (unitID, serverID int32, instanceID int64, err error) {
	parts := strings.Split(appID, ".")
	if len(parts) != 3 {
		return 0, 0, 0, errs.ErrInvalidParam.GenWithStackByArgs("app_id " + appID)
	}
	unit, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return 0, 0, 0, errs.WrapError(errs.ErrInvalidParam, err, "app_id "+appID)
	}
	server, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return 0, 0, 0, errs.WrapError(errs.ErrInvalidParam, err, "app_id "+appID)
	}
	instance, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, 0, errs.WrapError(errs.ErrInvalidParam, err, "app_id "+appID)
	}
	return int32(unit), int32(server), instance, nil
}
