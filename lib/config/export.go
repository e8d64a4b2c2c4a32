// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/lsmbo/cumulus/sdk/go/cumulus"
)

// ExportJSON writes a JSON object with the safe (non-secret) portions
// of the config to w.
func ExportJSON(w io.Writer, cfg *cumulus.Config) error {
	buf, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var m map[string]interface{}
	err = json.Unmarshal(buf, &m)
	if err != nil {
		return err
	}
	err = redactUnsafe(m, "", "")
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(m)
}

// whitelist classifies configs as safe/unsafe to reveal to
// management API clients.
//
// Every config entry must either be listed explicitly here along with
// all of its parent keys (e.g., "Storage" + "Storage.JobsDir"), or
// have an ancestor listed as false (e.g.,
// "CloudVMs.DriverParameters.SecretAccessKey" has an ancestor
// "CloudVMs.DriverParameters" with a false value). Otherwise, it is a
// bug which should be caught by tests.
var whitelist = map[string]bool{
	// | sort -t'"' -k2,2
	"Apps":                          true,
	"Apps.Dir":                      true,
	"Apps.FinalFile":                true,
	"Cleanup":                       true,
	"Cleanup.MaxAge":                true,
	"Cleanup.Schedule":              true,
	"Cleanup.StartupDelay":          true,
	"CloudVMs":                      true,
	"CloudVMs.BootProbeCommand":     true,
	"CloudVMs.Driver":               true,
	"CloudVMs.DriverParameters":     false,
	"CloudVMs.ImageID":              true,
	"CloudVMs.InputWaitInterval":    true,
	"CloudVMs.MaxCloudOpsPerSecond": true,
	"CloudVMs.SSHPort":              true,
	"CloudVMs.TemplateSnapshotID":   true,
	"CloudVMs.TimeoutBooting":       true,
	"CloudVMs.VolumeSizeGB":         true,
	"Database":                      false,
	"Dispatch":                      true,
	"Dispatch.PrivateKey":           false,
	"Dispatch.User":                 true,
	"FlavorsFile":                   true,
	"Heartbeat":                     true,
	"Heartbeat.FreshnessWindow":     true,
	"Heartbeat.LRUSize":             true,
	"ManagementToken":               false,
	"Scheduler":                     true,
	"Scheduler.PollInterval":        true,
	"Services":                      true,
	"Services.Listen":               true,
	"Storage":                       true,
	"Storage.DataDir":               true,
	"Storage.JobsDir":               true,
	"Storage.PidsDir":               true,
	"SystemLogs":                    true,
	"SystemLogs.File":               true,
	"SystemLogs.Format":             true,
	"SystemLogs.LogLevel":           true,
}

func redactUnsafe(m map[string]interface{}, mPrefix, lookupPrefix string) error {
	var errs []string
	for k, v := range m {
		lookupKey := k
		safe, ok := whitelist[lookupPrefix+k]
		if !ok {
			lookupKey = "*"
			safe, ok = whitelist[lookupPrefix+"*"]
		}
		if !ok {
			errs = append(errs, fmt.Sprintf("config bug: key %q not in whitelist map", lookupPrefix+k))
			continue
		}
		if !safe {
			delete(m, k)
			continue
		}
		if v, ok := v.(map[string]interface{}); ok {
			err := redactUnsafe(v, mPrefix+k+".", lookupPrefix+lookupKey+".")
			if err != nil {
				errs = append(errs, err.Error())
			}
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "\n"))
	}
	return nil
}
