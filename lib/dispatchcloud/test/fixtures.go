// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	check "gopkg.in/check.v1"
)

// Flavor returns a fake flavor called "flavor{i}" with i CPUs, 4*i
// GB of RAM, and weight i.
func Flavor(i int) cumulus.Flavor {
	return cumulus.Flavor{
		Name:         fmt.Sprintf("flavor%d", i),
		Weight:       i,
		CPU:          i,
		RAM:          4 * i,
		ProviderType: fmt.Sprintf("providertype%d", i),
	}
}

// Flavors returns a table of Flavor(1)..Flavor(n) with the given
// budget.
func Flavors(n, maxWeight int) cumulus.FlavorTable {
	ft := cumulus.FlavorTable{MaxWeight: maxWeight}
	for i := 1; i <= n; i++ {
		ft.Flavors = append(ft.Flavors, Flavor(i))
	}
	return ft
}

// Config returns a configuration whose storage directories and
// database live in a fresh temporary directory, with short
// intervals suitable for tests.
func Config(c *check.C) *cumulus.Config {
	tmp := c.MkDir()
	cfg := &cumulus.Config{}
	cfg.Storage.JobsDir = filepath.Join(tmp, "jobs")
	cfg.Storage.DataDir = filepath.Join(tmp, "data")
	cfg.Storage.PidsDir = filepath.Join(tmp, "pids")
	cfg.Database.Driver = "sqlite3"
	cfg.Database.Connection = filepath.Join(tmp, "cumulus.db")
	cfg.Scheduler.PollInterval = cumulus.Duration(10 * time.Millisecond)
	cfg.Heartbeat.FreshnessWindow = cumulus.Duration(2 * time.Minute)
	cfg.Heartbeat.LRUSize = 64
	cfg.Cleanup.Schedule = "@daily"
	cfg.Cleanup.MaxAge = cumulus.Duration(30 * 24 * time.Hour)
	cfg.CloudVMs.Driver = "stub"
	cfg.CloudVMs.TemplateSnapshotID = "snap-template"
	cfg.CloudVMs.ImageID = "img-test"
	cfg.CloudVMs.VolumeSizeGB = 10
	cfg.CloudVMs.TimeoutBooting = cumulus.Duration(5 * time.Second)
	cfg.CloudVMs.BootProbeCommand = "true"
	cfg.CloudVMs.InputWaitInterval = cumulus.Duration(10 * time.Millisecond)
	cfg.Apps.FinalFile = ".cumulus.rsync"
	cfg.Dispatch.User = "cumulus"
	return cfg
}
