// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/lsmbo/cumulus/lib/cloud/cloudtest"
	"github.com/lsmbo/cumulus/lib/cmd"
	"github.com/lsmbo/cumulus/lib/config"
	"github.com/lsmbo/cumulus/lib/dispatchcloud"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"server":          dispatchcloud.Command,
		"jobs":            dispatchcloud.JobCommand,
		"cloudtest":       cloudtest.Command,
		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
		"flavors":         config.FlavorsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
