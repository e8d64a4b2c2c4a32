// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package version reports the cumulus release number.
package version

import "runtime/debug"

// Version is assigned at link time:
//
//	go build -ldflags "-X github.com/lsmbo/cumulus/sdk/go/version.Version=1.2.0"
var Version string

// GetVersion returns the release number assigned by the linker, or
// the module version recorded by "go install", or "dev".
func GetVersion() string {
	if Version != "" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	return "dev"
}
