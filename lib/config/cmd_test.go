// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/lsmbo/cumulus/lib/cmdtest"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct {
	flavorsPath string
}

func (s *CommandSuite) SetUpTest(c *check.C) {
	s.flavorsPath = filepath.Join(c.MkDir(), "flavors")
	err := os.WriteFile(s.flavorsPath, []byte("small 1 2 4 t3.medium\nlarge 4 16 64\nmax_weight 8\n"), 0644)
	c.Assert(err, check.IsNil)
}

func (s *CommandSuite) TestBadArg(c *check.C) {
	var stderr bytes.Buffer
	code := DumpCommand.RunCommand("cumulus config-dump", []string{"-badarg"}, bytes.NewBuffer(nil), bytes.NewBuffer(nil), &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `error parsing command line arguments: flag provided but not defined: -badarg \(try -help\)\n`)
}

func (s *CommandSuite) TestEmptyInput(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpCommand.RunCommand("cumulus config-dump", []string{"-config", "-"}, &bytes.Buffer{}, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `config file is empty\n`)
}

func (s *CommandSuite) TestDumpUnknownKey(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	in := `
UnknownKey: foobar
ManagementToken: secret
`
	code := DumpCommand.RunCommand("cumulus config-dump", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nManagementToken: secret\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nStorage:\n  DataDir: /var/lib/cumulus/data\n.*`)
	c.Check(stdout.String(), check.Not(check.Matches), `(?ms).*UnknownKey.*`)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: UnknownKey.*`)
}

func (s *CommandSuite) TestCheck(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	in := "FlavorsFile: " + s.flavorsPath + "\n"
	code := CheckCommand.RunCommand("cumulus config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "config OK, 2 flavors, max_weight 8\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestCheckUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := "FlavorsFile: " + s.flavorsPath + "\nStorage:\n  JobDir: /tmp\n"
	code := CheckCommand.RunCommand("cumulus config-check", []string{"-config", "-"}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: Storage.JobDir.*`)
}

func (s *CommandSuite) TestCheckBadFlavors(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := "ManagementToken: x\n"
	code := CheckCommand.RunCommand("cumulus config-check", []string{"-config", "-", "-flavors", filepath.Join(c.MkDir(), "nonexistent")}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*nonexistent: no such file or directory\n`)
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("cumulus config-defaults", nil, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.Bytes(), check.DeepEquals, DefaultYAML)
}

func (s *CommandSuite) TestFlavors(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	in := "ManagementToken: x\n"
	code := FlavorsCommand.RunCommand("cumulus flavors", []string{"-config", "-", "-flavors", s.flavorsPath}, bytes.NewBufferString(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	c.Check(stdout.String(), check.Matches, `(?ms).*NAME.*WEIGHT.*CPU.*RAM.*INSTANCE TYPE.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*small *\| 1 *\| 2 *\| 4\.0 GiB *\| t3\.medium.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*large *\| 4 *\| 16 *\| 64 GiB *\| large.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*\nmax_weight 8\n$`)
}
