// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"github.com/lsmbo/cumulus/lib/cmd"
	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/olekukonko/tablewriter"
)

var DumpCommand dumpCommand

type dumpCommand struct{}

func (dumpCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return 1
	}
	_, err = stdout.Write(out)
	if err != nil {
		return 1
	}
	return 0
}

var CheckCommand checkCommand

type checkCommand struct{}

// RunCommand loads the config and flavors files, and exits non-zero
// if either is invalid or the config has unknown keys.
func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	log := &plainLogger{w: stderr}
	loader := NewLoader(stdin, nil)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	loader.Logger = ctxlog.New(log, "text", "info")
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	ft, err := loader.LoadFlavors(cfg)
	if err != nil {
		return 1
	}
	if log.used {
		return 1
	}
	fmt.Fprintf(stdout, "config OK, %d flavors, max_weight %d\n", len(ft.Flavors), ft.MaxWeight)
	return 0
}

// plainLogger is an io.Writer that remembers whether anything was
// logged.
type plainLogger struct {
	w    io.Writer
	used bool
}

func (pl *plainLogger) Write(p []byte) (int, error) {
	pl.used = true
	return pl.w.Write(p)
}

var DumpDefaultsCommand defaultsCommand

type defaultsCommand struct{}

func (defaultsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	_, err := stdout.Write(DefaultYAML)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

var FlavorsCommand flavorsCommand

type flavorsCommand struct{}

// RunCommand prints the flavor table and the weight budget.
func (flavorsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	ft, err := loader.LoadFlavors(cfg)
	if err != nil {
		return 1
	}
	table := tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"Name", "Weight", "CPU", "RAM", "Instance type"})
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, f := range ft.Flavors {
		table.Append([]string{
			f.Name,
			strconv.Itoa(f.Weight),
			strconv.Itoa(f.CPU),
			humanize.IBytes(uint64(f.RAM) * humanize.GiByte),
			f.InstanceType(),
		})
	}
	table.Render()
	fmt.Fprintf(stdout, "max_weight %d\n", ft.MaxWeight)
	return 0
}
