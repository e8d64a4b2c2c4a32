// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloudtest checks a cloud driver and configuration by
// creating a worker volume and instance, waiting for the instance to
// boot, and destroying them.
package cloudtest

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/lib/cmd"
	"github.com/lsmbo/cumulus/lib/config"
	"github.com/lsmbo/cumulus/lib/dispatchcloud"
	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"golang.org/x/crypto/ssh"
)

var Command command

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	logger := ctxlog.New(stderr, "text", "info")
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	instanceSetID := flags.String("instance-set-id", "cumulus-cloudtest", "InstanceSetID tag `value` to use on the test instance")
	imageID := flags.String("image-id", "", "Image ID to use when creating the test instance (if empty, use config)")
	flavorName := flags.String("flavor", "", "Flavor to create (if empty, use the lightest flavor)")
	destroyExisting := flags.Bool("destroy-existing", false, "Destroy any existing instances tagged with our InstanceSetID, instead of erroring out")
	shellCommand := flags.String("command", "", "Run an interactive shell command on the test instance when it boots")
	pauseBeforeDestroy := flags.Bool("pause-before-destroy", false, "Prompt and wait before destroying the test instance")
	probeInterval := flags.Duration("probe-interval", 5*time.Second, "Interval between boot probes")
	syncInterval := flags.Duration("sync-interval", 10*time.Second, "Interval between instance list checks")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	defer func() {
		if err != nil {
			logger.WithError(err).Error("fatal")
			// suppress output from the other error-printing func
			err = nil
		}
		logger.Info("exiting")
	}()

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	flavors, err := loader.LoadFlavors(cfg)
	if err != nil {
		return 1
	}
	key, err := ssh.ParsePrivateKey([]byte(cfg.Dispatch.PrivateKey))
	if err != nil {
		err = fmt.Errorf("error parsing configured Dispatch.PrivateKey: %s", err)
		return 1
	}
	driver, ok := dispatchcloud.Drivers[cfg.CloudVMs.Driver]
	if !ok {
		err = fmt.Errorf("unsupported cloud driver %q", cfg.CloudVMs.Driver)
		return 1
	}
	if *imageID == "" {
		*imageID = cfg.CloudVMs.ImageID
	}
	flavor, err := chooseFlavor(flavors, *flavorName)
	if err != nil {
		return 1
	}
	if !(&tester{
		Logger:           logger,
		Tags:             cloud.InstanceTags{"cumulus-cloudtest-pid": fmt.Sprintf("%d", os.Getpid())},
		SetID:            cloud.InstanceSetID(*instanceSetID),
		DestroyExisting:  *destroyExisting,
		ProbeInterval:    *probeInterval,
		SyncInterval:     *syncInterval,
		TimeoutBooting:   cfg.CloudVMs.TimeoutBooting.Duration(),
		Driver:           driver,
		DriverParameters: cfg.CloudVMs.DriverParameters,
		Flavor:           flavor,
		ImageID:          cloud.ImageID(*imageID),
		SnapshotID:       cloud.SnapshotID(cfg.CloudVMs.TemplateSnapshotID),
		VolumeSizeGB:     cfg.CloudVMs.VolumeSizeGB,
		SSHKey:           key,
		SSHPort:          cfg.CloudVMs.SSHPort,
		SSHUser:          cfg.Dispatch.User,
		BootProbeCommand: cfg.CloudVMs.BootProbeCommand,
		ShellCommand:     *shellCommand,
		PauseBeforeDestroy: func() {
			if *pauseBeforeDestroy {
				logger.Info("waiting for operator to press Enter")
				fmt.Fprint(stderr, "Press Enter to continue: ")
				bufio.NewReader(stdin).ReadString('\n')
			}
		},
	}).Run() {
		return 1
	}
	return 0
}

// Return the named flavor, or the lightest flavor if name=="".
func chooseFlavor(ft cumulus.FlavorTable, name string) (cumulus.Flavor, error) {
	if len(ft.Flavors) == 0 {
		return cumulus.Flavor{}, errors.New("no flavors are configured")
	} else if name == "" {
		best := ft.Flavors[0]
		for _, f := range ft.Flavors[1:] {
			if f.Weight < best.Weight {
				best = f
			}
		}
		return best, nil
	}
	for _, f := range ft.Flavors {
		if f.Name == name {
			return f, nil
		}
	}
	return cumulus.Flavor{}, fmt.Errorf("requested flavor %q is not configured", name)
}
