// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatchcloud wires the job store, app registry, scheduler,
// worker manager, liveness monitor and cleanup sweeper into a
// service, and serves the management API.
package dispatchcloud

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/lsmbo/cumulus/lib/apps"
	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/lib/cmd"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/cleanup"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/heartbeat"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/scheduler"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/sshexecutor"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/worker"
	"github.com/lsmbo/cumulus/lib/jobstore"
	"github.com/lsmbo/cumulus/lib/service"
	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

var Command cmd.Handler = service.Command(newHandler)

func newHandler(ctx context.Context, config *cumulus.Config, flavors cumulus.FlavorTable, reg *prometheus.Registry) (service.Handler, error) {
	disp := &dispatcher{
		Config:   config,
		Flavors:  flavors,
		Context:  ctx,
		Registry: reg,
	}
	if err := disp.initialize(); err != nil {
		disp.release()
		return nil, err
	}
	return disp, nil
}

type dispatcher struct {
	Config        *cumulus.Config
	Flavors       cumulus.FlavorTable
	Context       context.Context
	Registry      *prometheus.Registry
	InstanceSetID cloud.InstanceSetID

	logger      logrus.FieldLogger
	fs          afero.Fs
	store       *jobstore.Store
	apps        *apps.Registry
	instanceSet cloud.InstanceSet
	manager     *worker.Manager
	monitor     *heartbeat.Monitor
	sched       *scheduler.Scheduler
	sweeper     *cleanup.Sweeper
	httpHandler http.Handler
	sshKey      ssh.Signer
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	if err := disp.store.Ping(disp.Context); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	for _, dir := range []string{disp.Config.Storage.JobsDir, disp.Config.Storage.DataDir, disp.Config.Storage.PidsDir} {
		if ok, err := afero.DirExists(disp.fs, dir); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("storage directory %s does not exist", dir)
		}
	}
	return nil
}

// Run implements service.Handler. It runs the scheduler, the
// cleanup sweeper, and the app descriptor watcher until ctx is
// cancelled.
func (disp *dispatcher) Run(ctx context.Context) error {
	ctx = ctxlog.Context(ctx, disp.logger)
	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			disp.sched.Start()
			<-ctx.Done()
			disp.sched.Stop()
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return disp.sweeper.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	if disp.Config.Apps.Dir != "" {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			if err := disp.apps.Watch(ctx); err != nil {
				// Descriptors stay as loaded at startup.
				disp.logger.WithError(err).Warn("not watching app descriptors for changes")
			}
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}
	return g.Run()
}

// Shutdown implements service.Handler. Jobs whose workers were still
// being provisioned are paused, so the next process can resume them.
func (disp *dispatcher) Shutdown(ctx context.Context) {
	n, err := disp.store.PausePreparing(ctx)
	if err != nil {
		disp.logger.WithError(err).Error("could not pause preparing jobs")
	} else if n > 0 {
		disp.logger.WithField("Jobs", n).Info("paused preparing jobs")
	}
	disp.release()
}

func (disp *dispatcher) release() {
	if disp.instanceSet != nil {
		disp.instanceSet.Stop()
	}
	if disp.store != nil {
		disp.store.Close()
	}
}

// Make a worker.Executor for the given instance.
func (disp *dispatcher) newExecutor(inst cloud.Instance) worker.Executor {
	exr := sshexecutor.New(inst)
	exr.SetTargetPort(disp.Config.CloudVMs.SSHPort)
	if inst.RemoteUser() == "" {
		exr.SetTargetUser(disp.Config.Dispatch.User)
	}
	exr.SetSigners(disp.sshKey)
	return exr
}

func (disp *dispatcher) initialize() error {
	disp.logger = ctxlog.FromContext(disp.Context)
	if disp.fs == nil {
		disp.fs = afero.NewOsFs()
	}
	if disp.InstanceSetID == "" {
		// Distinguishes resources created by orchestrators that
		// share a cloud account but not a job database.
		disp.InstanceSetID = cloud.InstanceSetID(fmt.Sprintf("%x", md5.Sum([]byte(disp.Config.Database.Driver+":"+disp.Config.Database.Connection)))[:16])
	}
	if disp.Config.Dispatch.PrivateKey == "" {
		return errors.New("Dispatch.PrivateKey is not configured")
	}
	key, err := ssh.ParsePrivateKey([]byte(disp.Config.Dispatch.PrivateKey))
	if err != nil {
		return fmt.Errorf("error parsing configured Dispatch.PrivateKey: %w", err)
	}
	disp.sshKey = key

	for _, dir := range []string{disp.Config.Storage.JobsDir, disp.Config.Storage.DataDir, disp.Config.Storage.PidsDir} {
		if err := disp.fs.MkdirAll(dir, 0755); err != nil && !os.IsExist(err) {
			return err
		}
	}
	disp.store, err = jobstore.Open(disp.Context, disp.Config.Database)
	if err != nil {
		return err
	}
	disp.apps, err = apps.NewRegistry(disp.logger, disp.Config.Apps)
	if err != nil {
		return err
	}
	disp.instanceSet, err = newInstanceSet(disp.Config, disp.InstanceSetID, disp.logger)
	if err != nil {
		return fmt.Errorf("error initializing driver: %w", err)
	}
	disp.manager = worker.NewManager(disp.logger, disp.Config, disp.store, disp.apps, disp.instanceSet, disp.InstanceSetID, disp.newExecutor, disp.sshKey.PublicKey())
	disp.monitor, err = heartbeat.NewMonitor(disp.logger, disp.Config, disp.store, disp.manager)
	if err != nil {
		return err
	}
	disp.sched = scheduler.New(disp.Context, disp.Config, disp.Flavors, disp.store, disp.manager, disp.monitor, disp.apps, disp.Registry)
	disp.sweeper = cleanup.NewSweeper(disp.logger, disp.Config, disp.store, disp.apps)
	disp.httpHandler = disp.newAPI()
	return nil
}
