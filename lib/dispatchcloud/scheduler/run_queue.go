// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/lsmbo/cumulus/lib/dispatchcloud/worker"
	"github.com/lsmbo/cumulus/lib/jobstore"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
)

// ChooseFlavor returns the flavor a job with the given strategy
// should run on:
//
//	best_cpu         the flavor with the most CPUs
//	best_ram         the flavor with the most RAM
//	[flavor:|host:]X the flavor named X, if there is one
//	anything else    the flavor with the lowest weight
//
// It returns false only if the table is empty.
func ChooseFlavor(ft cumulus.FlavorTable, strategy string) (cumulus.Flavor, bool) {
	switch strategy {
	case cumulus.StrategyBestCPU:
		return ft.MostCPU()
	case cumulus.StrategyBestRAM:
		return ft.MostRAM()
	}
	if _, name := cumulus.ParseStrategy(strategy); name != "" {
		if f, ok := ft.Lookup(name); ok {
			return f, true
		}
	}
	return ft.Smallest()
}

// weight returns the weight of the flavor a job was admitted with.
// If that flavor has since been removed from the table, the smallest
// weight is assumed.
func (sch *Scheduler) weight(job cumulus.Job) int {
	if f, ok := sch.flavors.Lookup(job.Flavor); ok {
		return f.Weight
	}
	f, _ := sch.flavors.Smallest()
	return f.Weight
}

func (sch *Scheduler) committedWeight(ctx context.Context) (int, error) {
	jobs, err := sch.store.JobsByStatus(ctx, cumulus.StatusPreparing, cumulus.StatusRunning)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, job := range jobs {
		total += sch.weight(job)
	}
	return total, nil
}

// runQueue admits PENDING jobs, oldest first. A job that cannot be
// admitted this cycle does not block later jobs that can.
func (sch *Scheduler) runQueue(ctx context.Context) {
	committed, err := sch.committedWeight(ctx)
	if err != nil {
		sch.logger.WithError(err).Error("error computing committed weight")
		return
	}
	jobs, err := sch.store.JobsByStatus(ctx, cumulus.StatusPending)
	if err != nil {
		sch.logger.WithError(err).Error("error listing PENDING jobs")
		return
	}
	for _, job := range jobs {
		logger := sch.logger.WithField("JobID", job.ID)
		if !sch.predecessorDone(ctx, logger, job) {
			continue
		}
		ready, err := sch.apps.Ready(sch.fs, job, sch.config.JobPath(job.JobDir), sch.config.Storage.DataDir)
		if err != nil {
			logger.WithError(err).Warn("error checking readiness")
			continue
		} else if !ready {
			continue
		}
		strategy := job.Strategy
		if job.StartAfterID != 0 {
			root, err := sch.store.Root(ctx, job)
			if err != nil {
				logger.WithError(err).Warn("error finding workflow root")
				continue
			}
			strategy = root.Strategy
		}
		flavor, ok := ChooseFlavor(sch.flavors, strategy)
		if !ok {
			logger.Warn("no flavors configured")
			return
		}
		logger = logger.WithField("Flavor", flavor.Name)
		if committed+flavor.Weight > sch.flavors.MaxWeight {
			logger.WithFields(logrus.Fields{
				"Committed": committed,
				"MaxWeight": sch.flavors.MaxWeight,
			}).Warn("over weight budget, leaving job pending")
			continue
		}
		err = sch.store.SetStatus(ctx, job.ID, cumulus.StatusPreparing)
		if errors.Is(err, jobstore.ErrInvalidTransition) {
			logger.WithError(err).Debug("not admitting")
			continue
		} else if err != nil {
			logger.WithError(err).Warn("error updating status")
			continue
		}
		committed += flavor.Weight
		if err := sch.store.SetFlavor(ctx, job.ID, flavor.Name); err != nil {
			logger.WithError(err).Warn("error recording flavor")
		}
		logger.Info("admitted job")
		sch.provision(job, flavor, false)
	}
}

// predecessorDone returns true if the job has no predecessor or its
// predecessor finished successfully. A job whose predecessor failed
// or was cancelled is marked FAILED.
func (sch *Scheduler) predecessorDone(ctx context.Context, logger logrus.FieldLogger, job cumulus.Job) bool {
	pred, ok, err := sch.store.Predecessor(ctx, job)
	if err != nil {
		logger.WithError(err).Warn("error getting predecessor")
		return false
	} else if !ok {
		return true
	}
	switch {
	case pred.Status.Unarchived() == cumulus.StatusDone:
		return true
	case pred.Status.IsFailure():
		msg := fmt.Sprintf("predecessor job %d ended with status %s", pred.ID, pred.Status.Unarchived())
		logger.Info(msg)
		if err := sch.jobDir(job).AppendStderr(msg); err != nil {
			logger.WithError(err).Warn("error writing stderr")
		}
		sch.finish(ctx, job, cumulus.StatusFailed)
	}
	return false
}

// restartPaused resumes provisioning for jobs that were paused at
// the last shutdown. They keep the flavor they were admitted with,
// and are not checked for readiness or budget again.
func (sch *Scheduler) restartPaused() {
	ctx := sch.ctx
	jobs, err := sch.store.JobsByStatus(ctx, cumulus.StatusPaused)
	if err != nil {
		sch.logger.WithError(err).Error("error listing PAUSED jobs")
		return
	}
	for _, job := range jobs {
		logger := sch.logger.WithField("JobID", job.ID)
		flavor, ok := sch.flavors.Lookup(job.Flavor)
		if !ok {
			root, err := sch.store.Root(ctx, job)
			if err != nil {
				logger.WithError(err).Warn("error finding workflow root")
				continue
			}
			flavor, ok = ChooseFlavor(sch.flavors, root.Strategy)
			if !ok {
				logger.Warn("no flavors configured")
				return
			}
			logger.Infof("flavor %q no longer exists, using %q", job.Flavor, flavor.Name)
			if err := sch.store.SetFlavor(ctx, job.ID, flavor.Name); err != nil {
				logger.WithError(err).Warn("error recording flavor")
			}
		}
		if err := sch.store.SetStatus(ctx, job.ID, cumulus.StatusPreparing); err != nil {
			logger.WithError(err).Warn("error updating status")
			continue
		}
		logger.WithField("Flavor", flavor.Name).Info("resuming paused job")
		sch.provision(job, flavor, true)
	}
}

func (sch *Scheduler) provision(job cumulus.Job, flavor cumulus.Flavor, resume bool) {
	a := worker.Assignment{
		JobID:    job.ID,
		JobDir:   sch.config.JobPath(job.JobDir),
		AppName:  job.AppName,
		Settings: job.Settings,
		Flavor:   flavor,
		Resume:   resume,
	}
	sch.goTask(func() {
		err := sch.provisioner.Provision(sch.ctx, a)
		if err != nil {
			sch.logger.WithField("JobID", a.JobID).WithError(err).Info("provisioning did not complete")
		}
	})
}
