// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/lsmbo/cumulus/lib/jobstore"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
)

// syncPreparing promotes PREPARING jobs whose provisioning has
// finished. A job with no worker descriptor yet is left alone.
func (sch *Scheduler) syncPreparing(ctx context.Context) {
	jobs, err := sch.store.JobsByStatus(ctx, cumulus.StatusPreparing)
	if err != nil {
		sch.logger.WithError(err).Error("error listing PREPARING jobs")
		return
	}
	for _, job := range jobs {
		logger := sch.logger.WithField("JobID", job.ID)
		dir := sch.jobDir(job)
		desc, ok, err := dir.ReadDescriptor()
		if err != nil {
			logger.WithError(err).Warn("error reading worker descriptor")
			continue
		} else if !ok {
			continue
		}
		if desc.Failed() {
			logger.WithField("Error", desc.Error).Info("provisioning failed")
			sch.finish(ctx, job, cumulus.StatusFailed)
			continue
		}
		err = sch.store.SetStatus(ctx, job.ID, cumulus.StatusRunning)
		if errors.Is(err, jobstore.ErrInvalidTransition) {
			// cancelled since we listed it
			logger.WithError(err).Debug("not starting")
			continue
		} else if err != nil {
			logger.WithError(err).Warn("error updating status")
			continue
		}
		if err := sch.store.SetStartDate(ctx, job.ID, time.Now()); err != nil {
			logger.WithError(err).Warn("error setting start date")
		}
		logger.WithField("Worker", desc.Name).Info("job is running")
	}
}

// checkRunning finalizes RUNNING jobs whose process has stopped.
// The worker is torn down in the background, and the job becomes
// DONE or FAILED depending on what its app finds in stdout.
func (sch *Scheduler) checkRunning(ctx context.Context) {
	jobs, err := sch.store.JobsByStatus(ctx, cumulus.StatusRunning)
	if err != nil {
		sch.logger.WithError(err).Error("error listing RUNNING jobs")
		return
	}
	for _, job := range jobs {
		logger := sch.logger.WithField("JobID", job.ID)
		alive, err := sch.monitor.IsAlive(ctx, job)
		if err != nil {
			logger.WithError(err).Warn("error checking liveness")
			continue
		} else if alive {
			continue
		}
		sch.teardown(job.ID)

		status := cumulus.StatusFailed
		stdout, err := sch.jobDir(job).ReadStdout()
		if err != nil {
			logger.WithError(err).Warn("error reading stdout")
		} else if sch.apps.IsFinished(job.AppName, stdout) {
			status = cumulus.StatusDone
		}
		logger.WithField("Status", status).Info("job stopped")
		sch.finish(ctx, job, status)
	}
}

// finish sets a terminal status and the end date. The end date is
// left alone if the job was moved elsewhere concurrently.
func (sch *Scheduler) finish(ctx context.Context, job cumulus.Job, status cumulus.JobStatus) {
	logger := sch.logger.WithField("JobID", job.ID)
	err := sch.store.SetStatus(ctx, job.ID, status)
	if errors.Is(err, jobstore.ErrInvalidTransition) {
		logger.WithError(err).Debug("status changed concurrently")
		return
	} else if err != nil {
		logger.WithError(err).Warnf("error setting status %s", status)
		return
	}
	if err := sch.store.SetEndDate(ctx, job.ID, time.Now()); err != nil {
		logger.WithError(err).Warn("error setting end date")
	}
}

func (sch *Scheduler) teardown(jobID int64) {
	sch.goTask(func() {
		err := sch.provisioner.Teardown(context.Background(), jobID)
		if err != nil {
			sch.logger.WithField("JobID", jobID).WithError(err).Warn("teardown failed")
		}
	})
}

func (sch *Scheduler) jobDir(job cumulus.Job) jobdir.Dir {
	return jobdir.New(sch.fs, sch.config.JobPath(job.JobDir))
}
