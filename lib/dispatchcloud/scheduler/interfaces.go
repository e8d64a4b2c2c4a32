// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"time"

	"github.com/lsmbo/cumulus/lib/dispatchcloud/worker"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/spf13/afero"
)

// A JobStore holds the authoritative job records. Implemented by
// jobstore.Store.
type JobStore interface {
	Get(ctx context.Context, id int64) (cumulus.Job, error)
	JobsByStatus(ctx context.Context, statuses ...cumulus.JobStatus) ([]cumulus.Job, error)
	SetStatus(ctx context.Context, id int64, status cumulus.JobStatus) error
	SetFlavor(ctx context.Context, id int64, flavor string) error
	SetStartDate(ctx context.Context, id int64, t time.Time) error
	SetEndDate(ctx context.Context, id int64, t time.Time) error
	Predecessor(ctx context.Context, job cumulus.Job) (cumulus.Job, bool, error)
	Root(ctx context.Context, job cumulus.Job) (cumulus.Job, error)
}

// A Provisioner asynchronously creates and destroys job workers.
// Implemented by worker.Manager and test stubs.
type Provisioner interface {
	Provision(ctx context.Context, a worker.Assignment) error
	Teardown(ctx context.Context, jobID int64) error
	InProgress() int
}

// A LivenessMonitor decides whether a RUNNING job is still
// executing. Implemented by heartbeat.Monitor.
type LivenessMonitor interface {
	IsAlive(ctx context.Context, job cumulus.Job) (bool, error)
}

// An AppSet answers app-specific questions about jobs. Implemented
// by apps.Registry.
type AppSet interface {
	Ready(fs afero.Fs, job cumulus.Job, jobDir, dataDir string) (bool, error)
	IsFinished(appName, stdout string) bool
}
