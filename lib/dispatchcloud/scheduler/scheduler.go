// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler moves jobs through their lifecycle: it admits
// pending jobs within the flavor weight budget, hands them to the
// provisioner, notices when workers are ready, and records the
// outcome when jobs stop.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const defaultPollInterval = 5 * time.Second

// A Scheduler polls the job store and acts on jobs according to
// their status. Each cycle runs, in order:
//
//   - syncPreparing: PREPARING jobs whose worker descriptor has
//     appeared become RUNNING (or FAILED)
//   - checkRunning: RUNNING jobs whose process has stopped become
//     DONE or FAILED, and their workers are torn down
//   - runQueue: PENDING jobs that are ready and fit in the budget
//     become PREPARING, and provisioning starts
//
// At startup, PAUSED jobs are returned to PREPARING and their
// provisioning is resumed.
type Scheduler struct {
	ctx          context.Context
	logger       logrus.FieldLogger
	config       *cumulus.Config
	flavors      cumulus.FlavorTable
	store        JobStore
	provisioner  Provisioner
	monitor      LivenessMonitor
	apps         AppSet
	fs           afero.Fs
	pollInterval time.Duration

	// Held for the duration of each cycle, so a job is never
	// admitted twice by overlapping cycles.
	mtx   sync.Mutex
	tasks sync.WaitGroup

	runOnce sync.Once
	stop    chan struct{}
	stopped chan struct{}

	mJobs            *prometheus.GaugeVec
	mCommittedWeight prometheus.Gauge
	mMaxWeight       prometheus.Gauge
	mProvisioning    prometheus.Gauge
}

// New returns a new unstarted Scheduler.
//
// Provisioning tasks started by the scheduler use ctx: when it is
// cancelled they stop waiting and leave their cloud resources in
// place for a later restart to resume.
func New(ctx context.Context, config *cumulus.Config, flavors cumulus.FlavorTable, store JobStore, provisioner Provisioner, monitor LivenessMonitor, appSet AppSet, reg *prometheus.Registry) *Scheduler {
	pollInterval := config.Scheduler.PollInterval.Duration()
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	sch := &Scheduler{
		ctx:          ctx,
		logger:       ctxlog.FromContext(ctx),
		config:       config,
		flavors:      flavors,
		store:        store,
		provisioner:  provisioner,
		monitor:      monitor,
		apps:         appSet,
		fs:           afero.NewOsFs(),
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	sch.registerMetrics(reg)
	return sch
}

func (sch *Scheduler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sch.mJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cumulus",
		Subsystem: "scheduler",
		Name:      "jobs",
		Help:      "Number of non-archived jobs in each status.",
	}, []string{"status"})
	reg.MustRegister(sch.mJobs)
	sch.mCommittedWeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cumulus",
		Subsystem: "scheduler",
		Name:      "committed_weight",
		Help:      "Total flavor weight of PREPARING and RUNNING jobs.",
	})
	reg.MustRegister(sch.mCommittedWeight)
	sch.mMaxWeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cumulus",
		Subsystem: "scheduler",
		Name:      "max_weight",
		Help:      "Configured flavor weight budget.",
	})
	reg.MustRegister(sch.mMaxWeight)
	sch.mProvisioning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cumulus",
		Subsystem: "scheduler",
		Name:      "provisioning_in_progress",
		Help:      "Number of workers currently being provisioned.",
	})
	reg.MustRegister(sch.mProvisioning)
}

func (sch *Scheduler) updateMetrics(ctx context.Context) {
	sch.mMaxWeight.Set(float64(sch.flavors.MaxWeight))
	sch.mProvisioning.Set(float64(sch.provisioner.InProgress()))
	jobs, err := sch.store.JobsByStatus(ctx, cumulus.Statuses...)
	if err != nil {
		sch.logger.WithError(err).Warn("error counting jobs for metrics")
		return
	}
	count := map[cumulus.JobStatus]int{}
	weight := 0
	for _, job := range jobs {
		count[job.Status]++
		if job.Status == cumulus.StatusPreparing || job.Status == cumulus.StatusRunning {
			weight += sch.weight(job)
		}
	}
	for _, status := range cumulus.Statuses {
		sch.mJobs.WithLabelValues(string(status)).Set(float64(count[status]))
	}
	sch.mCommittedWeight.Set(float64(weight))
}

// Start starts the scheduler.
func (sch *Scheduler) Start() {
	go sch.runOnce.Do(sch.run)
}

// Stop stops the scheduler. No other method should be called after
// Stop. Provisioning and teardown tasks already started are not
// waited for.
func (sch *Scheduler) Stop() {
	close(sch.stop)
	<-sch.stopped
}

func (sch *Scheduler) run() {
	defer close(sch.stopped)

	sch.restartPaused()

	ticker := time.NewTicker(sch.pollInterval)
	defer ticker.Stop()
	for {
		sch.RunCycle()
		select {
		case <-sch.stop:
			return
		case <-ticker.C:
		}
	}
}

// RunCycle runs one scheduling cycle. Errors are logged; a job whose
// record cannot be updated is retried next cycle.
func (sch *Scheduler) RunCycle() {
	sch.mtx.Lock()
	defer sch.mtx.Unlock()
	ctx := sch.ctx
	sch.syncPreparing(ctx)
	sch.checkRunning(ctx)
	sch.runQueue(ctx)
	sch.updateMetrics(ctx)
}

// run fn in a tracked goroutine.
func (sch *Scheduler) goTask(fn func()) {
	sch.tasks.Add(1)
	go func() {
		defer sch.tasks.Done()
		fn()
	}()
}
