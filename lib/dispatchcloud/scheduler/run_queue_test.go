// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lsmbo/cumulus/lib/dispatchcloud/test"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/worker"
	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/lsmbo/cumulus/lib/jobstore"
	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	check "gopkg.in/check.v1"
)

type stubProvisioner struct {
	mtx      sync.Mutex
	assigned []worker.Assignment
	torndown []int64
}

func (p *stubProvisioner) Provision(ctx context.Context, a worker.Assignment) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.assigned = append(p.assigned, a)
	return nil
}

func (p *stubProvisioner) Teardown(ctx context.Context, jobID int64) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.torndown = append(p.torndown, jobID)
	return nil
}

func (p *stubProvisioner) InProgress() int { return 0 }

func (p *stubProvisioner) assignment(jobID int64) (worker.Assignment, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, a := range p.assigned {
		if a.JobID == jobID {
			return a, true
		}
	}
	return worker.Assignment{}, false
}

type stubMonitor struct {
	mtx  sync.Mutex
	dead map[int64]bool
	// called before each liveness check
	onCheck func(cumulus.Job)
}

func (m *stubMonitor) IsAlive(ctx context.Context, job cumulus.Job) (bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.onCheck != nil {
		m.onCheck(job)
	}
	return !m.dead[job.ID], nil
}

type stubApps struct {
	notReady map[int64]bool
}

func (a *stubApps) Ready(fs afero.Fs, job cumulus.Job, jobDir, dataDir string) (bool, error) {
	return !a.notReady[job.ID], nil
}

func (a *stubApps) IsFinished(appName, stdout string) bool {
	return strings.HasSuffix(stdout, "done\n")
}

var _ = check.Suite(&SchedulerSuite{})

type SchedulerSuite struct {
	ctx     context.Context
	cfg     *cumulus.Config
	store   *jobstore.Store
	prov    *stubProvisioner
	monitor *stubMonitor
	apps    *stubApps
	reg     *prometheus.Registry
	sch     *Scheduler
}

func (s *SchedulerSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.cfg = test.Config(c)
	c.Assert(os.MkdirAll(s.cfg.Storage.JobsDir, 0755), check.IsNil)
	var err error
	s.store, err = jobstore.Open(s.ctx, s.cfg.Database)
	c.Assert(err, check.IsNil)
	s.prov = &stubProvisioner{}
	s.monitor = &stubMonitor{dead: map[int64]bool{}}
	s.apps = &stubApps{notReady: map[int64]bool{}}
	s.setFlavors(test.Flavors(3, 4))
}

func (s *SchedulerSuite) TearDownTest(c *check.C) {
	s.store.Close()
}

// flavor1 (weight 1), flavor2 (weight 2), ...
func (s *SchedulerSuite) setFlavors(ft cumulus.FlavorTable) {
	s.reg = prometheus.NewRegistry()
	s.sch = New(s.ctx, s.cfg, ft, s.store, s.prov, s.monitor, s.apps, s.reg)
}

func (s *SchedulerSuite) createJob(c *check.C, strategy string, startAfter int64) cumulus.Job {
	settings := json.RawMessage(`{}`)
	job, err := s.store.Create(s.ctx, cumulus.NewJob{
		Owner:        "ann",
		AppName:      "echo",
		Strategy:     strategy,
		Settings:     settings,
		StartAfterID: startAfter,
	}, time.Now())
	c.Assert(err, check.IsNil)
	c.Assert(s.dir(job).Create(settings), check.IsNil)
	return job
}

func (s *SchedulerSuite) dir(job cumulus.Job) jobdir.Dir {
	return jobdir.New(nil, s.cfg.JobPath(job.JobDir))
}

func (s *SchedulerSuite) cycle() {
	s.sch.RunCycle()
	s.sch.tasks.Wait()
}

func (s *SchedulerSuite) get(c *check.C, id int64) cumulus.Job {
	job, err := s.store.Get(s.ctx, id)
	c.Assert(err, check.IsNil)
	return job
}

func (s *SchedulerSuite) setStatus(c *check.C, id int64, statuses ...cumulus.JobStatus) {
	for _, st := range statuses {
		c.Assert(s.store.SetStatus(s.ctx, id, st), check.IsNil)
	}
}

func (s *SchedulerSuite) TestChooseFlavor(c *check.C) {
	ft := cumulus.FlavorTable{
		MaxWeight: 10,
		Flavors: []cumulus.Flavor{
			{Name: "mid", Weight: 2, CPU: 4, RAM: 8},
			{Name: "fat", Weight: 3, CPU: 2, RAM: 64},
			{Name: "tiny", Weight: 1, CPU: 1, RAM: 2},
			{Name: "fast", Weight: 4, CPU: 16, RAM: 16},
		},
	}
	for strategy, expect := range map[string]string{
		"best_cpu":        "fast",
		"best_ram":        "fat",
		"first_available": "tiny",
		"mid":             "mid",
		"flavor:fat":      "fat",
		"host:fast":       "fast",
		"flavor:missing":  "tiny",
		"something else":  "tiny",
		"":                "tiny",
	} {
		f, ok := ChooseFlavor(ft, strategy)
		c.Check(ok, check.Equals, true)
		c.Check(f.Name, check.Equals, expect, check.Commentf("strategy %q", strategy))
	}
	_, ok := ChooseFlavor(cumulus.FlavorTable{}, "best_cpu")
	c.Check(ok, check.Equals, false)
}

func (s *SchedulerSuite) TestAdmitPending(c *check.C) {
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	s.cycle()
	job = s.get(c, job.ID)
	c.Check(job.Status, check.Equals, cumulus.StatusPreparing)
	c.Check(job.Flavor, check.Equals, "flavor1")
	a, ok := s.prov.assignment(job.ID)
	c.Assert(ok, check.Equals, true)
	c.Check(a.Flavor, check.DeepEquals, test.Flavor(1))
	c.Check(a.JobDir, check.Equals, s.cfg.JobPath(job.JobDir))
	c.Check(a.AppName, check.Equals, "echo")
	c.Check(a.Resume, check.Equals, false)
	c.Check(testutil.ToFloat64(s.sch.mCommittedWeight), check.Equals, float64(1))
	c.Check(testutil.ToFloat64(s.sch.mMaxWeight), check.Equals, float64(4))
	c.Check(testutil.ToFloat64(s.sch.mJobs.WithLabelValues("PREPARING")), check.Equals, float64(1))

	// admitted only once
	s.cycle()
	s.prov.mtx.Lock()
	c.Check(s.prov.assigned, check.HasLen, 1)
	s.prov.mtx.Unlock()
}

func (s *SchedulerSuite) TestNotReady(c *check.C) {
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	s.apps.notReady[job.ID] = true
	s.cycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusPending)
	delete(s.apps.notReady, job.ID)
	s.cycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusPreparing)
}

// A job that does not fit stays PENDING, without blocking smaller
// jobs submitted after it, until enough weight is released.
func (s *SchedulerSuite) TestBudget(c *check.C) {
	a := s.createJob(c, "flavor3", 0)
	b := s.createJob(c, "flavor2", 0)
	d := s.createJob(c, "flavor1", 0)
	for i := 0; i < 3; i++ {
		s.cycle()
		c.Check(s.get(c, a.ID).Status, check.Equals, cumulus.StatusPreparing)
		c.Check(s.get(c, b.ID).Status, check.Equals, cumulus.StatusPending)
		c.Check(s.get(c, d.ID).Status, check.Equals, cumulus.StatusPreparing)
	}
	c.Check(testutil.ToFloat64(s.sch.mCommittedWeight), check.Equals, float64(4))

	s.setStatus(c, a.ID, cumulus.StatusRunning, cumulus.StatusDone)
	s.cycle()
	b = s.get(c, b.ID)
	c.Check(b.Status, check.Equals, cumulus.StatusPreparing)
	c.Check(b.Flavor, check.Equals, "flavor2")
	c.Check(testutil.ToFloat64(s.sch.mCommittedWeight), check.Equals, float64(3))
}

// Overlapping cycles never commit more than MaxWeight, and never
// provision a job twice.
func (s *SchedulerSuite) TestBudgetConcurrentCycles(c *check.C) {
	var jobs []cumulus.Job
	for i := 0; i < 6; i++ {
		jobs = append(jobs, s.createJob(c, "flavor2", 0))
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sch.RunCycle()
		}()
	}
	wg.Wait()
	s.sch.tasks.Wait()

	committed := 0
	for _, job := range jobs {
		job = s.get(c, job.ID)
		if job.Status == cumulus.StatusPreparing {
			committed += 2
		} else {
			c.Check(job.Status, check.Equals, cumulus.StatusPending)
		}
	}
	c.Check(committed, check.Equals, 4)

	s.prov.mtx.Lock()
	defer s.prov.mtx.Unlock()
	c.Check(s.prov.assigned, check.HasLen, 2)
	seen := map[int64]bool{}
	for _, a := range s.prov.assigned {
		c.Check(seen[a.JobID], check.Equals, false, check.Commentf("job %d provisioned twice", a.JobID))
		seen[a.JobID] = true
	}
}

// A flavor heavier than the whole budget is never admitted.
func (s *SchedulerSuite) TestBudgetTooSmall(c *check.C) {
	s.setFlavors(test.Flavors(3, 2))
	job := s.createJob(c, cumulus.StrategyBestCPU, 0)
	s.cycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusPending)
}

func (s *SchedulerSuite) TestWorkflowWaitsForPredecessor(c *check.C) {
	s.setFlavors(test.Flavors(3, 10))
	d := s.createJob(c, "flavor2", 0)
	e := s.createJob(c, cumulus.StrategyBestCPU, d.ID)
	s.cycle()
	c.Check(s.get(c, d.ID).Status, check.Equals, cumulus.StatusPreparing)
	c.Check(s.get(c, e.ID).Status, check.Equals, cumulus.StatusPending)

	s.setStatus(c, d.ID, cumulus.StatusRunning)
	s.cycle()
	c.Check(s.get(c, e.ID).Status, check.Equals, cumulus.StatusPending)

	s.setStatus(c, d.ID, cumulus.StatusDone)
	s.cycle()
	e = s.get(c, e.ID)
	c.Check(e.Status, check.Equals, cumulus.StatusPreparing)
	// strategy comes from the first job of the workflow
	c.Check(e.Flavor, check.Equals, "flavor2")
}

func (s *SchedulerSuite) TestWorkflowPredecessorFailed(c *check.C) {
	s.setFlavors(test.Flavors(3, 10))
	d1 := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	e1 := s.createJob(c, cumulus.StrategyFirstAvailable, d1.ID)
	d2 := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	e2 := s.createJob(c, cumulus.StrategyFirstAvailable, d2.ID)
	s.setStatus(c, d1.ID, cumulus.StatusCancelled)
	s.setStatus(c, d2.ID, cumulus.StatusFailed)
	c.Assert(s.store.Archive(s.ctx, d2.ID), check.IsNil)

	s.cycle()
	for _, e := range []cumulus.Job{e1, e2} {
		e = s.get(c, e.ID)
		c.Check(e.Status, check.Equals, cumulus.StatusFailed)
		c.Check(e.EndDate.IsZero(), check.Equals, false)
		buf, err := os.ReadFile(filepath.Join(s.cfg.JobPath(e.JobDir), jobdir.StderrFile))
		c.Assert(err, check.IsNil)
		c.Check(string(buf), check.Matches, `Cumulus: predecessor job \d+ ended with status (CANCELLED|FAILED)\n`)
	}
	_, ok := s.prov.assignment(e1.ID)
	c.Check(ok, check.Equals, false)
}

func (s *SchedulerSuite) TestSyncPreparing(c *check.C) {
	s.setFlavors(test.Flavors(3, 10))
	good := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	bad := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	waiting := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	s.cycle()

	c.Assert(s.dir(good).WriteDescriptor(cumulus.WorkerDescriptor{Name: "cumulus-job-1", Address: "10.0.0.1"}), check.IsNil)
	c.Assert(s.dir(bad).WriteDescriptor(cumulus.WorkerDescriptor{Error: "boom"}), check.IsNil)
	s.cycle()

	good = s.get(c, good.ID)
	c.Check(good.Status, check.Equals, cumulus.StatusRunning)
	c.Check(good.StartDate.IsZero(), check.Equals, false)
	c.Check(good.EndDate.IsZero(), check.Equals, true)
	bad = s.get(c, bad.ID)
	c.Check(bad.Status, check.Equals, cumulus.StatusFailed)
	c.Check(bad.EndDate.IsZero(), check.Equals, false)
	c.Check(s.get(c, waiting.ID).Status, check.Equals, cumulus.StatusPreparing)
}

func (s *SchedulerSuite) TestCheckRunning(c *check.C) {
	s.setFlavors(test.Flavors(3, 10))
	done := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	failed := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	alive := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	for _, job := range []cumulus.Job{done, failed, alive} {
		s.setStatus(c, job.ID, cumulus.StatusPreparing, cumulus.StatusRunning)
	}
	c.Assert(os.WriteFile(filepath.Join(s.dir(done).Path, jobdir.StdoutFile), []byte("step 1\ndone\n"), 0644), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(s.dir(failed).Path, jobdir.StdoutFile), []byte("step 1\n"), 0644), check.IsNil)

	s.cycle()
	for _, job := range []cumulus.Job{done, failed, alive} {
		c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusRunning)
	}

	s.monitor.mtx.Lock()
	s.monitor.dead[done.ID] = true
	s.monitor.dead[failed.ID] = true
	s.monitor.mtx.Unlock()
	s.cycle()

	done = s.get(c, done.ID)
	c.Check(done.Status, check.Equals, cumulus.StatusDone)
	c.Check(done.EndDate.IsZero(), check.Equals, false)
	failed = s.get(c, failed.ID)
	c.Check(failed.Status, check.Equals, cumulus.StatusFailed)
	c.Check(failed.EndDate.IsZero(), check.Equals, false)
	c.Check(s.get(c, alive.ID).Status, check.Equals, cumulus.StatusRunning)

	s.prov.mtx.Lock()
	torndown := append([]int64(nil), s.prov.torndown...)
	s.prov.mtx.Unlock()
	sort.Slice(torndown, func(i, j int) bool { return torndown[i] < torndown[j] })
	c.Check(torndown, check.DeepEquals, []int64{done.ID, failed.ID})
}

// A job cancelled after checkRunning listed it keeps its CANCELLED
// status when its process turns out to be gone.
func (s *SchedulerSuite) TestCheckRunningCancelledMeanwhile(c *check.C) {
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	s.setStatus(c, job.ID, cumulus.StatusPreparing, cumulus.StatusRunning)
	c.Assert(os.WriteFile(filepath.Join(s.dir(job).Path, jobdir.StdoutFile), []byte("step 1\n"), 0644), check.IsNil)
	s.monitor.mtx.Lock()
	s.monitor.dead[job.ID] = true
	s.monitor.onCheck = func(j cumulus.Job) {
		if j.ID == job.ID {
			c.Check(s.store.SetStatus(s.ctx, j.ID, cumulus.StatusCancelled), check.IsNil)
		}
	}
	s.monitor.mtx.Unlock()

	s.cycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusCancelled)
	s.cycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusCancelled)
}

func (s *SchedulerSuite) TestRestartPaused(c *check.C) {
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	gone := s.createJob(c, "flavor3", 0)
	s.setStatus(c, job.ID, cumulus.StatusPreparing)
	s.setStatus(c, gone.ID, cumulus.StatusPreparing)
	c.Assert(s.store.SetFlavor(s.ctx, job.ID, "flavor2"), check.IsNil)
	c.Assert(s.store.SetFlavor(s.ctx, gone.ID, "flavor9"), check.IsNil)
	n, err := s.store.PausePreparing(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(n, check.Equals, int64(2))

	s.sch.restartPaused()
	s.sch.tasks.Wait()

	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusPreparing)
	a, ok := s.prov.assignment(job.ID)
	c.Assert(ok, check.Equals, true)
	c.Check(a.Resume, check.Equals, true)
	c.Check(a.Flavor.Name, check.Equals, "flavor2")

	// flavor removed from the table: chosen again from the strategy
	gone = s.get(c, gone.ID)
	c.Check(gone.Status, check.Equals, cumulus.StatusPreparing)
	c.Check(gone.Flavor, check.Equals, "flavor3")
	a, ok = s.prov.assignment(gone.ID)
	c.Assert(ok, check.Equals, true)
	c.Check(a.Flavor.Name, check.Equals, "flavor3")
}

func (s *SchedulerSuite) TestStartStop(c *check.C) {
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	s.sch.Start()
	deadline := time.Now().Add(5 * time.Second)
	for s.get(c, job.ID).Status != cumulus.StatusPreparing {
		if time.Now().After(deadline) {
			c.Fatal("timed out")
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.sch.Stop()
	s.sch.tasks.Wait()
	_, ok := s.prov.assignment(job.ID)
	c.Check(ok, check.Equals, true)
}
