// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lsmbo/cumulus/lib/apps"
	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/heartbeat"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/sshexecutor"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/test"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/worker"
	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/lsmbo/cumulus/lib/jobstore"
	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	check "gopkg.in/check.v1"
)

const echoApp = `<app id="echo" version="1">
  <command>echo {{ .Settings.msg | squote }}</command>
  <finished>done\n</finished>
  <inputs>
    <setting key="input" shared="true"/>
  </inputs>
</app>`

var _ = check.Suite(&EndToEndSuite{})

// EndToEndSuite runs the scheduler with a real worker manager,
// liveness monitor, and job store, on stub cloud instances.
type EndToEndSuite struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cfg     *cumulus.Config
	store   *jobstore.Store
	is      *test.StubInstanceSet
	mgr     *worker.Manager
	monitor *heartbeat.Monitor
	apps    *apps.Registry
	sch     *Scheduler

	// if not nil, boot probes block until it is closed
	bootGate chan struct{}
}

func (s *EndToEndSuite) SetUpTest(c *check.C) {
	logger := ctxlog.TestLogger(c)
	s.ctx, s.cancel = context.WithCancel(ctxlog.Context(context.Background(), logger))
	s.cfg = test.Config(c)
	for _, dir := range []string{s.cfg.Storage.JobsDir, s.cfg.Storage.DataDir, s.cfg.Storage.PidsDir} {
		c.Assert(os.MkdirAll(dir, 0755), check.IsNil)
	}
	var err error
	s.store, err = jobstore.Open(s.ctx, s.cfg.Database)
	c.Assert(err, check.IsNil)

	reg, err := apps.NewRegistry(logger, s.cfg.Apps)
	c.Assert(err, check.IsNil)
	app, err := apps.ParseDescriptor([]byte(echoApp))
	c.Assert(err, check.IsNil)
	reg.Register(app)

	_, hostKey := test.GenerateTestKey(c)
	pub, signer := test.GenerateTestKey(c)
	driver := &test.StubDriver{HostKey: hostKey, Exec: s.exec}
	is, err := driver.InstanceSet(nil, "test-set", logger)
	c.Assert(err, check.IsNil)
	s.is = is.(*test.StubInstanceSet)
	newExecutor := func(inst cloud.Instance) worker.Executor {
		exr := sshexecutor.New(inst)
		exr.SetSigners(signer)
		return exr
	}
	s.mgr = worker.NewManager(logger, s.cfg, s.store, reg, is, "test-set", newExecutor, pub)
	s.monitor, err = heartbeat.NewMonitor(logger, s.cfg, s.store, s.mgr)
	c.Assert(err, check.IsNil)
	s.apps = reg
	s.bootGate = nil
	s.sch = New(s.ctx, s.cfg, test.Flavors(3, 4), s.store, s.mgr, s.monitor, reg, nil)
}

func (s *EndToEndSuite) TearDownTest(c *check.C) {
	s.cancel()
	s.sch.tasks.Wait()
	s.store.Close()
}

func (s *EndToEndSuite) exec(inst cloud.Instance, env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	switch {
	case command == "true":
		if s.bootGate != nil {
			<-s.bootGate
		}
		return 0
	case strings.HasPrefix(command, "setsid nohup bash "):
		fmt.Fprintln(stdout, "4242")
		return 0
	case strings.HasPrefix(command, "kill -TERM -- -"):
		return 0
	case strings.HasPrefix(command, "ps -p "):
		return 1
	}
	fmt.Fprintf(stderr, "unknown command %q", command)
	return 127
}

// createJob submits a job whose private and shared inputs are all
// present.
func (s *EndToEndSuite) createJob(c *check.C, strategy string, startAfter int64) cumulus.Job {
	settings := json.RawMessage(`{"msg":"hello","input":"sample.raw"}`)
	job, err := s.store.Create(s.ctx, cumulus.NewJob{
		Owner:        "ann",
		AppName:      "echo",
		Strategy:     strategy,
		Settings:     settings,
		StartAfterID: startAfter,
	}, time.Now())
	c.Assert(err, check.IsNil)
	dir := s.dir(job)
	c.Assert(dir.Create(settings), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir.Path, s.cfg.Apps.FinalFile), nil, 0644), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(s.cfg.Storage.DataDir, "sample.raw"), []byte("raw"), 0644), check.IsNil)
	return job
}

func (s *EndToEndSuite) dir(job cumulus.Job) jobdir.Dir {
	return jobdir.New(nil, s.cfg.JobPath(job.JobDir))
}

func (s *EndToEndSuite) get(c *check.C, id int64) cumulus.Job {
	job, err := s.store.Get(s.ctx, id)
	c.Assert(err, check.IsNil)
	return job
}

func (s *EndToEndSuite) instances(c *check.C, jobID int64) []cloud.Instance {
	insts, err := s.is.Instances(cloud.InstanceTags{cloud.TagKeyJobID: fmt.Sprint(jobID)})
	c.Assert(err, check.IsNil)
	return insts
}

func (s *EndToEndSuite) waitFor(c *check.C, what string, cond func() bool) {
	for deadline := time.Now().Add(5 * time.Second); !cond(); time.Sleep(10 * time.Millisecond) {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
	}
}

// runJob drives a job from PENDING to RUNNING with a started run
// script.
func (s *EndToEndSuite) runJob(c *check.C, job cumulus.Job) {
	s.sch.RunCycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusPreparing)
	dir := s.dir(job)
	s.waitFor(c, "pid file", func() bool {
		_, ok, _ := dir.ReadPID()
		return ok
	})
	s.sch.RunCycle()
	job = s.get(c, job.ID)
	c.Check(job.Status, check.Equals, cumulus.StatusRunning)
	c.Check(job.StartDate.IsZero(), check.Equals, false)
	c.Check(job.Host, check.Equals, worker.WorkerName(job.ID))
}

func (s *EndToEndSuite) TestProvisionAndRun(c *check.C) {
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	s.runJob(c, job)
	desc, ok, err := s.dir(job).ReadDescriptor()
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(desc.Failed(), check.Equals, false)
	c.Check(desc.CPU, check.Equals, 1)
	c.Check(s.instances(c, job.ID), check.HasLen, 1)
}

func (s *EndToEndSuite) TestStopMarkerEndsJob(c *check.C) {
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	s.runJob(c, job)

	// no alive file yet: still RUNNING
	s.sch.RunCycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusRunning)

	dir := s.dir(job)
	c.Assert(os.WriteFile(filepath.Join(dir.Path, jobdir.StdoutFile), []byte("hello\ndone\n"), 0644), check.IsNil)
	c.Assert(dir.MarkStopped(), check.IsNil)
	s.sch.RunCycle()
	job = s.get(c, job.ID)
	c.Check(job.Status, check.Equals, cumulus.StatusDone)
	c.Check(job.EndDate.IsZero(), check.Equals, false)
	s.waitFor(c, "teardown", func() bool { return len(s.instances(c, job.ID)) == 0 })
}

func (s *EndToEndSuite) TestStopMarkerWithoutResult(c *check.C) {
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	s.runJob(c, job)
	c.Assert(s.dir(job).MarkStopped(), check.IsNil)
	s.sch.RunCycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusFailed)
}

func (s *EndToEndSuite) TestCancelWorkflow(c *check.C) {
	d := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	e := s.createJob(c, cumulus.StrategyFirstAvailable, d.ID)
	s.runJob(c, d)
	c.Check(s.get(c, e.ID).Status, check.Equals, cumulus.StatusPending)

	c.Assert(s.mgr.Cancel(s.ctx, d.ID), check.IsNil)
	for _, job := range []cumulus.Job{d, e} {
		job = s.get(c, job.ID)
		c.Check(job.Status, check.Equals, cumulus.StatusCancelled)
		c.Check(job.EndDate.IsZero(), check.Equals, false)
	}
	s.waitFor(c, "teardown", func() bool {
		return len(s.instances(c, d.ID)) == 0 && len(s.instances(c, e.ID)) == 0
	})

	// nothing left for the scheduler to do
	s.sch.RunCycle()
	c.Check(s.get(c, e.ID).Status, check.Equals, cumulus.StatusCancelled)
}

func (s *EndToEndSuite) TestPausedJobResumesOnRestart(c *check.C) {
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	s.sch.RunCycle()
	dir := s.dir(job)
	s.waitFor(c, "pid file", func() bool {
		_, ok, _ := dir.ReadPID()
		return ok && s.mgr.InProgress() == 0
	})
	// shutdown before the job was seen running
	n, err := s.store.PausePreparing(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, int64(1))
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusPaused)

	s.sch.restartPaused()
	s.sch.tasks.Wait()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusPreparing)
	s.sch.RunCycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusRunning)

	// the worker created before the restart was reused
	c.Check(s.instances(c, job.ID), check.HasLen, 1)
	c.Check(s.is.DestroyedInstances, check.Equals, 0)
}

// A job interrupted while its worker waits for input files is paused
// at shutdown, and runs normally after a restart.
func (s *EndToEndSuite) TestShutdownWhileWaitingForInputs(c *check.C) {
	s.bootGate = make(chan struct{})
	job := s.createJob(c, cumulus.StrategyFirstAvailable, 0)
	input := filepath.Join(s.cfg.Storage.DataDir, "sample.raw")
	s.sch.RunCycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusPreparing)

	// the input is replaced (e.g., reconverted) while the worker boots
	c.Assert(os.Remove(input), check.IsNil)
	close(s.bootGate)
	dir := s.dir(job)
	s.waitFor(c, "input wait", func() bool {
		log, _ := dir.ReadLog()
		return strings.Contains(log, "waiting for input files")
	})
	s.sch.RunCycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusPreparing)

	// shutdown
	n, err := s.store.PausePreparing(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, int64(1))
	s.cancel()
	s.sch.tasks.Wait()
	c.Check(s.mgr.InProgress(), check.Equals, 0)
	_, ok, _ := dir.ReadPID()
	c.Check(ok, check.Equals, false)

	// restart
	c.Assert(os.WriteFile(input, []byte("raw"), 0644), check.IsNil)
	s.ctx, s.cancel = context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	s.sch = New(s.ctx, s.cfg, test.Flavors(3, 4), s.store, s.mgr, s.monitor, s.apps, nil)
	s.sch.restartPaused()
	s.sch.tasks.Wait()
	_, ok, _ = dir.ReadPID()
	c.Check(ok, check.Equals, true)
	s.sch.RunCycle()
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusRunning)
	c.Check(s.instances(c, job.ID), check.HasLen, 1)
	c.Check(s.is.DestroyedInstances, check.Equals, 0)
}
