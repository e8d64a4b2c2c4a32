// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/test"
	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/lsmbo/cumulus/lib/jobstore"
	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

const echoApp = `<app id="echo" version="1">
  <command>echo {{ .Settings.msg | squote }}</command>
  <finished>done\n</finished>
  <inputs>
    <setting key="input" shared="true"/>
  </inputs>
</app>`

var _ = check.Suite(&DispatcherSuite{})

type DispatcherSuite struct {
	ctx        context.Context
	cancel     context.CancelFunc
	cfg        *cumulus.Config
	stubDriver *test.StubDriver
	disp       *dispatcher
}

func (s *DispatcherSuite) SetUpTest(c *check.C) {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ctx = ctxlog.Context(s.ctx, ctxlog.TestLogger(c))

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	block, err := ssh.MarshalPrivateKey(priv, "")
	c.Assert(err, check.IsNil)
	_, hostKey := test.GenerateTestKey(c)
	s.stubDriver = &test.StubDriver{
		HostKey: hostKey,
		Exec:    s.exec,
	}
	Drivers["stub"] = s.stubDriver

	s.cfg = test.Config(c)
	s.cfg.ManagementToken = "test-management-token"
	s.cfg.Dispatch.PrivateKey = string(pem.EncodeToMemory(block))
	s.cfg.Cleanup.StartupDelay = cumulus.Duration(time.Hour)
	s.cfg.Apps.Dir = c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(s.cfg.Apps.Dir, "echo.xml"), []byte(echoApp), 0644), check.IsNil)

	h, err := newHandler(s.ctx, s.cfg, test.Flavors(3, 4), prometheus.NewRegistry())
	c.Assert(err, check.IsNil)
	s.disp = h.(*dispatcher)
}

func (s *DispatcherSuite) TearDownTest(c *check.C) {
	s.cancel()
	if s.disp != nil {
		s.disp.Shutdown(context.Background())
	}
	delete(Drivers, "stub")
}

func (s *DispatcherSuite) exec(inst cloud.Instance, env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	switch {
	case command == "true":
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

func (s *DispatcherSuite) request(c *check.C, method, path string, body interface{}) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		c.Assert(err, check.IsNil)
		rdr = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer "+s.cfg.ManagementToken)
	resp := httptest.NewRecorder()
	s.disp.ServeHTTP(resp, req)
	return resp
}

func (s *DispatcherSuite) submit(c *check.C, nj cumulus.NewJob) cumulus.Job {
	resp := s.request(c, "POST", "/jobs", nj)
	c.Assert(resp.Code, check.Equals, http.StatusCreated, check.Commentf("%s", resp.Body.String()))
	var job cumulus.Job
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &job), check.IsNil)
	return job
}

func (s *DispatcherSuite) submitEcho(c *check.C) cumulus.Job {
	return s.submit(c, cumulus.NewJob{
		Owner:    "ann",
		AppName:  "echo",
		Settings: json.RawMessage(`{"msg":"hello","input":"sample.raw"}`),
	})
}

func (s *DispatcherSuite) get(c *check.C, id int64) cumulus.Job {
	job, err := s.disp.store.Get(s.ctx, id)
	c.Assert(err, check.IsNil)
	return job
}

func (s *DispatcherSuite) dir(job cumulus.Job) jobdir.Dir {
	return jobdir.New(nil, s.cfg.JobPath(job.JobDir))
}

func (s *DispatcherSuite) waitFor(c *check.C, what string, cond func() bool) {
	for deadline := time.Now().Add(10 * time.Second); !cond(); time.Sleep(10 * time.Millisecond) {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (s *DispatcherSuite) TestMissingPrivateKey(c *check.C) {
	cfg := test.Config(c)
	_, err := newHandler(s.ctx, cfg, test.Flavors(1, 1), prometheus.NewRegistry())
	c.Check(err, check.ErrorMatches, `Dispatch.PrivateKey is not configured`)
}

func (s *DispatcherSuite) TestUnknownDriver(c *check.C) {
	cfg := test.Config(c)
	cfg.Dispatch.PrivateKey = s.cfg.Dispatch.PrivateKey
	cfg.CloudVMs.Driver = "bogus"
	_, err := newHandler(s.ctx, cfg, test.Flavors(1, 1), prometheus.NewRegistry())
	c.Check(err, check.ErrorMatches, `error initializing driver: .*bogus.*`)
}

func (s *DispatcherSuite) TestCheckHealth(c *check.C) {
	c.Check(s.disp.CheckHealth(), check.IsNil)
	resp := s.request(c, "GET", "/_health/ping", nil)
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `{"health":"OK"}\n`)

	c.Assert(os.RemoveAll(s.cfg.Storage.PidsDir), check.IsNil)
	c.Check(s.disp.CheckHealth(), check.ErrorMatches, `storage directory .*/pids does not exist`)
	resp = s.request(c, "GET", "/_health/ping", nil)
	c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
	c.Check(resp.Body.String(), check.Matches, `.*"health":"ERROR".*`)
}

func (s *DispatcherSuite) TestAPIAuth(c *check.C) {
	for _, trial := range []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer wrong-token", http.StatusForbidden},
		{"Bearer " + s.cfg.ManagementToken, http.StatusOK},
	} {
		req := httptest.NewRequest("GET", "/flavors", nil)
		if trial.header != "" {
			req.Header.Set("Authorization", trial.header)
		}
		resp := httptest.NewRecorder()
		s.disp.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, trial.status, check.Commentf("%q", trial.header))
	}
}

func (s *DispatcherSuite) TestAPIDisabledWithoutToken(c *check.C) {
	s.cfg.ManagementToken = ""
	s.disp.httpHandler = s.disp.newAPI()
	resp := s.request(c, "GET", "/flavors", nil)
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
}

func (s *DispatcherSuite) TestCreateAndGet(c *check.C) {
	job := s.submitEcho(c)
	c.Check(job.ID > 0, check.Equals, true)
	c.Check(job.Status, check.Equals, cumulus.StatusPending)
	c.Check(job.Strategy, check.Equals, cumulus.StrategyFirstAvailable)
	settings, err := os.ReadFile(filepath.Join(s.dir(job).Path, jobdir.SettingsFile))
	c.Assert(err, check.IsNil)
	c.Check(string(settings), check.Matches, `.*"msg":"hello".*`)

	resp := s.request(c, "GET", fmt.Sprintf("/jobs/%d", job.ID), nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var got struct {
		cumulus.Job
		Worker *cumulus.WorkerDescriptor `json:"worker"`
	}
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &got), check.IsNil)
	c.Check(got.ID, check.Equals, job.ID)
	c.Check(got.Owner, check.Equals, "ann")
	c.Check(got.Worker, check.IsNil)

	c.Assert(s.dir(job).WriteDescriptor(cumulus.WorkerDescriptor{Name: "cumulus-job-1", CPU: 2}), check.IsNil)
	resp = s.request(c, "GET", fmt.Sprintf("/jobs/%d", job.ID), nil)
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &got), check.IsNil)
	c.Assert(got.Worker, check.NotNil)
	c.Check(got.Worker.CPU, check.Equals, 2)

	resp = s.request(c, "GET", "/jobs/999", nil)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
	resp = s.request(c, "GET", "/jobs/abc", nil)
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
}

func (s *DispatcherSuite) TestCreateErrors(c *check.C) {
	for _, trial := range []struct {
		body   interface{}
		status int
	}{
		{cumulus.NewJob{Owner: "ann", AppName: "nonexistent"}, http.StatusBadRequest},
		{cumulus.NewJob{AppName: "echo"}, http.StatusBadRequest},
		{cumulus.NewJob{Owner: "ann", AppName: "echo", Settings: json.RawMessage(`[1,2]`)}, http.StatusBadRequest},
		{cumulus.NewJob{Owner: "ann", AppName: "echo", StartAfterID: 12345}, http.StatusBadRequest},
		{"not an object", http.StatusBadRequest},
	} {
		resp := s.request(c, "POST", "/jobs", trial.body)
		c.Check(resp.Code, check.Equals, trial.status, check.Commentf("%#v: %s", trial.body, resp.Body.String()))
	}
	jobs, err := s.disp.store.Search(s.ctx, jobstore.Filter{})
	c.Assert(err, check.IsNil)
	c.Check(jobs, check.HasLen, 0)
}

func (s *DispatcherSuite) TestSearch(c *check.C) {
	s.submitEcho(c)
	s.submitEcho(c)
	s.submit(c, cumulus.NewJob{Owner: "bob", AppName: "echo", Description: "calibration run"})

	for _, trial := range []struct {
		query  string
		expect int
	}{
		{"", 3},
		{"?owner=ann", 2},
		{"?owner=bob", 1},
		{"?owner=ann&limit=1", 1},
		{"?text=calibration", 1},
		{"?status=pending,running", 3},
		{"?status=DONE", 0},
		{"?app=other", 0},
	} {
		resp := s.request(c, "GET", "/jobs"+trial.query, nil)
		c.Assert(resp.Code, check.Equals, http.StatusOK)
		var list struct {
			Items []cumulus.Job `json:"items"`
		}
		c.Assert(json.Unmarshal(resp.Body.Bytes(), &list), check.IsNil)
		c.Check(list.Items, check.HasLen, trial.expect, check.Commentf("%s", trial.query))
	}
	resp := s.request(c, "GET", "/jobs?limit=-1", nil)
	c.Check(resp.Code, check.Equals, http.StatusBadRequest)
}

func (s *DispatcherSuite) TestCancel(c *check.C) {
	job := s.submitEcho(c)
	next := s.submit(c, cumulus.NewJob{Owner: "ann", AppName: "echo", StartAfterID: job.ID})
	path := fmt.Sprintf("/jobs/%d/cancel", job.ID)

	c.Check(s.request(c, "POST", path, nil).Code, check.Equals, http.StatusBadRequest)
	c.Check(s.request(c, "POST", path+"?owner=bob", nil).Code, check.Equals, http.StatusForbidden)
	resp := s.request(c, "POST", path+"?owner=ann", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK, check.Commentf("%s", resp.Body.String()))
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusCancelled)
	c.Check(s.get(c, job.ID).EndDate.IsZero(), check.Equals, false)
	c.Check(s.get(c, next.ID).Status, check.Equals, cumulus.StatusCancelled)

	resp = s.request(c, "POST", path+"?owner=ann", nil)
	c.Check(resp.Code, check.Equals, http.StatusConflict)
}

func (s *DispatcherSuite) TestDelete(c *check.C) {
	job := s.submitEcho(c)
	path := fmt.Sprintf("/jobs/%d", job.ID)

	c.Check(s.request(c, "DELETE", path+"?owner=ann", nil).Code, check.Equals, http.StatusConflict)
	c.Check(s.request(c, "POST", path+"/cancel?owner=ann", nil).Code, check.Equals, http.StatusOK)
	c.Check(s.request(c, "DELETE", path, nil).Code, check.Equals, http.StatusBadRequest)
	c.Check(s.request(c, "DELETE", path+"?owner=bob", nil).Code, check.Equals, http.StatusForbidden)
	c.Check(s.request(c, "DELETE", path+"?owner=ann", nil).Code, check.Equals, http.StatusNoContent)
	c.Check(s.dir(job).Exists(), check.Equals, false)
	c.Check(s.request(c, "GET", path, nil).Code, check.Equals, http.StatusNotFound)
}

// A finished job whose directory cannot be removed is kept, and
// marked FAILED.
func (s *DispatcherSuite) TestDeleteUndeletableDir(c *check.C) {
	job := s.submitEcho(c)
	for _, st := range []cumulus.JobStatus{cumulus.StatusPreparing, cumulus.StatusRunning, cumulus.StatusDone} {
		c.Assert(s.disp.store.SetStatus(s.ctx, job.ID, st), check.IsNil)
	}
	s.disp.fs = afero.NewReadOnlyFs(afero.NewOsFs())
	resp := s.request(c, "DELETE", fmt.Sprintf("/jobs/%d?owner=ann", job.ID), nil)
	c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
	c.Check(s.dir(job).Exists(), check.Equals, true)
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusFailed)
}

func (s *DispatcherSuite) TestFail(c *check.C) {
	job := s.submitEcho(c)
	resp := s.request(c, "POST", fmt.Sprintf("/jobs/%d/fail", job.ID), map[string]string{"reason": "input file is corrupt"})
	c.Assert(resp.Code, check.Equals, http.StatusOK, check.Commentf("%s", resp.Body.String()))
	job = s.get(c, job.ID)
	c.Check(job.Status, check.Equals, cumulus.StatusFailed)
	c.Check(job.EndDate.IsZero(), check.Equals, false)
	stderr, err := os.ReadFile(filepath.Join(s.dir(job).Path, jobdir.StderrFile))
	c.Assert(err, check.IsNil)
	c.Check(string(stderr), check.Matches, `(?s).*input file is corrupt.*`)

	archived := s.submitEcho(c)
	c.Assert(s.disp.store.SetStatus(s.ctx, archived.ID, cumulus.StatusCancelled), check.IsNil)
	c.Assert(s.disp.store.Archive(s.ctx, archived.ID), check.IsNil)
	resp = s.request(c, "POST", fmt.Sprintf("/jobs/%d/fail", archived.ID), nil)
	c.Check(resp.Code, check.Equals, http.StatusConflict)

	finished := s.submitEcho(c)
	for _, st := range []cumulus.JobStatus{cumulus.StatusPreparing, cumulus.StatusRunning, cumulus.StatusDone} {
		c.Assert(s.disp.store.SetStatus(s.ctx, finished.ID, st), check.IsNil)
	}
	resp = s.request(c, "POST", fmt.Sprintf("/jobs/%d/fail", finished.ID), nil)
	c.Check(resp.Code, check.Equals, http.StatusConflict)
	c.Check(s.get(c, finished.ID).Status, check.Equals, cumulus.StatusDone)

	resp = s.request(c, "POST", "/jobs/999/fail", nil)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestInfoEndpoints(c *check.C) {
	resp := s.request(c, "GET", "/flavors", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	var ft cumulus.FlavorTable
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &ft), check.IsNil)
	c.Check(ft.MaxWeight, check.Equals, 4)
	c.Check(ft.Flavors, check.HasLen, 3)

	resp = s.request(c, "GET", "/apps", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, `{"items":["echo"]}`+"\n")

	resp = s.request(c, "GET", "/config", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Not(check.Matches), `(?s).*PRIVATE KEY.*`)
	c.Check(resp.Body.String(), check.Not(check.Matches), `(?s).*test-management-token.*`)

	resp = s.request(c, "GET", "/nonexistent", nil)
	c.Check(resp.Code, check.Equals, http.StatusNotFound)
}

func (s *DispatcherSuite) TestMetrics(c *check.C) {
	s.disp.sched.RunCycle()
	resp := s.request(c, "GET", "/metrics", nil)
	c.Assert(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*^cumulus_scheduler_max_weight 4$.*`)
}

func (s *DispatcherSuite) TestShutdownPausesPreparingJobs(c *check.C) {
	job := s.submitEcho(c)
	c.Assert(s.disp.store.SetStatus(s.ctx, job.ID, cumulus.StatusPreparing), check.IsNil)
	s.disp.Shutdown(context.Background())
	s.disp = nil

	_, err := s.stubDriver.InstanceSets()[0].CreateVolume("x", "snap-template", 1, nil)
	c.Check(err, check.ErrorMatches, `.*called after Stop`)

	store, err := jobstore.Open(s.ctx, s.cfg.Database)
	c.Assert(err, check.IsNil)
	defer store.Close()
	job, err = store.Get(s.ctx, job.ID)
	c.Assert(err, check.IsNil)
	c.Check(job.Status, check.Equals, cumulus.StatusPaused)
}

func (s *DispatcherSuite) TestRunJob(c *check.C) {
	job := s.submitEcho(c)
	dir := s.dir(job)
	c.Assert(os.WriteFile(filepath.Join(dir.Path, s.cfg.Apps.FinalFile), nil, 0644), check.IsNil)
	c.Assert(os.WriteFile(filepath.Join(s.cfg.Storage.DataDir, "sample.raw"), []byte("raw"), 0644), check.IsNil)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.disp.Run(ctx) }()

	s.waitFor(c, "job to start", func() bool { return s.get(c, job.ID).Status == cumulus.StatusRunning })
	desc, ok, err := dir.ReadDescriptor()
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(desc.Failed(), check.Equals, false)

	c.Assert(os.WriteFile(filepath.Join(dir.Path, jobdir.StdoutFile), []byte("hello\ndone\n"), 0644), check.IsNil)
	c.Assert(dir.MarkStopped(), check.IsNil)
	s.waitFor(c, "job to finish", func() bool { return s.get(c, job.ID).Status == cumulus.StatusDone })
	is := s.stubDriver.InstanceSets()[0]
	s.waitFor(c, "teardown", func() bool {
		insts, err := is.Instances(cloud.InstanceTags{cloud.TagKeyJobID: fmt.Sprint(job.ID)})
		return err == nil && len(insts) == 0
	})

	cancel()
	select {
	case err := <-done:
		c.Check(err, check.IsNil)
	case <-time.After(10 * time.Second):
		c.Fatal("Run did not return after context was cancelled")
	}
}
