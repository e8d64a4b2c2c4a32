// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/lsmbo/cumulus/lib/config"
	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/lsmbo/cumulus/lib/jobstore"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/lsmbo/cumulus/sdk/go/httpserver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultListLimit = 100
	teardownTimeout  = 10 * time.Minute
)

func (disp *dispatcher) newAPI() http.Handler {
	mux := httprouter.New()
	mux.HandlerFunc("GET", "/jobs", disp.apiJobs)
	mux.HandlerFunc("POST", "/jobs", disp.apiJobCreate)
	mux.HandlerFunc("GET", "/jobs/:id", disp.apiJobGet)
	mux.HandlerFunc("DELETE", "/jobs/:id", disp.apiJobDelete)
	mux.HandlerFunc("POST", "/jobs/:id/cancel", disp.apiJobCancel)
	mux.HandlerFunc("POST", "/jobs/:id/fail", disp.apiJobFail)
	mux.HandlerFunc("GET", "/flavors", disp.apiFlavors)
	mux.HandlerFunc("GET", "/apps", disp.apiApps)
	mux.HandlerFunc("GET", "/config", disp.apiConfig)
	metricsH := promhttp.HandlerFor(disp.Registry, promhttp.HandlerOpts{
		ErrorLog: disp.logger,
	})
	mux.Handler("GET", "/metrics", metricsH)
	mux.HandlerFunc("GET", "/_health/ping", disp.apiHealth)
	mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "not found", http.StatusNotFound)
	})
	return httpserver.RequireToken(disp.Config.ManagementToken, mux)
}

func sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// storeError maps job store errors to response statuses.
func storeError(err error) error {
	switch {
	case errors.Is(err, jobstore.ErrNotFound):
		return httpserver.ErrorWithStatus(err, http.StatusNotFound)
	case errors.Is(err, jobstore.ErrNoPredecessor):
		return httpserver.ErrorWithStatus(err, http.StatusBadRequest)
	case errors.Is(err, jobstore.ErrInvalidTransition):
		return httpserver.ErrorWithStatus(err, http.StatusConflict)
	}
	return err
}

func (disp *dispatcher) jobDir(job cumulus.Job) jobdir.Dir {
	return jobdir.New(disp.fs, disp.Config.JobPath(job.JobDir))
}

// loadJob returns the job named in the URL path. If owner is
// non-empty, the job must belong to that owner.
func (disp *dispatcher) loadJob(r *http.Request, owner string) (cumulus.Job, error) {
	idParam := httprouter.ParamsFromContext(r.Context()).ByName("id")
	id, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil || id <= 0 {
		return cumulus.Job{}, httpserver.Errorf(http.StatusBadRequest, "invalid job id %q", idParam)
	}
	job, err := disp.store.Get(r.Context(), id)
	if err != nil {
		return job, storeError(err)
	}
	if owner != "" && job.Owner != owner {
		return job, httpserver.Errorf(http.StatusForbidden, "job %d does not belong to %s", id, owner)
	}
	return job, nil
}

func requireOwner(r *http.Request) (string, error) {
	owner := r.FormValue("owner")
	if owner == "" {
		return "", httpserver.Errorf(http.StatusBadRequest, "owner parameter not provided")
	}
	return owner, nil
}

// Management API: search jobs, newest first.
func (disp *dispatcher) apiJobs(w http.ResponseWriter, r *http.Request) {
	f := jobstore.Filter{
		Owner:   r.FormValue("owner"),
		AppName: r.FormValue("app"),
		Text:    r.FormValue("text"),
		Limit:   defaultListLimit,
	}
	if s := r.FormValue("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			f.Statuses = append(f.Statuses, cumulus.JobStatus(strings.ToUpper(st)))
		}
	}
	if s := r.FormValue("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			httpserver.Error(w, fmt.Sprintf("invalid limit %q", s), http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	jobs, err := disp.store.Search(r.Context(), f)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var resp struct {
		Items []cumulus.Job `json:"items"`
	}
	resp.Items = append([]cumulus.Job{}, jobs...)
	sendJSON(w, http.StatusOK, resp)
}

// Management API: submit a job. The job directory is created with
// the job's settings; the client then uploads private inputs and
// the final file.
func (disp *dispatcher) apiJobCreate(w http.ResponseWriter, r *http.Request) {
	var nj cumulus.NewJob
	if err := json.NewDecoder(r.Body).Decode(&nj); err != nil {
		httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if nj.Owner == "" || nj.AppName == "" {
		httpserver.Error(w, "owner and app_name are required", http.StatusBadRequest)
		return
	}
	if _, ok := disp.apps.Lookup(nj.AppName); !ok {
		httpserver.Error(w, fmt.Sprintf("unknown app %q", nj.AppName), http.StatusBadRequest)
		return
	}
	if len(nj.Settings) == 0 {
		nj.Settings = json.RawMessage(`{}`)
	} else if !json.Valid(nj.Settings) || !bytes.HasPrefix(bytes.TrimSpace(nj.Settings), []byte("{")) {
		httpserver.Error(w, "settings must be a JSON object", http.StatusBadRequest)
		return
	}
	if nj.Strategy == "" {
		nj.Strategy = cumulus.StrategyFirstAvailable
	}
	job, err := disp.store.Create(r.Context(), nj, time.Now())
	if err != nil {
		httpserver.WriteError(w, storeError(err))
		return
	}
	logger := disp.logger.WithField("JobID", job.ID)
	if err := disp.jobDir(job).Create(nj.Settings); err != nil {
		logger.WithError(err).Error("error creating job directory")
		if err := disp.store.Delete(r.Context(), job.ID); err != nil {
			logger.WithError(err).Error("error deleting job after failing to create its directory")
		}
		httpserver.Error(w, "error creating job directory: "+err.Error(), http.StatusInternalServerError)
		return
	}
	logger.WithField("Owner", job.Owner).WithField("App", job.AppName).Info("job submitted")
	sendJSON(w, http.StatusCreated, job)
}

// Management API: a job and, once provisioning has finished, its
// worker descriptor.
func (disp *dispatcher) apiJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := disp.loadJob(r, "")
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	resp := struct {
		cumulus.Job
		Worker *cumulus.WorkerDescriptor `json:"worker,omitempty"`
	}{Job: job}
	if job.JobDir != "" {
		desc, ok, err := disp.jobDir(job).ReadDescriptor()
		if err != nil {
			disp.logger.WithField("JobID", job.ID).WithError(err).Warn("error reading worker descriptor")
		} else if ok {
			resp.Worker = &desc
		}
	}
	sendJSON(w, http.StatusOK, resp)
}

// Management API: cancel a job and the active members of its
// workflow.
func (disp *dispatcher) apiJobCancel(w http.ResponseWriter, r *http.Request) {
	owner, err := requireOwner(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	job, err := disp.loadJob(r, owner)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if !job.Status.IsActive() {
		httpserver.Error(w, fmt.Sprintf("job %d is %s", job.ID, job.Status), http.StatusConflict)
		return
	}
	if err := disp.manager.Cancel(r.Context(), job.ID); err != nil {
		httpserver.WriteError(w, storeError(err))
		return
	}
	job, err = disp.store.Get(r.Context(), job.ID)
	if err != nil {
		httpserver.WriteError(w, storeError(err))
		return
	}
	sendJSON(w, http.StatusOK, job)
}

// Management API: delete a finished job and its directory.
func (disp *dispatcher) apiJobDelete(w http.ResponseWriter, r *http.Request) {
	owner, err := requireOwner(r)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	job, err := disp.loadJob(r, owner)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if job.Status.IsActive() {
		httpserver.Error(w, fmt.Sprintf("job %d is %s; cancel it first", job.ID, job.Status), http.StatusConflict)
		return
	}
	logger := disp.logger.WithField("JobID", job.ID)
	if job.JobDir != "" {
		dir := disp.jobDir(job)
		if err := dir.Remove(); err != nil {
			logger.WithError(err).Error("error removing job directory")
			dir.AppendStderr("error removing job directory: " + err.Error())
			if err := disp.store.ForceFailed(r.Context(), job.ID); err != nil && !errors.Is(err, jobstore.ErrInvalidTransition) {
				logger.WithError(err).Error("error setting status")
			}
			httpserver.Error(w, "error removing job directory: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}
	if err := disp.store.Delete(r.Context(), job.ID); err != nil {
		httpserver.WriteError(w, storeError(err))
		return
	}
	logger.Info("job deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Management API: record a failure reported by something other than
// the orchestrator, and release the job's worker.
func (disp *dispatcher) apiJobFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpserver.Error(w, "error decoding request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "failure reported via management API"
	}
	job, err := disp.loadJob(r, "")
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	err = disp.store.SetStatus(r.Context(), job.ID, cumulus.StatusFailed)
	if err != nil {
		httpserver.WriteError(w, storeError(err))
		return
	}
	logger := disp.logger.WithField("JobID", job.ID)
	if err := disp.store.SetEndDate(r.Context(), job.ID, time.Now()); err != nil {
		logger.WithError(err).Error("error setting end date")
	}
	if job.JobDir != "" {
		if err := disp.jobDir(job).AppendStderr(req.Reason); err != nil {
			logger.WithError(err).Warn("error appending to stderr")
		}
	}
	logger.WithField("Reason", req.Reason).Info("job failed")
	go func() {
		ctx, cancel := context.WithTimeout(disp.Context, teardownTimeout)
		defer cancel()
		if err := disp.manager.Teardown(ctx, job.ID); err != nil {
			logger.WithError(err).Warn("teardown failed")
		}
	}()
	job, err = disp.store.Get(r.Context(), job.ID)
	if err != nil {
		httpserver.WriteError(w, storeError(err))
		return
	}
	sendJSON(w, http.StatusOK, job)
}

// Management API: configured flavors and the weight budget.
func (disp *dispatcher) apiFlavors(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, disp.Flavors)
}

// Management API: names of the loaded apps.
func (disp *dispatcher) apiApps(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []string `json:"items"`
	}
	resp.Items = append([]string{}, disp.apps.Names()...)
	sendJSON(w, http.StatusOK, resp)
}

// Management API: running configuration, with secrets redacted.
func (disp *dispatcher) apiConfig(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := config.ExportJSON(&buf, disp.Config); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf.Bytes())
}

func (disp *dispatcher) apiHealth(w http.ResponseWriter, r *http.Request) {
	if err := disp.CheckHealth(); err != nil {
		sendJSON(w, http.StatusInternalServerError, map[string]string{"health": "ERROR", "error": err.Error()})
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{"health": "OK"})
}
