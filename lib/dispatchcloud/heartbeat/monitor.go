// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package heartbeat decides whether a job's run script is still
// alive on its worker.
//
// Each worker keeps rewriting a file named after its host in the
// shared pids directory, listing the pids of its live processes. A
// job is alive if that file is fresh and lists the job's pid. If the
// file is stale, the worker is asked directly.
package heartbeat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	defaultFreshnessWindow = 2 * time.Minute
	defaultLRUSize         = 1024
	probeTimeout           = 30 * time.Second
)

// A Prober asks a job's worker directly whether a process is
// running.
type Prober interface {
	Probe(ctx context.Context, job cumulus.Job, pid int) (bool, error)
}

// JobStore is the subset of the job store used by the Monitor.
type JobStore interface {
	SetLastModified(ctx context.Context, id int64, t time.Time) error
}

// observation records when the monitor first saw a given
// modification time on a host's alive file.
type observation struct {
	mtime  time.Time
	seenAt time.Time
}

// Monitor checks job liveness.
type Monitor struct {
	logger   logrus.FieldLogger
	config   *cumulus.Config
	store    JobStore
	prober   Prober
	fs       afero.Fs
	window   time.Duration
	observed *lru.Cache
	timeNow  func() time.Time
}

// NewMonitor returns a Monitor that reads alive files from the
// configured pids directory.
func NewMonitor(logger logrus.FieldLogger, config *cumulus.Config, store JobStore, prober Prober) (*Monitor, error) {
	size := config.Heartbeat.LRUSize
	if size <= 0 {
		size = defaultLRUSize
	}
	observed, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	window := config.Heartbeat.FreshnessWindow.Duration()
	if window <= 0 {
		window = defaultFreshnessWindow
	}
	return &Monitor{
		logger:   logger,
		config:   config,
		store:    store,
		prober:   prober,
		fs:       afero.NewOsFs(),
		window:   window,
		observed: observed,
		timeNow:  time.Now,
	}, nil
}

// IsAlive returns true if the job's run script is (or, before it has
// reported in, might be) still running. On true, the job's
// last-modified time is updated.
//
// A non-nil error means the job directory or alive file could not be
// read; the caller should try again later.
func (m *Monitor) IsAlive(ctx context.Context, job cumulus.Job) (bool, error) {
	alive, err := m.isAlive(ctx, job)
	if err != nil || !alive {
		return alive, err
	}
	if err := m.store.SetLastModified(ctx, job.ID, m.timeNow()); err != nil {
		m.logger.WithError(err).WithField("JobID", job.ID).Warn("could not update last-modified time")
	}
	return true, nil
}

func (m *Monitor) isAlive(ctx context.Context, job cumulus.Job) (bool, error) {
	logger := m.logger.WithFields(logrus.Fields{"JobID": job.ID, "Worker": job.Host})
	dir := jobdir.New(m.fs, m.config.JobPath(job.JobDir))
	if dir.Stopped() {
		logger.Debug("stop marker present")
		return false, nil
	}
	pid, ok, err := dir.ReadPID()
	if err != nil {
		return false, err
	} else if !ok {
		logger.Debug("no pid recorded yet, assuming alive")
		return true, nil
	}
	if job.Host == "" {
		return true, nil
	}
	path := filepath.Join(m.config.Storage.PidsDir, job.Host)
	fi, err := m.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("no alive file yet, assuming alive")
		return true, nil
	} else if err != nil {
		return false, err
	}
	if m.fresh(job.Host, fi.ModTime()) {
		buf, err := afero.ReadFile(m.fs, path)
		if err != nil {
			return false, err
		}
		return listsPID(string(buf), pid), nil
	}

	logger.WithField("AliveFile", path).Warn("alive file is stale, asking worker directly")
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	alive, err := m.prober.Probe(ctx, job, pid)
	if err != nil {
		logger.WithError(err).Warn("remote probe failed, assuming process is gone")
		return false, nil
	}
	return alive, nil
}

// fresh returns true if the alive file's modification time is within
// the freshness window, and the file has not been stuck at that
// modification time for longer than the window (as observed by the
// monitor's own clock).
func (m *Monitor) fresh(host string, mtime time.Time) bool {
	now := m.timeNow()
	if now.Sub(mtime) > m.window {
		return false
	}
	if v, ok := m.observed.Get(host); ok {
		prev := v.(observation)
		if !mtime.After(prev.mtime) {
			return now.Sub(prev.seenAt) <= m.window
		}
	}
	m.observed.Add(host, observation{mtime: mtime, seenAt: now})
	return true
}

func listsPID(content string, pid int) bool {
	for _, field := range strings.Fields(content) {
		if p, err := strconv.Atoi(field); err == nil && p == pid {
			return true
		}
	}
	return false
}
