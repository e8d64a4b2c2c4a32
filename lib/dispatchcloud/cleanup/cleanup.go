// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cleanup periodically reclaims disk space: it deletes old
// job directories (archiving their jobs) and old shared input files
// that no active job needs.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/lsmbo/cumulus/lib/jobstore"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	defaultSchedule     = "@daily"
	defaultStartupDelay = time.Minute
	defaultMaxAge       = 30 * 24 * time.Hour
)

// JobStore is the subset of the job store used by the Sweeper.
type JobStore interface {
	Get(ctx context.Context, id int64) (cumulus.Job, error)
	JobsByStatus(ctx context.Context, statuses ...cumulus.JobStatus) ([]cumulus.Job, error)
	ForceFailed(ctx context.Context, id int64) error
	Archive(ctx context.Context, id int64) error
}

// AppSet tells which shared files a job needs.
type AppSet interface {
	IsFileRequired(job cumulus.Job, file string) bool
}

// Report summarizes one sweep.
type Report struct {
	JobDirsRemoved   int
	JobsArchived     int
	DataFilesRemoved int
	BytesReclaimed   int64
	Errors           int
}

func (r Report) String() string {
	return fmt.Sprintf("removed %d job directories (%d jobs archived) and %d data files, reclaimed %s, %d errors",
		r.JobDirsRemoved, r.JobsArchived, r.DataFilesRemoved, humanize.Bytes(uint64(r.BytesReclaimed)), r.Errors)
}

// A Sweeper deletes files older than the configured age.
type Sweeper struct {
	logger  logrus.FieldLogger
	config  *cumulus.Config
	store   JobStore
	apps    AppSet
	fs      afero.Fs
	maxAge  time.Duration
	timeNow func() time.Time
}

// NewSweeper returns a Sweeper for the configured storage
// directories.
func NewSweeper(logger logrus.FieldLogger, config *cumulus.Config, store JobStore, appSet AppSet) *Sweeper {
	maxAge := config.Cleanup.MaxAge.Duration()
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	return &Sweeper{
		logger:  logger,
		config:  config,
		store:   store,
		apps:    appSet,
		fs:      afero.NewOsFs(),
		maxAge:  maxAge,
		timeNow: time.Now,
	}
}

// Run sweeps once after the startup delay, then on the configured
// cron schedule, until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	schedule := sw.config.Cleanup.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	delay := sw.config.Cleanup.StartupDelay.Duration()
	if delay <= 0 {
		delay = defaultStartupDelay
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(schedule, func() { sw.sweepAndLog(ctx) })
	if err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", schedule, err)
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(delay):
	}
	sw.sweepAndLog(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (sw *Sweeper) sweepAndLog(ctx context.Context) {
	t0 := time.Now()
	report := sw.Sweep(ctx)
	sw.logger.WithField("Elapsed", time.Since(t0).String()).Info("cleanup: " + report.String())
}

// Sweep runs one pass over the job and data directories.
func (sw *Sweeper) Sweep(ctx context.Context) Report {
	var report Report
	sw.sweepJobDirs(ctx, &report)
	sw.sweepDataFiles(ctx, &report)
	return report
}

func (sw *Sweeper) tooOld(fi os.FileInfo) bool {
	return sw.timeNow().Sub(fi.ModTime()) > sw.maxAge
}

// parseJobID extracts the id from a "Job_<id>_..." directory name.
func parseJobID(name string) (int64, bool) {
	parts := strings.SplitN(name, "_", 3)
	if len(parts) < 2 || parts[0] != "Job" {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	return id, err == nil
}

func (sw *Sweeper) sweepJobDirs(ctx context.Context, report *Report) {
	root := sw.config.Storage.JobsDir
	names, err := doublestar.Glob(afero.NewIOFS(afero.NewBasePathFs(sw.fs, root)), "Job_*")
	if err != nil {
		sw.logger.WithError(err).Error("cleanup: error listing job directories")
		report.Errors++
		return
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		id, ok := parseJobID(name)
		if !ok {
			continue
		}
		dir := jobdir.New(sw.fs, filepath.Join(root, name))
		fi, err := sw.fs.Stat(dir.Path)
		if err != nil || !fi.IsDir() || !sw.tooOld(fi) {
			continue
		}
		logger := sw.logger.WithField("JobID", id)
		job, err := sw.store.Get(ctx, id)
		if errors.Is(err, jobstore.ErrNotFound) {
			logger.Warn("cleanup: job directory has no job record, deleting it")
			sw.removeJobDir(dir, report)
			continue
		} else if err != nil {
			logger.WithError(err).Warn("cleanup: error getting job")
			report.Errors++
			continue
		}
		if !job.Status.IsTerminal() {
			continue
		}
		if !sw.removeJobDir(dir, report) {
			msg := fmt.Sprintf("could not delete job directory %s", dir.Path)
			if err := dir.AppendStderr(msg); err != nil {
				logger.WithError(err).Warn("cleanup: error writing stderr")
			}
			if !job.Status.IsArchived() {
				if err := sw.store.ForceFailed(ctx, id); err != nil {
					logger.WithError(err).Warn("cleanup: error setting status")
				}
			}
			continue
		}
		if job.Status.IsArchived() {
			continue
		}
		if err := sw.store.Archive(ctx, id); err != nil {
			logger.WithError(err).Warn("cleanup: error archiving job")
			report.Errors++
			continue
		}
		report.JobsArchived++
		logger.Infof("cleanup: job has been archived and its directory deleted")
	}
}

func (sw *Sweeper) removeJobDir(dir jobdir.Dir, report *Report) bool {
	size := sw.size(dir.Path)
	if err := dir.Remove(); err != nil {
		sw.logger.WithError(err).WithField("Path", dir.Path).Error("cleanup: error deleting job directory")
		report.Errors++
		return false
	}
	report.JobDirsRemoved++
	report.BytesReclaimed += size
	return true
}

func (sw *Sweeper) sweepDataFiles(ctx context.Context, report *Report) {
	root := sw.config.Storage.DataDir
	entries, err := afero.ReadDir(sw.fs, root)
	if err != nil {
		sw.logger.WithError(err).Error("cleanup: error listing data directory")
		report.Errors++
		return
	}
	var active []cumulus.Job
	loaded := false
	for _, fi := range entries {
		if ctx.Err() != nil {
			return
		}
		if !sw.tooOld(fi) {
			continue
		}
		if !loaded {
			// PAUSED jobs resume at the next start, so their
			// inputs are still needed.
			active, err = sw.store.JobsByStatus(ctx, cumulus.StatusPending, cumulus.StatusPreparing, cumulus.StatusRunning, cumulus.StatusPaused)
			if err != nil {
				sw.logger.WithError(err).Error("cleanup: error listing active jobs")
				report.Errors++
				return
			}
			loaded = true
		}
		if sw.required(active, fi.Name()) {
			continue
		}
		path := filepath.Join(root, fi.Name())
		size := sw.size(path)
		if err := sw.fs.RemoveAll(path); err != nil {
			sw.logger.WithError(err).WithField("Path", path).Error("cleanup: error deleting data file")
			report.Errors++
			continue
		}
		report.DataFilesRemoved++
		report.BytesReclaimed += size
		sw.logger.WithField("Path", path).Info("cleanup: deleted old data file")
	}
}

func (sw *Sweeper) required(active []cumulus.Job, name string) bool {
	for _, job := range active {
		if sw.apps.IsFileRequired(job, name) {
			return true
		}
	}
	return false
}

// size returns the total size of the regular files under path.
func (sw *Sweeper) size(path string) int64 {
	var total int64
	afero.Walk(sw.fs, path, func(_ string, fi os.FileInfo, err error) error {
		if err == nil && fi.Mode().IsRegular() {
			total += fi.Size()
		}
		return nil
	})
	return total
}
