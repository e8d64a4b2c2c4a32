// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cumulus

import "strings"

// JobStatus is the state of a job in the orchestrator's state
// machine.
type JobStatus string

const (
	StatusPending   = JobStatus("PENDING")
	StatusPreparing = JobStatus("PREPARING")
	StatusRunning   = JobStatus("RUNNING")
	StatusDone      = JobStatus("DONE")
	StatusFailed    = JobStatus("FAILED")
	StatusCancelled = JobStatus("CANCELLED")
	StatusPaused    = JobStatus("PAUSED")

	archivedPrefix = "ARCHIVED_"
)

// Statuses lists every non-archived status.
var Statuses = []JobStatus{
	StatusPending,
	StatusPreparing,
	StatusRunning,
	StatusDone,
	StatusFailed,
	StatusCancelled,
	StatusPaused,
}

// ActiveStatuses are the statuses of jobs that may still hold, or be
// about to acquire, a worker.
var ActiveStatuses = []JobStatus{StatusPending, StatusPreparing, StatusRunning}

// Archived returns the ARCHIVED_ variant of a terminal status. It
// returns s unchanged if s is already archived.
func (s JobStatus) Archived() JobStatus {
	if s.IsArchived() {
		return s
	}
	return JobStatus(archivedPrefix + string(s))
}

// IsArchived returns true for the ARCHIVED_* statuses.
func (s JobStatus) IsArchived() bool {
	return strings.HasPrefix(string(s), archivedPrefix)
}

// Unarchived returns the status a job had before it was archived.
func (s JobStatus) Unarchived() JobStatus {
	return JobStatus(strings.TrimPrefix(string(s), archivedPrefix))
}

// IsTerminal returns true if no further work will be done for a job
// in this status.
func (s JobStatus) IsTerminal() bool {
	switch s.Unarchived() {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive returns true for PENDING, PREPARING and RUNNING.
func (s JobStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusPreparing, StatusRunning:
		return true
	}
	return false
}

// IsFailure returns true if the job (or the archived job) ended
// without producing results.
func (s JobStatus) IsFailure() bool {
	u := s.Unarchived()
	return u == StatusFailed || u == StatusCancelled
}

// CanTransitionTo reports whether a job may move from s to next.
// Setting a status to its current value is always allowed (it is a
// no-op).
//
//	PENDING -> PREPARING -> RUNNING -> DONE|FAILED
//	PENDING|PREPARING|RUNNING -> CANCELLED
//	PENDING|PREPARING -> FAILED
//	DONE|FAILED|CANCELLED -> ARCHIVED_<status>
//	PREPARING -> PAUSED -> PREPARING
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s == next {
		return true
	}
	if next.IsArchived() {
		return !s.IsArchived() && s.IsTerminal() && next.Unarchived() == s
	}
	switch s {
	case StatusPending:
		return next == StatusPreparing || next == StatusCancelled || next == StatusFailed
	case StatusPreparing:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed || next == StatusPaused
	case StatusRunning:
		return next == StatusDone || next == StatusFailed || next == StatusCancelled
	case StatusPaused:
		return next == StatusPreparing
	}
	return false
}

// Predecessors returns every status from which a job may move to
// next, including next itself.
func (next JobStatus) Predecessors() []JobStatus {
	var preds []JobStatus
	for _, s := range Statuses {
		if s.CanTransitionTo(next) {
			preds = append(preds, s)
		}
	}
	return preds
}
