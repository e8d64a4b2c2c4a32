// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cumulus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Strategies with special meaning. Any other strategy names a
// flavor, optionally with a "flavor:" or "host:" prefix.
const (
	StrategyFirstAvailable = "first_available"
	StrategyBestCPU        = "best_cpu"
	StrategyBestRAM        = "best_ram"
)

// Job is one user-submitted unit of work.
type Job struct {
	ID           int64           `json:"id"`
	Owner        string          `json:"owner"`
	AppName      string          `json:"app_name"`
	Strategy     string          `json:"strategy"`
	Description  string          `json:"description"`
	Settings     json.RawMessage `json:"settings"`
	Status       JobStatus       `json:"status"`
	Host         string          `json:"host"`
	Flavor       string          `json:"flavor"`
	CreationDate time.Time       `json:"creation_date"`
	StartDate    time.Time       `json:"start_date"`
	EndDate      time.Time       `json:"end_date"`
	JobDir       string          `json:"job_dir"`
	StartAfterID int64           `json:"start_after_id"`
	WorkflowName string          `json:"workflow_name"`
	LastModified time.Time       `json:"last_modified"`
}

// NewJob holds the caller-supplied attributes of a job being
// submitted.
type NewJob struct {
	Owner        string          `json:"owner"`
	AppName      string          `json:"app_name"`
	Strategy     string          `json:"strategy"`
	Description  string          `json:"description"`
	Settings     json.RawMessage `json:"settings"`
	StartAfterID int64           `json:"start_after_id"`
	WorkflowName string          `json:"workflow_name"`
}

// String returns a short description for log messages.
func (j Job) String() string {
	return fmt.Sprintf("job %d (%s/%s)", j.ID, j.Owner, j.AppName)
}

// SettingsMap decodes the job's settings blob. An empty blob
// yields an empty map.
func (j Job) SettingsMap() (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if len(j.Settings) == 0 || string(j.Settings) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(j.Settings, &m); err != nil {
		return nil, fmt.Errorf("job %d settings: %w", j.ID, err)
	}
	return m, nil
}

// JobDirName returns the directory name for a job, relative to the
// jobs root. It depends only on attributes that never change after
// creation.
func JobDirName(id int64, owner, app string, created time.Time) string {
	return fmt.Sprintf("Job_%d_%s_%s_%d", id, sanitize(owner), sanitize(app), created.Unix())
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '@':
			return r
		}
		return '-'
	}, s)
}

// ParseStrategy splits an optional "flavor:" or "host:" prefix off a
// strategy.
func ParseStrategy(strategy string) (kind, name string) {
	for _, prefix := range []string{"flavor:", "host:"} {
		if strings.HasPrefix(strategy, prefix) {
			return strings.TrimSuffix(prefix, ":"), strategy[len(prefix):]
		}
	}
	return "", strategy
}
