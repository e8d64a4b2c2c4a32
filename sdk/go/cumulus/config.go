// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cumulus

import (
	"encoding/json"
	"path/filepath"
)

const DefaultConfigFile = "/etc/cumulus/config.yml"

// Config is the orchestrator configuration. It is loaded once at
// startup (see lib/config) and passed to every component.
type Config struct {
	ManagementToken string
	FlavorsFile     string

	Services struct {
		Listen string
	}
	SystemLogs struct {
		Format   string
		LogLevel string
		File     string
	}
	Storage   StorageConfig
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Cleanup   CleanupConfig
	Heartbeat HeartbeatConfig
	CloudVMs  CloudVMsConfig
	Apps      AppsConfig

	Dispatch struct {
		// PEM-encoded private key used to log in to workers.
		PrivateKey string
		// Login user on workers.
		User string
	}
}

type StorageConfig struct {
	// Jobs directories live here.
	JobsDir string
	// Shared input files.
	DataDir string
	// Per-host alive files written by workers.
	PidsDir string
}

type DatabaseConfig struct {
	// "sqlite3" or "postgres"
	Driver     string
	Connection string
}

type SchedulerConfig struct {
	PollInterval Duration
}

type CleanupConfig struct {
	// Cron schedule, e.g. "@daily".
	Schedule     string
	StartupDelay Duration
	MaxAge       Duration
}

type HeartbeatConfig struct {
	FreshnessWindow Duration
	LRUSize         int
}

type CloudVMsConfig struct {
	Driver           string
	DriverParameters json.RawMessage

	// Boot volumes are cloned from this snapshot.
	TemplateSnapshotID string
	ImageID            string
	VolumeSizeGB       int
	SSHPort            string
	TimeoutBooting     Duration
	BootProbeCommand   string

	// Interval between checks for late-arriving input files.
	InputWaitInterval Duration

	// Maximum create/destroy calls per second (0 = unlimited).
	MaxCloudOpsPerSecond int
}

type AppsConfig struct {
	// Directory holding *.xml app descriptors.
	Dir string
	// Marker file whose presence in a job directory means the
	// upload of the job's private input files is complete.
	FinalFile string
}

// JobPath returns the absolute path of a job directory name.
func (cfg *Config) JobPath(dirName string) string {
	if filepath.IsAbs(dirName) {
		return dirName
	}
	return filepath.Join(cfg.Storage.JobsDir, dirName)
}
