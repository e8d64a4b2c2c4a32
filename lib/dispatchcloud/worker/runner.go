// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// remoteRunner starts, probes, and stops a job's run script on a
// worker.
type remoteRunner struct {
	jobID    int64
	jobDir   string
	executor Executor
	logger   logrus.FieldLogger
}

func shellQuote(s string) string {
	return "'" + strings.Replace(s, "'", "'\\''", -1) + "'"
}

// runScript returns the contents of the run script for the given
// job directory and app command. The script runs in the job
// directory, and creates the stop marker when the command exits.
func runScript(jobDir, command string) string {
	return "#!/bin/bash\n" +
		"cd " + shellQuote(jobDir) + " || exit 1\n" +
		command + " 1>" + jobdir.StdoutFile + " 2>>" + jobdir.StderrFile + "\n" +
		"touch " + jobdir.StopMarkerFile + "\n"
}

// Start runs the job's run script detached from the SSH session, and
// returns the pid (which is also the process group id) of the
// script.
func (rr *remoteRunner) Start(ctx context.Context) (int, error) {
	script := rr.jobDir + "/" + jobdir.ScriptFile
	cmd := "setsid nohup bash " + shellQuote(script) + " </dev/null >/dev/null 2>&1 & echo $!"
	stdout, stderr, err := rr.executor.ExecuteContext(ctx, nil, cmd, nil)
	if err != nil {
		rr.logger.WithField("stdout", string(stdout)).
			WithField("stderr", string(stderr)).
			WithError(err).
			Error("error starting run script")
		return 0, fmt.Errorf("start run script: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(stdout)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("start run script: unexpected output %q", stdout)
	}
	rr.logger.WithField("PID", pid).Info("run script started")
	return pid, nil
}

// Kill sends SIGTERM to the run script's process group.
func (rr *remoteRunner) Kill(ctx context.Context, pid int) error {
	logger := rr.logger.WithField("PID", pid)
	logger.Info("sending SIGTERM to process group")
	stdout, stderr, err := rr.executor.ExecuteContext(ctx, nil, fmt.Sprintf("kill -TERM -- -%d", pid), nil)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"stderr": string(stderr),
			"stdout": string(stdout),
			"error":  err,
		}).Info("kill attempt unsuccessful")
		return err
	}
	return nil
}

// Probe returns true if the process is still running. A non-nil
// error means the worker could not be asked.
func (rr *remoteRunner) Probe(ctx context.Context, pid int) (bool, error) {
	_, stderr, err := rr.executor.ExecuteContext(ctx, nil, fmt.Sprintf("ps -p %d -o comm=", pid), nil)
	var exiterr *ssh.ExitError
	if errors.As(err, &exiterr) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("probe failed: %w (stderr %q)", err, stderr)
	}
	return true, nil
}
