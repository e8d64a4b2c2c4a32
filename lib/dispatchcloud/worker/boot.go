// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeoutBooting   = 10 * time.Minute
	defaultBootProbeCommand = "true"
	defaultSSHPort          = "22"
	dialTimeout             = 10 * time.Second
)

// waitBoot returns when the instance accepts TCP connections on its
// SSH port and the boot probe command succeeds, or returns an error
// when the booting timeout is reached or ctx is done.
func (m *Manager) waitBoot(ctx context.Context, inst cloud.Instance, exr Executor, dir jobdir.Dir, logger logrus.FieldLogger) error {
	timeout := m.config.CloudVMs.TimeoutBooting.Duration()
	if timeout <= 0 {
		timeout = defaultTimeoutBooting
	}
	probeCmd := m.config.CloudVMs.BootProbeCommand
	if probeCmd == "" {
		probeCmd = defaultBootProbeCommand
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = timeout / 100
	if bo.InitialInterval > time.Second {
		bo.InitialInterval = time.Second
	}
	bo.MaxInterval = timeout / 4
	bo.MaxElapsedTime = timeout
	bo.Reset()

	attempt := 0
	op := func() error {
		attempt++
		addr := m.dialAddress(inst)
		if addr == "" {
			return fmt.Errorf("instance %s has no address yet", inst)
		}
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			return err
		}
		conn.Close()
		pctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		stdout, stderr, err := exr.ExecuteContext(pctx, nil, probeCmd, nil)
		if err != nil {
			return fmt.Errorf("boot probe failed: %w (stdout %q, stderr %q)", err, stdout, stderr)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithField("Attempt", attempt).Debug("worker not ready")
		dir.Logf("waiting for worker %s to accept commands (attempt %d): %s", inst.Name(), attempt, err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return ctx.Err()
	} else if err != nil {
		return fmt.Errorf("worker %s did not become ready within %s: %w", inst.Name(), timeout, err)
	}
	dir.Logf("worker %s is ready after %d attempt(s)", inst.Name(), attempt)
	return nil
}

func (m *Manager) dialAddress(inst cloud.Instance) string {
	addr := inst.Address()
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	port := m.config.CloudVMs.SSHPort
	if port == "" {
		port = defaultSSHPort
	}
	return net.JoinHostPort(addr, port)
}
