// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"io"

	"github.com/lsmbo/cumulus/lib/cloud"
)

// An Executor executes commands on a worker.
type Executor interface {
	// Run cmd on the current target.
	Execute(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)

	// Run cmd on the current target, giving up when ctx is done.
	ExecuteContext(ctx context.Context, env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)

	// Use the given target for subsequent operations. The new
	// target is the same host as the previous target, but it
	// might return a different address and verify a different
	// host key.
	SetTarget(cloud.ExecutorTarget)

	// Release resources: close network connections, etc.
	Close()
}
