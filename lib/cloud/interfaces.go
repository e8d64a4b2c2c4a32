// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloud defines the interface between the worker manager and
// the cloud provider drivers.
package cloud

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// A RateLimitError should be returned by an InstanceSet when the
// cloud service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by an InstanceSet when the cloud
// service indicates the account cannot create more VMs or volumes
// than already exist.
type QuotaError interface {
	// If true, don't create more resources until some existing
	// ones are destroyed. If false, don't handle the error as a
	// quota error.
	IsQuotaError() bool
	error
}

type InstanceSetID string
type InstanceTags map[string]string
type InstanceID string
type VolumeID string
type ImageID string
type SnapshotID string

// Tag keys set on every resource the worker manager creates.
const (
	TagKeyInstanceSetID  = "cumulus-instance-set"
	TagKeyJobID          = "cumulus-job-id"
	TagKeyName           = "Name"
	TagKeyInstanceSecret = "cumulus-instance-secret"
)

// An Executor executes commands on an ExecutorTarget.
type Executor interface {
	// Update the set of private keys used to authenticate to
	// targets.
	SetSigners(...ssh.Signer)

	// Set the target used for subsequent command executions.
	SetTarget(ExecutorTarget)

	// Return the current target.
	Target() ExecutorTarget

	// Execute a shell command and return the resulting stdout and
	// stderr. stdin can be nil.
	Execute(env map[string]string, cmd string, stdin io.Reader) (stdout, stderr []byte, err error)
}

var (
	ErrNotImplemented = errors.New("not implemented")

	// ErrNotFound is returned (possibly wrapped) when an
	// instance or volume no longer exists. Destroying a resource
	// that is already gone is not a failure.
	ErrNotFound = errors.New("cloud resource not found")
)

// An ExecutorTarget is a remote command execution service.
type ExecutorTarget interface {
	// SSH server hostname or IP address, or empty string if
	// unknown while instance is booting.
	Address() string

	// Remote username to send during SSH authentication.
	RemoteUser() string

	// Return nil if the given public key matches the instance's
	// SSH server key. If the provided Dialer is not nil,
	// VerifyHostKey can use it to make outgoing network
	// connections from the instance -- e.g., to use the cloud's
	// "this instance's metadata" API.
	//
	// Return ErrNotImplemented if no verification mechanism is
	// available.
	VerifyHostKey(ssh.PublicKey, *ssh.Client) error
}

// Volume is a block storage volume cloned from the template
// snapshot, used as a worker's boot disk.
type Volume interface {
	ID() VolumeID
	Name() string
	Tags() InstanceTags

	// Delete the volume. Returns an error wrapping ErrNotFound
	// if the volume is already gone.
	Destroy() error
}

// Instance is implemented by the provider-specific instance types.
type Instance interface {
	ExecutorTarget

	// ID returns the provider's instance ID. It must be stable
	// for the life of the instance.
	ID() InstanceID

	// String typically returns the cloud-provided instance ID.
	String() string

	// Name returns the name given at creation time.
	Name() string

	// Get current tags
	Tags() InstanceTags

	// Shut down the instance. Returns an error wrapping
	// ErrNotFound if the instance is already gone.
	Destroy() error
}

// An InstanceSet manages the volumes and VM instances created by an
// elastic cloud provider.
//
// All public methods of an InstanceSet, and all public methods of the
// instances and volumes it returns, are goroutine safe.
type InstanceSet interface {
	// Clone a new volume from the given snapshot. The name is
	// also recorded as a "Name" tag.
	//
	// The returned error should implement RateLimitError and
	// QuotaError where applicable.
	CreateVolume(name string, snapshot SnapshotID, sizeGB int, tags InstanceTags) (Volume, error)

	// Return all volumes that have all of the given tags.
	Volumes(InstanceTags) ([]Volume, error)

	// Create a new instance of the given flavor, booting from the
	// given volume if it is not nil, otherwise from the given
	// image. If supported by the driver, add the provided public
	// key to the login user's authorized_keys.
	//
	// The given InitCommand should be executed on the newly
	// created instance. This is optional for a driver whose
	// instances' VerifyHostKey() method never returns
	// ErrNotImplemented. InitCommand will be under 1 KiB.
	//
	// The returned error should implement RateLimitError and
	// QuotaError where applicable.
	Create(name string, flavor cumulus.Flavor, image ImageID, boot Volume, tags InstanceTags, init InitCommand, pk ssh.PublicKey) (Instance, error)

	// Return all instances, including ones that are booting or
	// shutting down, that have all of the given tags.
	//
	// An instance returned by successive calls to Instances() may
	// -- but does not need to -- be represented by the same
	// Instance object each time.
	Instances(InstanceTags) ([]Instance, error)

	// Stop any background tasks and release other resources.
	Stop()
}

type InitCommand string

// A Driver returns an InstanceSet that uses the given InstanceSetID
// and driver-dependent configuration parameters.
//
// The returned InstanceSet must not modify or delete cloud resources
// unless they are tagged with the given InstanceSetID or the caller
// calls Destroy() on them. The worker manager always passes the
// InstanceSetID as a tag when creating and listing resources.
type Driver interface {
	InstanceSet(config json.RawMessage, id InstanceSetID, logger logrus.FieldLogger) (InstanceSet, error)
}

// DriverFunc makes a Driver using the provided function as its
// InstanceSet method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, id InstanceSetID, logger logrus.FieldLogger) (InstanceSet, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, id InstanceSetID, logger logrus.FieldLogger) (InstanceSet, error)

func (df driverFunc) InstanceSet(config json.RawMessage, id InstanceSetID, logger logrus.FieldLogger) (InstanceSet, error) {
	return df(config, id, logger)
}
