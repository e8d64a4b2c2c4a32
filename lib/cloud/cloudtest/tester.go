// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudtest

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/sshexecutor"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/worker"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var (
	errTestInstanceNotFound = errors.New("test instance missing from cloud provider's list")
)

// A tester does a sequence of operations to test a cloud driver and
// configuration. Run() should be called only once, after assigning
// suitable values to public fields.
type tester struct {
	Logger             logrus.FieldLogger
	Tags               cloud.InstanceTags
	SetID              cloud.InstanceSetID
	DestroyExisting    bool
	ProbeInterval      time.Duration
	SyncInterval       time.Duration
	TimeoutBooting     time.Duration
	Driver             cloud.Driver
	DriverParameters   json.RawMessage
	Flavor             cumulus.Flavor
	ImageID            cloud.ImageID
	SnapshotID         cloud.SnapshotID
	VolumeSizeGB       int
	SSHKey             ssh.Signer
	SSHPort            string
	SSHUser            string
	BootProbeCommand   string
	ShellCommand       string
	PauseBeforeDestroy func()

	is              cloud.InstanceSet
	testVolume      cloud.Volume
	testInstance    *worker.TagVerifier
	secret          string
	executor        *sshexecutor.Executor
	showedLoginInfo bool
}

// Run the test suite as specified, clean up as needed, and return
// true (everything is OK) or false (something went wrong).
func (t *tester) Run() bool {
	// Set when we encounter a non-fatal error, so we can continue
	// doing more tests but return false at the end.
	deferredError := false

	var err error
	t.is, err = t.Driver.InstanceSet(t.DriverParameters, t.SetID, t.Logger)
	if err != nil {
		t.Logger.WithError(err).Info("error initializing driver")
		return false
	}
	defer t.is.Stop()

	for {
		insts, err := t.getInstances()
		if err != nil {
			t.Logger.WithError(err).Info("error getting list of instances")
			return false
		}
		if len(insts) == 0 {
			break
		}
		for _, i := range insts {
			lgr := t.Logger.WithFields(logrus.Fields{
				"Instance":      i.ID(),
				"InstanceSetID": t.SetID,
			})
			if !t.DestroyExisting {
				lgr.Error("found existing instance with our InstanceSetID")
				continue
			}
			lgr.Info("destroying existing instance with our InstanceSetID")
			t0 := time.Now()
			err := i.Destroy()
			lgr = lgr.WithField("Duration", time.Since(t0))
			if err != nil && !errors.Is(err, cloud.ErrNotFound) {
				lgr.WithError(err).Error("error destroying existing instance")
			} else {
				lgr.Info("Destroy() call succeeded")
			}
		}
		if !t.DestroyExisting {
			t.Logger.Error("cannot continue with existing instances -- clean up manually, use -destroy-existing=true, or choose a different -instance-set-id")
			return false
		}
		t.sleepSyncInterval()
	}

	t.secret = randomHex(40)
	tags := cloud.InstanceTags{}
	for k, v := range t.Tags {
		tags[k] = v
	}
	tags[cloud.TagKeyInstanceSetID] = string(t.SetID)

	defer t.destroyTestVolume()
	if t.SnapshotID != "" {
		t.Logger.WithFields(logrus.Fields{
			"Snapshot": t.SnapshotID,
			"SizeGB":   t.VolumeSizeGB,
		}).Info("creating volume")
		t0 := time.Now()
		t.testVolume, err = t.is.CreateVolume("cumulus-cloudtest-vol", t.SnapshotID, t.VolumeSizeGB, tags)
		lgr := t.Logger.WithField("Duration", time.Since(t0))
		if err != nil {
			lgr.WithError(err).Error("error creating test volume")
			return false
		}
		lgr.WithField("Volume", t.testVolume.ID()).Info("created volume")
	}

	itags := cloud.InstanceTags{cloud.TagKeyInstanceSecret: t.secret}
	for k, v := range tags {
		itags[k] = v
	}
	defer t.destroyTestInstance()

	bootDeadline := time.Now().Add(t.TimeoutBooting)
	initCommand := worker.TagVerifier{Secret: t.secret}.InitCommand()

	t.Logger.WithFields(logrus.Fields{
		"Flavor":       t.Flavor.Name,
		"InstanceType": t.Flavor.InstanceType(),
		"ImageID":      t.ImageID,
		"Tags":         itags,
		"InitCommand":  initCommand,
	}).Info("creating instance")
	t0 := time.Now()
	inst, err := t.is.Create("cumulus-cloudtest", t.Flavor, t.ImageID, t.testVolume, itags, initCommand, t.SSHKey.PublicKey())
	lgrC := t.Logger.WithField("Duration", time.Since(t0))
	if err != nil {
		// Create() might have failed due to a bug or network
		// error even though the creation was successful, so
		// it's safer to wait a bit for an instance to appear.
		deferredError = true
		lgrC.WithError(err).Error("error creating test instance")
		t.Logger.WithField("Deadline", bootDeadline).Info("waiting for instance to appear anyway, in case the Create response was incorrect")
		for err = t.refreshTestInstance(); err != nil; err = t.refreshTestInstance() {
			if time.Now().After(bootDeadline) {
				t.Logger.Error("timed out")
				return false
			}
			t.sleepSyncInterval()
		}
		t.Logger.WithField("Instance", t.testInstance.ID()).Info("new instance appeared")
		t.showLoginInfo()
	} else {
		lgrC.WithField("Instance", inst.ID()).Info("created instance")
		t.testInstance = &worker.TagVerifier{Instance: inst, Secret: t.secret}
		t.showLoginInfo()
		err = t.refreshTestInstance()
		if err == errTestInstanceNotFound {
			t.Logger.WithError(err).Error("cloud/driver Create succeeded, but instance is not in list")
			deferredError = true
		} else if err != nil {
			t.Logger.WithError(err).Error("error getting list of instances")
			return false
		}
	}

	if !t.checkTags(itags) {
		// checkTags() already logged the errors
		deferredError = true
	}

	if !t.waitForBoot(bootDeadline) {
		deferredError = true
	}

	if t.ShellCommand != "" {
		err = t.runShellCommand(t.ShellCommand)
		if err != nil {
			t.Logger.WithError(err).Error("shell command failed")
			deferredError = true
		}
	}

	if fn := t.PauseBeforeDestroy; fn != nil {
		t.showLoginInfo()
		fn()
	}

	return !deferredError
}

// If the test instance has an address, log an "ssh user@host" command
// line that the operator can paste into another terminal, and set
// t.showedLoginInfo.
//
// If the test instance doesn't have an address yet, do nothing.
func (t *tester) showLoginInfo() {
	t.updateExecutor()
	host, port := t.executor.TargetHostPort()
	if host == "" {
		return
	}
	user := t.testInstance.RemoteUser()
	if user == "" {
		user = t.SSHUser
	}
	t.Logger.WithField("Command", fmt.Sprintf("ssh -p%s %s@%s", port, user, host)).Info("showing login information")
	t.showedLoginInfo = true
}

// Get the latest instance list from the driver. If our test instance
// is found, assign it to t.testInstance.
func (t *tester) refreshTestInstance() error {
	insts, err := t.getInstances()
	if err != nil {
		return err
	}
	for _, i := range insts {
		if t.testInstance != nil && i.ID() != t.testInstance.ID() {
			continue
		}
		t.Logger.WithFields(logrus.Fields{
			"Instance": i.ID(),
			"Address":  i.Address(),
		}).Info("found our instance in returned list")
		t.testInstance = &worker.TagVerifier{Instance: i, Secret: t.secret}
		if !t.showedLoginInfo {
			t.showLoginInfo()
		}
		return nil
	}
	return errTestInstanceNotFound
}

// Get the list of instances that have our InstanceSetID tag.
func (t *tester) getInstances() ([]cloud.Instance, error) {
	tags := cloud.InstanceTags{cloud.TagKeyInstanceSetID: string(t.SetID)}
	t.Logger.WithField("FilterTags", tags).Info("getting instance list")
	t0 := time.Now()
	insts, err := t.is.Instances(tags)
	if err != nil {
		return nil, err
	}
	t.Logger.WithFields(logrus.Fields{
		"Duration": time.Since(t0),
		"N":        len(insts),
	}).Info("got instance list")
	return insts, nil
}

// Check that t.testInstance has every tag in want. If not, log an
// error and return false.
func (t *tester) checkTags(want cloud.InstanceTags) bool {
	ok := true
	for k, v := range want {
		if got := t.testInstance.Tags()[k]; got != v {
			ok = false
			t.Logger.WithFields(logrus.Fields{
				"Key":           k,
				"ExpectedValue": v,
				"GotValue":      got,
			}).Error("tag is missing from test instance")
		}
	}
	if ok {
		t.Logger.Info("all expected tags are present")
	}
	return ok
}

// Run t.BootProbeCommand on t.testInstance until it succeeds or the
// deadline arrives.
func (t *tester) waitForBoot(deadline time.Time) bool {
	for time.Now().Before(deadline) {
		err := t.runShellCommand(t.BootProbeCommand)
		if err == nil {
			return true
		}
		t.sleepProbeInterval()
		t.refreshTestInstance()
	}
	t.Logger.Error("timed out")
	return false
}

// Create t.executor and/or update its target to t.testInstance's
// current address.
func (t *tester) updateExecutor() {
	if t.executor == nil {
		t.executor = sshexecutor.New(t.testInstance)
		t.executor.SetTargetPort(t.SSHPort)
		t.executor.SetSigners(t.SSHKey)
		if t.testInstance.RemoteUser() == "" {
			t.executor.SetTargetUser(t.SSHUser)
		}
	} else {
		t.executor.SetTarget(t.testInstance)
	}
}

func (t *tester) runShellCommand(cmd string) error {
	t.updateExecutor()
	t.Logger.WithFields(logrus.Fields{
		"Command": cmd,
	}).Info("executing remote command")
	t0 := time.Now()
	stdout, stderr, err := t.executor.Execute(nil, cmd, nil)
	lgr := t.Logger.WithFields(logrus.Fields{
		"Duration": time.Since(t0),
		"Command":  cmd,
		"stdout":   string(stdout),
		"stderr":   string(stderr),
	})
	if err != nil {
		lgr.WithError(err).Info("remote command failed")
	} else {
		lgr.Info("remote command succeeded")
	}
	return err
}

// currently, this tries forever until it can return true (success).
func (t *tester) destroyTestInstance() bool {
	if t.testInstance == nil {
		return true
	}
	if t.executor != nil {
		t.executor.Close()
	}
	for {
		lgr := t.Logger.WithField("Instance", t.testInstance.ID())
		lgr.Info("destroying instance")
		t0 := time.Now()

		err := t.testInstance.Destroy()
		lgrDur := lgr.WithField("Duration", time.Since(t0))
		if err != nil && !errors.Is(err, cloud.ErrNotFound) {
			lgrDur.WithError(err).Error("error destroying instance")
		} else {
			lgrDur.Info("destroyed instance")
		}

		err = t.refreshTestInstance()
		if err == errTestInstanceNotFound {
			lgr.Info("instance no longer appears in list")
			t.testInstance = nil
			return true
		} else if err == nil {
			lgr.Info("instance still exists after calling Destroy")
			t.sleepSyncInterval()
			continue
		} else {
			t.Logger.WithError(err).Error("error getting list of instances")
			continue
		}
	}
}

// Destroy the test volume, unless the cloud already deleted it along
// with the instance.
func (t *tester) destroyTestVolume() {
	if t.testVolume == nil {
		return
	}
	lgr := t.Logger.WithField("Volume", t.testVolume.ID())
	err := t.testVolume.Destroy()
	if errors.Is(err, cloud.ErrNotFound) {
		lgr.Info("volume was deleted with the instance")
	} else if err != nil {
		lgr.WithError(err).Error("error destroying volume")
	} else {
		lgr.Info("destroyed volume")
	}
	t.testVolume = nil
}

func (t *tester) sleepSyncInterval() {
	t.Logger.WithField("Duration", t.SyncInterval).Info("waiting SyncInterval")
	time.Sleep(t.SyncInterval)
}

func (t *tester) sleepProbeInterval() {
	t.Logger.WithField("Duration", t.ProbeInterval).Info("waiting ProbeInterval")
	time.Sleep(t.ProbeInterval)
}

// Return a random string of n hexadecimal digits (n*4 random bits). n
// must be even.
func randomHex(n int) string {
	buf := make([]byte, n/2)
	_, err := rand.Read(buf)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", buf)
}
