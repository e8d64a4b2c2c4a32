// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is a cloud driver whose "instances" run commands
// on the local host. It is useful for single-machine deployments and
// for exercising the whole worker lifecycle in tests.
package loopback

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strings"
	"sync"
	"syscall"

	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/lib/dispatchcloud/test"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type instanceSet struct {
	instanceSetID cloud.InstanceSetID
	logger        logrus.FieldLogger
	config        struct {
		// Maximum concurrent instances (0 = unlimited)
		MaxInstances int
		// Shell used to run commands
		Shell string
	}

	mtx       sync.Mutex
	instances map[cloud.InstanceID]*instance
	volumes   map[cloud.VolumeID]*volume
	serial    int
	stopped   bool
}

func newInstanceSet(config json.RawMessage, instanceSetID cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &instanceSet{
		instanceSetID: instanceSetID,
		logger:        logger,
		instances:     map[cloud.InstanceID]*instance{},
		volumes:       map[cloud.VolumeID]*volume{},
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &is.config); err != nil {
			return nil, fmt.Errorf("loopback driver parameters: %w", err)
		}
	}
	if is.config.Shell == "" {
		is.config.Shell = "bash"
	}
	return is, nil
}

func (is *instanceSet) CreateVolume(name string, snapshot cloud.SnapshotID, sizeGB int, tags cloud.InstanceTags) (cloud.Volume, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	is.serial++
	v := &volume{
		is:   is,
		id:   cloud.VolumeID(fmt.Sprintf("loopback-vol-%d", is.serial)),
		name: name,
		tags: copyTags(tags),
	}
	v.tags[cloud.TagKeyName] = name
	is.volumes[v.id] = v
	is.logger.WithField("Volume", v.id).WithField("Snapshot", snapshot).Debug("created loopback volume")
	return v, nil
}

func (is *instanceSet) Volumes(tags cloud.InstanceTags) ([]cloud.Volume, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	var ret []cloud.Volume
	for _, v := range is.volumes {
		if hasTags(v.tags, tags) {
			ret = append(ret, v)
		}
	}
	return ret, nil
}

func (is *instanceSet) Create(name string, flavor cumulus.Flavor, _ cloud.ImageID, boot cloud.Volume, tags cloud.InstanceTags, _ cloud.InitCommand, pubkey ssh.PublicKey) (cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if is.stopped {
		return nil, errors.New("loopback: Create called after Stop")
	}
	if max := is.config.MaxInstances; max > 0 && len(is.instances) >= max {
		return nil, quotaError(fmt.Sprintf("loopback driver is limited to %d instances", max))
	}
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	_, hostPrivKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	hostKey, err := ssh.NewSignerFromKey(hostPrivKey)
	if err != nil {
		return nil, err
	}
	is.serial++
	inst := &instance{
		is:         is,
		id:         cloud.InstanceID(fmt.Sprintf("loopback-%d", is.serial)),
		name:       name,
		flavor:     flavor,
		adminUser:  u.Username,
		tags:       copyTags(tags),
		hostPubKey: hostKey.PublicKey(),
		sshService: test.SSHService{
			HostKey:        hostKey,
			AuthorizedUser: u.Username,
			AuthorizedKeys: []ssh.PublicKey{pubkey},
		},
	}
	if boot != nil {
		inst.volume = boot.ID()
	}
	inst.tags[cloud.TagKeyName] = name
	inst.sshService.Exec = inst.sshExecFunc
	if err := inst.sshService.Start(); err != nil {
		return nil, err
	}
	is.instances[inst.id] = inst
	return inst, nil
}

func (is *instanceSet) Instances(tags cloud.InstanceTags) ([]cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	var ret []cloud.Instance
	for _, inst := range is.instances {
		if hasTags(inst.tags, tags) {
			ret = append(ret, inst)
		}
	}
	return ret, nil
}

func (is *instanceSet) Stop() {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	is.stopped = true
	for _, inst := range is.instances {
		inst.sshService.Close()
	}
}

type volume struct {
	is   *instanceSet
	id   cloud.VolumeID
	name string
	tags cloud.InstanceTags
}

func (v *volume) ID() cloud.VolumeID       { return v.id }
func (v *volume) Name() string             { return v.name }
func (v *volume) Tags() cloud.InstanceTags { return v.tags }
func (v *volume) Destroy() error {
	v.is.mtx.Lock()
	defer v.is.mtx.Unlock()
	if _, ok := v.is.volumes[v.id]; !ok {
		return fmt.Errorf("volume %s: %w", v.id, cloud.ErrNotFound)
	}
	delete(v.is.volumes, v.id)
	return nil
}

type instance struct {
	is         *instanceSet
	id         cloud.InstanceID
	name       string
	flavor     cumulus.Flavor
	volume     cloud.VolumeID
	adminUser  string
	tags       cloud.InstanceTags
	hostPubKey ssh.PublicKey
	sshService test.SSHService
}

func (i *instance) ID() cloud.InstanceID     { return i.id }
func (i *instance) String() string           { return string(i.id) }
func (i *instance) Name() string             { return i.name }
func (i *instance) Address() string          { return i.sshService.Address() }
func (i *instance) RemoteUser() string       { return i.adminUser }
func (i *instance) Tags() cloud.InstanceTags { return i.tags }
func (i *instance) Destroy() error {
	i.is.mtx.Lock()
	defer i.is.mtx.Unlock()
	if _, ok := i.is.instances[i.id]; !ok {
		return fmt.Errorf("instance %s: %w", i.id, cloud.ErrNotFound)
	}
	i.sshService.Close()
	delete(i.is.instances, i.id)
	return nil
}
func (i *instance) VerifyHostKey(pubkey ssh.PublicKey, _ *ssh.Client) error {
	if !bytes.Equal(pubkey.Marshal(), i.hostPubKey.Marshal()) {
		return errors.New("host key mismatch")
	}
	return nil
}
func (i *instance) sshExecFunc(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	cmd := exec.Command(i.is.config.Shell, "-c", strings.TrimPrefix(command, "sudo "))
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	// Prevent child process from using our tty.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	err := cmd.Run()
	if err == nil {
		return 0
	} else if err, ok := err.(*exec.ExitError); !ok {
		return 1
	} else if code := err.ExitCode(); code < 0 {
		return 1
	} else {
		return uint32(code)
	}
}

func hasTags(have, want cloud.InstanceTags) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func copyTags(src cloud.InstanceTags) cloud.InstanceTags {
	dst := cloud.InstanceTags{}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
