// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// A StubExecFunc handles a command sent to a stub instance.
type StubExecFunc func(instance cloud.Instance, env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32

// A StubDriver implements cloud.Driver by setting up local SSH
// servers that pass their command execution requests to the provided
// StubExecFunc. Volumes only exist in memory.
type StubDriver struct {
	Exec           StubExecFunc
	HostKey        ssh.Signer
	AuthorizedKeys []ssh.PublicKey

	// If non-nil, returned by CreateVolume / Create instead of
	// creating anything.
	CreateVolumeError error
	CreateError       error

	// Maximum number of instances that may exist at once (0 =
	// unlimited).
	QuotaInstances int

	mtx          sync.Mutex
	instanceSets []*StubInstanceSet
}

// InstanceSet returns a new *StubInstanceSet.
func (sd *StubDriver) InstanceSet(params json.RawMessage, id cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	sis := &StubInstanceSet{
		driver:  sd,
		logger:  logger,
		servers: map[cloud.InstanceID]*stubServer{},
		volumes: map[cloud.VolumeID]*stubVolume{},
	}
	sd.mtx.Lock()
	sd.instanceSets = append(sd.instanceSets, sis)
	sd.mtx.Unlock()
	return sis, nil
}

// InstanceSets returns all instance sets that have been created by
// the driver. This can be used to test a component that uses the
// driver but doesn't expose the InstanceSets it has created.
func (sd *StubDriver) InstanceSets() []*StubInstanceSet {
	sd.mtx.Lock()
	defer sd.mtx.Unlock()
	return append([]*StubInstanceSet(nil), sd.instanceSets...)
}

type StubInstanceSet struct {
	driver  *StubDriver
	logger  logrus.FieldLogger
	servers map[cloud.InstanceID]*stubServer
	volumes map[cloud.VolumeID]*stubVolume
	mtx     sync.RWMutex
	stopped bool
	nextID  int

	// Number of resources destroyed so far.
	DestroyedInstances int
	DestroyedVolumes   int
}

type quotaError string

func (e quotaError) Error() string      { return string(e) }
func (e quotaError) IsQuotaError() bool { return true }

func (sis *StubInstanceSet) CreateVolume(name string, snapshot cloud.SnapshotID, sizeGB int, tags cloud.InstanceTags) (cloud.Volume, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.stopped {
		return nil, errors.New("StubInstanceSet: CreateVolume called after Stop")
	}
	if err := sis.driver.CreateVolumeError; err != nil {
		return nil, err
	}
	sis.nextID++
	sv := &stubVolume{
		sis:    sis,
		id:     cloud.VolumeID(fmt.Sprintf("stub-vol-%d", sis.nextID)),
		name:   name,
		sizeGB: sizeGB,
		tags:   copyTags(tags),
	}
	sv.tags[cloud.TagKeyName] = name
	sis.volumes[sv.id] = sv
	return sv, nil
}

func (sis *StubInstanceSet) Volumes(tags cloud.InstanceTags) ([]cloud.Volume, error) {
	sis.mtx.RLock()
	defer sis.mtx.RUnlock()
	var r []cloud.Volume
	for _, sv := range sis.volumes {
		if hasTags(sv.tags, tags) {
			r = append(r, sv)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID() < r[j].ID() })
	return r, nil
}

func (sis *StubInstanceSet) Create(name string, flavor cumulus.Flavor, image cloud.ImageID, boot cloud.Volume, tags cloud.InstanceTags, init cloud.InitCommand, authKey ssh.PublicKey) (cloud.Instance, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.stopped {
		return nil, errors.New("StubInstanceSet: Create called after Stop")
	}
	if err := sis.driver.CreateError; err != nil {
		return nil, err
	}
	if q := sis.driver.QuotaInstances; q > 0 && len(sis.servers) >= q {
		return nil, quotaError("stub instance quota exceeded")
	}
	if boot != nil {
		if _, ok := sis.volumes[boot.ID()]; !ok {
			return nil, fmt.Errorf("boot volume %s: %w", boot.ID(), cloud.ErrNotFound)
		}
	}
	ak := sis.driver.AuthorizedKeys
	if authKey != nil {
		ak = append([]ssh.PublicKey{authKey}, ak...)
	}
	sis.nextID++
	ss := &stubServer{
		sis:    sis,
		id:     cloud.InstanceID(fmt.Sprintf("stub-%s-%d", flavor.InstanceType(), sis.nextID)),
		name:   name,
		tags:   copyTags(tags),
		flavor: flavor,
		init:   init,
	}
	if boot != nil {
		ss.volume = boot.ID()
	}
	ss.tags[cloud.TagKeyName] = name
	ss.SSHService = SSHService{
		HostKey:        sis.driver.HostKey,
		AuthorizedUser: "cumulus",
		AuthorizedKeys: ak,
		Exec: func(env map[string]string, command string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
			return sis.driver.Exec(ss.Instance(), env, command, stdin, stdout, stderr)
		},
	}
	if err := ss.SSHService.Start(); err != nil {
		return nil, err
	}
	sis.servers[ss.id] = ss
	return ss.Instance(), nil
}

func (sis *StubInstanceSet) Instances(tags cloud.InstanceTags) ([]cloud.Instance, error) {
	sis.mtx.RLock()
	defer sis.mtx.RUnlock()
	var r []cloud.Instance
	for _, ss := range sis.servers {
		if hasTags(ss.tags, tags) {
			r = append(r, ss.Instance())
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID() < r[j].ID() })
	return r, nil
}

// InitCommand returns the init command the named instance was
// created with.
func (sis *StubInstanceSet) InitCommand(id cloud.InstanceID) cloud.InitCommand {
	sis.mtx.RLock()
	defer sis.mtx.RUnlock()
	if ss, ok := sis.servers[id]; ok {
		return ss.init
	}
	return ""
}

func (sis *StubInstanceSet) Stop() {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.stopped {
		panic("Stop called twice")
	}
	sis.stopped = true
}

type stubVolume struct {
	sis    *StubInstanceSet
	id     cloud.VolumeID
	name   string
	sizeGB int
	tags   cloud.InstanceTags
}

func (sv *stubVolume) ID() cloud.VolumeID       { return sv.id }
func (sv *stubVolume) Name() string             { return sv.name }
func (sv *stubVolume) Tags() cloud.InstanceTags { return copyTags(sv.tags) }

func (sv *stubVolume) Destroy() error {
	sis := sv.sis
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if _, ok := sis.volumes[sv.id]; !ok {
		return fmt.Errorf("volume %s: %w", sv.id, cloud.ErrNotFound)
	}
	for _, ss := range sis.servers {
		if ss.volume == sv.id {
			return fmt.Errorf("volume %s is attached to %s", sv.id, ss.id)
		}
	}
	delete(sis.volumes, sv.id)
	sis.DestroyedVolumes++
	return nil
}

type stubServer struct {
	sis        *StubInstanceSet
	id         cloud.InstanceID
	name       string
	tags       cloud.InstanceTags
	flavor     cumulus.Flavor
	volume     cloud.VolumeID
	init       cloud.InitCommand
	SSHService SSHService
}

func (ss *stubServer) Instance() stubInstance {
	return stubInstance{
		ss:   ss,
		addr: ss.SSHService.Address(),
		tags: copyTags(ss.tags),
	}
}

type stubInstance struct {
	ss   *stubServer
	addr string
	tags cloud.InstanceTags
}

func (si stubInstance) ID() cloud.InstanceID {
	return si.ss.id
}

func (si stubInstance) Name() string {
	return si.ss.name
}

func (si stubInstance) Address() string {
	return si.addr
}

func (si stubInstance) RemoteUser() string {
	return si.ss.SSHService.RemoteUser()
}

// Destroy shuts down the instance's SSH server and, like a cloud
// whose boot volumes are deleted on termination, its boot volume.
func (si stubInstance) Destroy() error {
	sis := si.ss.sis
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if _, ok := sis.servers[si.ss.id]; !ok {
		return fmt.Errorf("instance %s: %w", si.ss.id, cloud.ErrNotFound)
	}
	si.ss.SSHService.Close()
	delete(sis.servers, si.ss.id)
	delete(sis.volumes, si.ss.volume)
	sis.DestroyedInstances++
	return nil
}

func (si stubInstance) Tags() cloud.InstanceTags {
	return si.tags
}

func (si stubInstance) String() string {
	return string(si.ss.id)
}

func (si stubInstance) VerifyHostKey(key ssh.PublicKey, client *ssh.Client) error {
	buf := make([]byte, 512)
	_, err := io.ReadFull(rand.Reader, buf)
	if err != nil {
		return err
	}
	sig, err := si.ss.sis.driver.HostKey.Sign(rand.Reader, buf)
	if err != nil {
		return err
	}
	return key.Verify(buf, sig)
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
