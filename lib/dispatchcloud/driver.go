// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"fmt"
	"time"

	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/lib/cloud/ec2"
	"github.com/lsmbo/cumulus/lib/cloud/loopback"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Drivers is a map of available cloud drivers.
// Clients must not modify the map.
var Drivers = map[string]cloud.Driver{
	"ec2":      ec2.Driver,
	"loopback": loopback.Driver,
}

func newInstanceSet(config *cumulus.Config, setID cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	driver, ok := Drivers[config.CloudVMs.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported cloud driver %q", config.CloudVMs.Driver)
	}
	is, err := driver.InstanceSet(config.CloudVMs.DriverParameters, setID, logger)
	if err != nil {
		return nil, err
	}
	if maxops := config.CloudVMs.MaxCloudOpsPerSecond; maxops > 0 {
		is = &rateLimitedInstanceSet{
			InstanceSet: is,
			ticker:      time.NewTicker(time.Second / time.Duration(maxops)),
		}
	}
	return is, nil
}

// rateLimitedInstanceSet spaces out the calls that create or destroy
// cloud resources.
type rateLimitedInstanceSet struct {
	cloud.InstanceSet
	ticker *time.Ticker
}

func (is *rateLimitedInstanceSet) CreateVolume(name string, snapshot cloud.SnapshotID, sizeGB int, tags cloud.InstanceTags) (cloud.Volume, error) {
	<-is.ticker.C
	vol, err := is.InstanceSet.CreateVolume(name, snapshot, sizeGB, tags)
	if err != nil {
		return nil, err
	}
	return &rateLimitedVolume{vol, is.ticker}, nil
}

func (is *rateLimitedInstanceSet) Volumes(tags cloud.InstanceTags) ([]cloud.Volume, error) {
	vols, err := is.InstanceSet.Volumes(tags)
	for i, vol := range vols {
		vols[i] = &rateLimitedVolume{vol, is.ticker}
	}
	return vols, err
}

func (is *rateLimitedInstanceSet) Create(name string, flavor cumulus.Flavor, image cloud.ImageID, boot cloud.Volume, tags cloud.InstanceTags, init cloud.InitCommand, pk ssh.PublicKey) (cloud.Instance, error) {
	if rlv, ok := boot.(*rateLimitedVolume); ok {
		boot = rlv.Volume
	}
	<-is.ticker.C
	inst, err := is.InstanceSet.Create(name, flavor, image, boot, tags, init, pk)
	if err != nil {
		return nil, err
	}
	return &rateLimitedInstance{inst, is.ticker}, nil
}

func (is *rateLimitedInstanceSet) Instances(tags cloud.InstanceTags) ([]cloud.Instance, error) {
	insts, err := is.InstanceSet.Instances(tags)
	for i, inst := range insts {
		insts[i] = &rateLimitedInstance{inst, is.ticker}
	}
	return insts, err
}

func (is *rateLimitedInstanceSet) Stop() {
	is.ticker.Stop()
	is.InstanceSet.Stop()
}

type rateLimitedInstance struct {
	cloud.Instance
	ticker *time.Ticker
}

func (inst *rateLimitedInstance) Destroy() error {
	<-inst.ticker.C
	return inst.Instance.Destroy()
}

type rateLimitedVolume struct {
	cloud.Volume
	ticker *time.Ticker
}

func (vol *rateLimitedVolume) Destroy() error {
	<-vol.ticker.C
	return vol.Volume.Destroy()
}
