// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 is a cloud driver for Amazon EC2. Each worker's disk
// is an EBS volume cloned from the template snapshot and attached to
// a new instance.
package ec2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2InstanceSet)

const (
	attachDevice       = "/dev/sdf"
	defaultWaitTimeout = 10 * time.Minute
	throttleDelay      = 20 * time.Second
)

type ec2InstanceSetConfig struct {
	AccessKeyID      string
	SecretAccessKey  string
	Region           string
	AvailabilityZone string
	SecurityGroupIDs []string
	SubnetID         sliceOrSingleString
	AdminUsername    string
	KeyPairName      string
	VolumeType       string
	UsePublicIP      bool
	WaitTimeout      cumulus.Duration
}

type sliceOrSingleString []string

// UnmarshalJSON unmarshals an array of strings, and also accepts ""
// as [], and "foo" as ["foo"].
func (ss *sliceOrSingleString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		*ss = nil
	} else if data[0] == '[' {
		var slice []string
		err := json.Unmarshal(data, &slice)
		if err != nil {
			return err
		}
		if len(slice) == 0 {
			*ss = nil
		} else {
			*ss = slice
		}
	} else {
		var str string
		err := json.Unmarshal(data, &str)
		if err != nil {
			return err
		}
		if str == "" {
			*ss = nil
		} else {
			*ss = []string{str}
		}
	}
	return nil
}

type ec2Interface interface {
	AttachVolume(context.Context, *ec2.AttachVolumeInput, ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	CreateVolume(context.Context, *ec2.CreateVolumeInput, ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DeleteVolume(context.Context, *ec2.DeleteVolumeInput, ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeKeyPairs(context.Context, *ec2.DescribeKeyPairsInput, ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	DescribeVolumes(context.Context, *ec2.DescribeVolumesInput, ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	ImportKeyPair(context.Context, *ec2.ImportKeyPairInput, ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
	ModifyInstanceAttribute(context.Context, *ec2.ModifyInstanceAttributeInput, ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type ec2InstanceSet struct {
	ec2config     ec2InstanceSetConfig
	instanceSetID cloud.InstanceSetID
	logger        logrus.FieldLogger
	client        ec2Interface
	// index of the subnet that last worked, so the next
	// RunInstances call tries it first
	currentSubnetIDIndex int32
	keysMtx              sync.Mutex
	keys                 map[string]string
}

func newEC2InstanceSet(cfg json.RawMessage, instanceSetID cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	instanceSet := &ec2InstanceSet{
		instanceSetID: instanceSetID,
		logger:        logger,
	}
	err := json.Unmarshal(cfg, &instanceSet.ec2config)
	if err != nil {
		return nil, err
	}
	awscfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(instanceSet.ec2config.Region),
		func(o *config.LoadOptions) error {
			if instanceSet.ec2config.AccessKeyID == "" && instanceSet.ec2config.SecretAccessKey == "" {
				// Use default sdk behavior (IAM role / env)
				return nil
			}
			o.Credentials = credentials.StaticCredentialsProvider{
				Value: aws.Credentials{
					AccessKeyID:     instanceSet.ec2config.AccessKeyID,
					SecretAccessKey: instanceSet.ec2config.SecretAccessKey,
					Source:          "cumulus configuration",
				},
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	instanceSet.client = ec2.NewFromConfig(awscfg)
	instanceSet.keys = make(map[string]string)
	if instanceSet.ec2config.VolumeType == "" {
		instanceSet.ec2config.VolumeType = string(types.VolumeTypeGp3)
	}
	return instanceSet, nil
}

func (instanceSet *ec2InstanceSet) waitTimeout() time.Duration {
	if d := instanceSet.ec2config.WaitTimeout.Duration(); d > 0 {
		return d
	}
	return defaultWaitTimeout
}

func ec2Tags(name string, tags cloud.InstanceTags) []types.Tag {
	ec2tags := []types.Tag{{Key: aws.String(cloud.TagKeyName), Value: aws.String(name)}}
	for k, v := range tags {
		if k == cloud.TagKeyName {
			continue
		}
		ec2tags = append(ec2tags, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return ec2tags
}

func tagFilters(tags cloud.InstanceTags) []types.Filter {
	var filters []types.Filter
	for k, v := range tags {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{v},
		})
	}
	return filters
}

func (instanceSet *ec2InstanceSet) CreateVolume(name string, snapshot cloud.SnapshotID, sizeGB int, tags cloud.InstanceTags) (cloud.Volume, error) {
	ctx, cancel := context.WithTimeout(context.Background(), instanceSet.waitTimeout())
	defer cancel()
	input := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(instanceSet.ec2config.AvailabilityZone),
		SnapshotId:       aws.String(string(snapshot)),
		VolumeType:       types.VolumeType(instanceSet.ec2config.VolumeType),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeVolume,
			Tags:         ec2Tags(name, tags),
		}},
	}
	if sizeGB > 0 {
		input.Size = aws.Int32(int32(sizeGB))
	}
	out, err := instanceSet.client.CreateVolume(ctx, input)
	if err != nil {
		return nil, wrapError(err)
	}
	vol := &ec2Volume{provider: instanceSet, id: aws.ToString(out.VolumeId), name: name, tags: copyTags(tags)}
	err = ec2.NewVolumeAvailableWaiter(instanceSet.client).Wait(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{vol.id},
	}, instanceSet.waitTimeout())
	if err != nil {
		return vol, fmt.Errorf("volume %s did not become available: %w", vol.id, wrapError(err))
	}
	return vol, nil
}

func (instanceSet *ec2InstanceSet) Volumes(tags cloud.InstanceTags) ([]cloud.Volume, error) {
	ctx := context.Background()
	input := &ec2.DescribeVolumesInput{Filters: tagFilters(tags)}
	var vols []cloud.Volume
	for {
		out, err := instanceSet.client.DescribeVolumes(ctx, input)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, v := range out.Volumes {
			if v.State == types.VolumeStateDeleting || v.State == types.VolumeStateDeleted {
				continue
			}
			vol := &ec2Volume{provider: instanceSet, id: aws.ToString(v.VolumeId), tags: cloud.InstanceTags{}}
			for _, t := range v.Tags {
				vol.tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			vol.name = vol.tags[cloud.TagKeyName]
			vols = append(vols, vol)
		}
		if out.NextToken == nil {
			return vols, nil
		}
		input.NextToken = out.NextToken
	}
}

// importKey makes sure the given public key is registered as a key
// pair, and returns the key pair name.
func (instanceSet *ec2InstanceSet) importKey(ctx context.Context, publicKey ssh.PublicKey) (string, error) {
	if instanceSet.ec2config.KeyPairName != "" || publicKey == nil {
		return instanceSet.ec2config.KeyPairName, nil
	}
	fingerprint := ssh.FingerprintSHA256(publicKey)
	instanceSet.keysMtx.Lock()
	defer instanceSet.keysMtx.Unlock()
	if name, ok := instanceSet.keys[fingerprint]; ok {
		return name, nil
	}
	name := "cumulus-" + string(instanceSet.instanceSetID)
	out, err := instanceSet.client.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{KeyNames: []string{name}})
	if err != nil || len(out.KeyPairs) == 0 {
		_, err = instanceSet.client.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
			KeyName:           aws.String(name),
			PublicKeyMaterial: ssh.MarshalAuthorizedKey(publicKey),
		})
		if err != nil {
			return "", fmt.Errorf("ImportKeyPair: %w", wrapError(err))
		}
	}
	instanceSet.keys[fingerprint] = name
	return name, nil
}

func (instanceSet *ec2InstanceSet) Create(
	name string,
	flavor cumulus.Flavor,
	imageID cloud.ImageID,
	boot cloud.Volume,
	newTags cloud.InstanceTags,
	initCommand cloud.InitCommand,
	publicKey ssh.PublicKey) (cloud.Instance, error) {

	ctx, cancel := context.WithTimeout(context.Background(), instanceSet.waitTimeout())
	defer cancel()
	keyName, err := instanceSet.importKey(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	rii := &ec2.RunInstancesInput{
		ImageId:                           aws.String(string(imageID)),
		InstanceType:                      types.InstanceType(flavor.InstanceType()),
		MaxCount:                          aws.Int32(1),
		MinCount:                          aws.Int32(1),
		DisableApiTermination:             aws.Bool(false),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		UserData:                          aws.String(base64.StdEncoding.EncodeToString([]byte("#!/bin/sh\n" + initCommand + "\n"))),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         ec2Tags(name, newTags),
		}},
	}
	if keyName != "" {
		rii.KeyName = aws.String(keyName)
	}
	if az := instanceSet.ec2config.AvailabilityZone; az != "" {
		rii.Placement = &types.Placement{AvailabilityZone: aws.String(az)}
	}
	var rsv *ec2.RunInstancesOutput
	subnets := instanceSet.ec2config.SubnetID
	if len(subnets) == 0 {
		rsv, err = instanceSet.client.RunInstances(ctx, rii)
	}
	currentSubnetIDIndex := int(atomic.LoadInt32(&instanceSet.currentSubnetIDIndex))
	for tryOffset := 0; tryOffset < len(subnets); tryOffset++ {
		tryIndex := (currentSubnetIDIndex + tryOffset) % len(subnets)
		trySubnet := subnets[tryIndex]
		rii.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(instanceSet.ec2config.UsePublicIP),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   instanceSet.ec2config.SecurityGroupIDs,
			SubnetId:                 aws.String(trySubnet),
		}}
		rsv, err = instanceSet.client.RunInstances(ctx, rii)
		if isSubnetSpecificError(err) {
			instanceSet.logger.WithError(err).WithField("SubnetID", trySubnet).Warn("RunInstances failed, trying next subnet")
			continue
		}
		if err == nil && tryIndex != currentSubnetIDIndex {
			atomic.StoreInt32(&instanceSet.currentSubnetIDIndex, int32(tryIndex))
		}
		break
	}
	if err != nil {
		return nil, wrapError(err)
	}
	if len(rsv.Instances) == 0 {
		return nil, errors.New("RunInstances returned no instances")
	}
	inst := &ec2Instance{provider: instanceSet, instance: rsv.Instances[0]}
	if boot == nil {
		return inst, nil
	}
	id := aws.ToString(inst.instance.InstanceId)
	// A volume can only be attached to a running instance.
	described, err := ec2.NewInstanceRunningWaiter(instanceSet.client).WaitForOutput(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, instanceSet.waitTimeout())
	if err != nil {
		return inst, fmt.Errorf("instance %s did not start: %w", id, wrapError(err))
	}
	for _, r := range described.Reservations {
		for _, i := range r.Instances {
			if aws.ToString(i.InstanceId) == id {
				inst.instance = i
			}
		}
	}
	_, err = instanceSet.client.AttachVolume(ctx, &ec2.AttachVolumeInput{
		Device:     aws.String(attachDevice),
		InstanceId: aws.String(id),
		VolumeId:   aws.String(string(boot.ID())),
	})
	if err != nil {
		return inst, fmt.Errorf("attach volume %s: %w", boot.ID(), wrapError(err))
	}
	_, err = instanceSet.client.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(id),
		BlockDeviceMappings: []types.InstanceBlockDeviceMappingSpecification{{
			DeviceName: aws.String(attachDevice),
			Ebs:        &types.EbsInstanceBlockDeviceSpecification{DeleteOnTermination: aws.Bool(true)},
		}},
	})
	if err != nil {
		instanceSet.logger.WithError(err).WithField("Instance", id).Warn("could not set DeleteOnTermination on attached volume")
	}
	return inst, nil
}

func (instanceSet *ec2InstanceSet) Instances(tags cloud.InstanceTags) (instances []cloud.Instance, err error) {
	dii := &ec2.DescribeInstancesInput{Filters: append(tagFilters(tags), types.Filter{
		Name:   aws.String("instance-state-name"),
		Values: []string{"pending", "running", "stopping", "stopped"},
	})}
	for {
		dio, err := instanceSet.client.DescribeInstances(context.Background(), dii)
		if err != nil {
			return nil, wrapError(err)
		}
		for _, rsv := range dio.Reservations {
			for _, inst := range rsv.Instances {
				instances = append(instances, &ec2Instance{instanceSet, inst})
			}
		}
		if dio.NextToken == nil {
			return instances, nil
		}
		dii.NextToken = dio.NextToken
	}
}

func (instanceSet *ec2InstanceSet) Stop() {
}

type ec2Volume struct {
	provider *ec2InstanceSet
	id       string
	name     string
	tags     cloud.InstanceTags
}

func (vol *ec2Volume) ID() cloud.VolumeID       { return cloud.VolumeID(vol.id) }
func (vol *ec2Volume) Name() string             { return vol.name }
func (vol *ec2Volume) Tags() cloud.InstanceTags { return vol.tags }

// Destroy deletes the volume. A volume still attached to a
// terminating instance is deleted by EC2 along with the instance, so
// "in use" is not reported as an error.
func (vol *ec2Volume) Destroy() error {
	_, err := vol.provider.client.DeleteVolume(context.Background(), &ec2.DeleteVolumeInput{
		VolumeId: aws.String(vol.id),
	})
	var aerr smithy.APIError
	if errors.As(err, &aerr) && aerr.ErrorCode() == "VolumeInUse" {
		vol.provider.logger.WithField("Volume", vol.id).Debug("volume still attached, leaving it for DeleteOnTermination")
		return nil
	}
	return wrapError(err)
}

type ec2Instance struct {
	provider *ec2InstanceSet
	instance types.Instance
}

func (inst *ec2Instance) ID() cloud.InstanceID {
	return cloud.InstanceID(aws.ToString(inst.instance.InstanceId))
}

func (inst *ec2Instance) String() string {
	return aws.ToString(inst.instance.InstanceId)
}

func (inst *ec2Instance) Name() string {
	return inst.Tags()[cloud.TagKeyName]
}

func (inst *ec2Instance) Tags() cloud.InstanceTags {
	tags := cloud.InstanceTags{}
	for _, t := range inst.instance.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags
}

func (inst *ec2Instance) Destroy() error {
	_, err := inst.provider.client.TerminateInstances(context.Background(), &ec2.TerminateInstancesInput{
		InstanceIds: []string{aws.ToString(inst.instance.InstanceId)},
	})
	return wrapError(err)
}

func (inst *ec2Instance) Address() string {
	if inst.provider.ec2config.UsePublicIP {
		return aws.ToString(inst.instance.PublicIpAddress)
	}
	return aws.ToString(inst.instance.PrivateIpAddress)
}

func (inst *ec2Instance) RemoteUser() string {
	return inst.provider.ec2config.AdminUsername
}

func (inst *ec2Instance) VerifyHostKey(ssh.PublicKey, *ssh.Client) error {
	return cloud.ErrNotImplemented
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

func (err rateLimitError) Unwrap() error {
	return err.error
}

type quotaError struct {
	error
}

func (err quotaError) IsQuotaError() bool {
	return true
}

func (err quotaError) Unwrap() error {
	return err.error
}

var isQuotaCode = map[string]bool{
	"InstanceLimitExceeded":             true,
	"InsufficientInstanceCapacity":      true,
	"InsufficientFreeAddressesInSubnet": true,
	"VcpuLimitExceeded":                 true,
	"VolumeLimitExceeded":               true,
	"MaxSpotInstanceCountExceeded":      true,
}

// isSubnetSpecificError returns true if trying a different subnet
// might succeed.
func isSubnetSpecificError(err error) bool {
	var aerr smithy.APIError
	if !errors.As(err, &aerr) {
		return false
	}
	return strings.Contains(aerr.ErrorCode(), "Subnet")
}

var isNotFoundCode = map[string]bool{
	"InvalidInstanceID.NotFound": true,
	"InvalidVolume.NotFound":     true,
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	var aerr smithy.APIError
	if !errors.As(err, &aerr) {
		return err
	}
	code := aerr.ErrorCode()
	switch {
	case code == "RequestLimitExceeded":
		return rateLimitError{error: err, earliestRetry: time.Now().Add(throttleDelay)}
	case isQuotaCode[code]:
		return quotaError{error: err}
	case isNotFoundCode[code]:
		return fmt.Errorf("%w: %s", cloud.ErrNotFound, err)
	}
	return err
}

func copyTags(src cloud.InstanceTags) cloud.InstanceTags {
	dst := cloud.InstanceTags{}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
