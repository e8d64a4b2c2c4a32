// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Minimum delay before retrying a rate-limited call whose error does
// not say when to retry.
var rateLimitRetryDelay = time.Second

type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether the given error is a
// cloud.RateLimitError, and if so, ensures Error() returns a non-nil
// error until the rate limiting holdoff period expires.
//
// If a notify func is given, it will be called after the holdoff
// period expires.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string, notify func()) {
	rle, ok := err.(cloud.RateLimitError)
	if !ok {
		return
	}
	until := rle.EarliestRetry()
	if !until.After(time.Now()) {
		return
	}
	dur := until.Sub(time.Now())
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": dur,
		"ResumeAt": until,
	}).Info("suspending remote calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("remote calls are suspended for %s, until %s", dur, until), until, notify)
}

func (thr *throttle) ErrorUntil(err error, until time.Time, notify func()) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
	if notify != nil {
		time.AfterFunc(until.Sub(time.Now()), notify)
	}
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}

// Wait returns when the holdoff period (if any) has expired, or ctx
// is done.
func (thr *throttle) Wait(ctx context.Context) error {
	for {
		thr.mtx.Lock()
		err, until := thr.err, thr.until
		thr.mtx.Unlock()
		if err == nil || !until.After(time.Now()) {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(until)):
		}
	}
}

// throttledInstanceSet waits out rate-limit holdoffs before calling
// the wrapped instance set, and retries calls that fail with a
// rate-limit error.
type throttledInstanceSet struct {
	cloud.InstanceSet
	logger            logrus.FieldLogger
	throttleCreate    throttle
	throttleInstances throttle
}

func (tis *throttledInstanceSet) retry(ctx context.Context, thr *throttle, callType string, call func() error) error {
	for {
		if err := thr.Wait(ctx); err != nil {
			return err
		}
		err := call()
		if _, ok := err.(cloud.RateLimitError); !ok {
			return err
		}
		thr.CheckRateLimitError(err, tis.logger, callType, nil)
		if thr.Error() == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rateLimitRetryDelay):
			}
		}
	}
}

func (tis *throttledInstanceSet) createVolume(ctx context.Context, name string, snapshot cloud.SnapshotID, sizeGB int, tags cloud.InstanceTags) (vol cloud.Volume, err error) {
	err = tis.retry(ctx, &tis.throttleCreate, "create volume", func() error {
		vol, err = tis.InstanceSet.CreateVolume(name, snapshot, sizeGB, tags)
		return err
	})
	return
}

func (tis *throttledInstanceSet) create(ctx context.Context, name string, flavor cumulus.Flavor, image cloud.ImageID, boot cloud.Volume, tags cloud.InstanceTags, init cloud.InitCommand, pk ssh.PublicKey) (inst cloud.Instance, err error) {
	err = tis.retry(ctx, &tis.throttleCreate, "create instance", func() error {
		inst, err = tis.InstanceSet.Create(name, flavor, image, boot, tags, init, pk)
		return err
	})
	return
}

func (tis *throttledInstanceSet) instances(ctx context.Context, tags cloud.InstanceTags) (list []cloud.Instance, err error) {
	err = tis.retry(ctx, &tis.throttleInstances, "list instances", func() error {
		list, err = tis.InstanceSet.Instances(tags)
		return err
	})
	return
}

func (tis *throttledInstanceSet) volumes(ctx context.Context, tags cloud.InstanceTags) (list []cloud.Volume, err error) {
	err = tis.retry(ctx, &tis.throttleInstances, "list volumes", func() error {
		list, err = tis.InstanceSet.Volumes(tags)
		return err
	})
	return
}
