// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"errors"
	"time"

	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ThrottleSuite{})

type ThrottleSuite struct{}

func (s *ThrottleSuite) TestRateLimitError(c *check.C) {
	var t throttle
	c.Check(t.Error(), check.IsNil)
	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Second), nil)
	c.Check(t.Error(), check.NotNil)
	t.ErrorUntil(nil, time.Now(), nil)
	c.Check(t.Error(), check.IsNil)

	notified := false
	t.ErrorUntil(errors.New("wait"), time.Now().Add(time.Millisecond), func() { notified = true })
	c.Check(t.Error(), check.NotNil)
	time.Sleep(time.Millisecond * 10)
	c.Check(t.Error(), check.IsNil)
	c.Check(notified, check.Equals, true)
}

type rateLimited struct{ until time.Time }

func (e rateLimited) Error() string            { return "rate limited" }
func (e rateLimited) EarliestRetry() time.Time { return e.until }

func (s *ThrottleSuite) TestRetryRateLimited(c *check.C) {
	tis := &throttledInstanceSet{logger: ctxlog.TestLogger(c)}
	calls := 0
	t0 := time.Now()
	err := tis.retry(context.Background(), &tis.throttleCreate, "test", func() error {
		calls++
		if calls < 3 {
			return rateLimited{until: time.Now().Add(20 * time.Millisecond)}
		}
		return nil
	})
	c.Check(err, check.IsNil)
	c.Check(calls, check.Equals, 3)
	c.Check(time.Since(t0) >= 40*time.Millisecond, check.Equals, true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = tis.retry(ctx, &tis.throttleCreate, "test", func() error {
		return rateLimited{until: time.Now().Add(time.Hour)}
	})
	c.Check(err, check.Equals, context.DeadlineExceeded)

	err = tis.retry(context.Background(), &tis.throttleInstances, "test", func() error {
		return errors.New("other")
	})
	c.Check(err, check.ErrorMatches, "other")
}
