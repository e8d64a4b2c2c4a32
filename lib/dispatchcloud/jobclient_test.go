// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchcloud

import (
	"bytes"
	"fmt"
	"net/http/httptest"
	"strings"

	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	check "gopkg.in/check.v1"
)

// runJobCommand runs a JobCommand subcommand against a test server
// in front of s.disp.
func (s *DispatcherSuite) runJobCommand(c *check.C, token string, args ...string) (code int, stdout, stderr string) {
	srv := httptest.NewServer(s.disp)
	defer srv.Close()
	conf := fmt.Sprintf("ManagementToken: %s\nServices:\n  Listen: %s\n", token, strings.TrimPrefix(srv.URL, "http://"))
	var outbuf, errbuf bytes.Buffer
	args = append([]string{args[0], "-config", "-"}, args[1:]...)
	code = JobCommand.RunCommand("cumulus jobs", args, strings.NewReader(conf), &outbuf, &errbuf)
	return code, outbuf.String(), errbuf.String()
}

func (s *DispatcherSuite) TestJobCommandList(c *check.C) {
	job := s.submitEcho(c)
	s.submit(c, cumulus.NewJob{Owner: "bob", AppName: "echo"})

	code, stdout, stderr := s.runJobCommand(c, s.cfg.ManagementToken, "list", "-header", "-owner", "ann")
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr))
	c.Check(stdout, check.Matches, fmt.Sprintf("id\towner\tapp\tstatus\tflavor\thost\tcreated\n%d\tann\techo\tPENDING\t-\t-\t(now|.* ago)\n", job.ID))

	code, stdout, _ = s.runJobCommand(c, s.cfg.ManagementToken, "list")
	c.Check(code, check.Equals, 0)
	c.Check(strings.Count(stdout, "\n"), check.Equals, 2)
}

func (s *DispatcherSuite) TestJobCommandBadToken(c *check.C) {
	code, _, stderr := s.runJobCommand(c, "wrong-token", "list")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, `403 Forbidden: Forbidden\n`)
}

func (s *DispatcherSuite) TestJobCommandCancel(c *check.C) {
	job := s.submitEcho(c)
	code, _, stderr := s.runJobCommand(c, s.cfg.ManagementToken, "cancel", fmt.Sprint(job.ID))
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Matches, `usage error: -owner is required\n`)

	code, _, stderr = s.runJobCommand(c, s.cfg.ManagementToken, "cancel", "-owner", "ann", fmt.Sprint(job.ID), "999")
	c.Check(code, check.Equals, 1)
	c.Check(stderr, check.Matches, fmt.Sprintf(`(?s)%d: OK\n999: 404 Not Found: job not found: 999\n`, job.ID))
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusCancelled)

	code, _, stderr = s.runJobCommand(c, s.cfg.ManagementToken, "delete", "-owner", "ann", fmt.Sprint(job.ID))
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr))
	_, err := s.disp.store.Get(s.ctx, job.ID)
	c.Check(err, check.NotNil)
}

func (s *DispatcherSuite) TestJobCommandFail(c *check.C) {
	job := s.submitEcho(c)
	code, _, stderr := s.runJobCommand(c, s.cfg.ManagementToken, "fail", "-reason", "operator request", fmt.Sprint(job.ID))
	c.Check(code, check.Equals, 0, check.Commentf("%s", stderr))
	c.Check(s.get(c, job.ID).Status, check.Equals, cumulus.StatusFailed)

	code, _, stderr = s.runJobCommand(c, s.cfg.ManagementToken, "fail")
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Matches, `usage error: no job IDs provided\n`)
}
