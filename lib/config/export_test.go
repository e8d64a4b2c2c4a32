// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExportSuite{})

type ExportSuite struct{}

func (s *ExportSuite) TestExport(c *check.C) {
	cfg, err := testLoader(c, `
ManagementToken: abcdefg
Database:
  Connection: "password=hijklmn"
Dispatch:
  PrivateKey: opqrstu
CloudVMs:
  DriverParameters:
    SecretAccessKey: vwxyz
`, nil).Load()
	c.Assert(err, check.IsNil)

	var exported bytes.Buffer
	err = ExportJSON(&exported, cfg)
	c.Check(err, check.IsNil)
	if err != nil {
		c.Logf("If all the new keys are safe, add these to whitelist in export.go:")
		for _, k := range regexp.MustCompile(`"[^"]*"`).FindAllString(err.Error(), -1) {
			c.Logf("\t%q: true,", strings.Replace(k, `"`, "", -1))
		}
	}
	for _, secret := range []string{"abcdefg", "hijklmn", "opqrstu", "vwxyz"} {
		c.Check(exported.String(), check.Not(check.Matches), `(?ms).*`+secret+`.*`)
	}

	var m map[string]interface{}
	c.Assert(json.Unmarshal(exported.Bytes(), &m), check.IsNil)
	c.Check(m["Storage"], check.DeepEquals, map[string]interface{}{
		"JobsDir": "/var/lib/cumulus/jobs",
		"DataDir": "/var/lib/cumulus/data",
		"PidsDir": "/var/lib/cumulus/pids",
	})
	c.Check(m["Dispatch"], check.DeepEquals, map[string]interface{}{"User": "root"})
}
