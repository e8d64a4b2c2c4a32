// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"strings"

	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&FlavorsSuite{})

type FlavorsSuite struct{}

func (s *FlavorsSuite) TestParse(c *check.C) {
	ft, err := ParseFlavors(strings.NewReader(`
# name   weight cpu ram   type
small    1      2   4     t3.medium
medium   2      4   16    # no type, use the name

"big one" 4     16  64    m5.4xlarge
max_weight 8
`))
	c.Assert(err, check.IsNil)
	c.Check(ft, check.DeepEquals, cumulus.FlavorTable{
		MaxWeight: 8,
		Flavors: []cumulus.Flavor{
			{Name: "small", Weight: 1, CPU: 2, RAM: 4, ProviderType: "t3.medium"},
			{Name: "medium", Weight: 2, CPU: 4, RAM: 16},
			{Name: "big one", Weight: 4, CPU: 16, RAM: 64, ProviderType: "m5.4xlarge"},
		},
	})
	c.Check(ft.Flavors[1].InstanceType(), check.Equals, "medium")
}

func (s *FlavorsSuite) TestErrors(c *check.C) {
	for _, trial := range []struct {
		in  string
		err string
	}{
		{"", `no flavors defined`},
		{"max_weight 4\n", `no flavors defined`},
		{"small 1 2 4\n", `max_weight not set`},
		{"small 1 2 4\nmax_weight\n", `line 2: usage: max_weight N`},
		{"small 1 2 4\nmax_weight 0\n", `line 2: invalid max_weight "0"`},
		{"small 1 2\n", `line 1: expected .*, found 3 fields`},
		{"small 1 2 4 t3.small extra\n", `line 1: expected .*, found 6 fields`},
		{"small one 2 4\n", `line 1: invalid number "one"`},
		{"small 1 2 -4\n", `line 1: invalid number "-4"`},
		{"small 1 2 4\n\nsmall 2 2 4\n", `line 3: duplicate flavor "small"`},
		{"small 1 2 4 \"t3\n", `line 1: .*`},
	} {
		_, err := ParseFlavors(strings.NewReader(trial.in))
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%q", trial.in))
	}
}
