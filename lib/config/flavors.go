// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/google/shlex"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
)

// ParseFlavors reads a flavors file. Each non-empty line is either
// "max_weight N" or a flavor:
//
//	# name   weight cpu ram(GB) [provider instance type]
//	small    1      2   4       t3.medium
//	large    4      16  64      m5.4xlarge
//	max_weight 8
//
// Flavors are kept in file order. Text after "#" is ignored.
func ParseFlavors(r io.Reader) (cumulus.FlavorTable, error) {
	var ft cumulus.FlavorTable
	seen := map[string]bool{}
	haveMax := false
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		fields, err := shlex.Split(scanner.Text())
		if err != nil {
			return ft, fmt.Errorf("line %d: %w", lineno, err)
		}
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "max_weight" {
			if len(fields) != 2 {
				return ft, fmt.Errorf("line %d: usage: max_weight N", lineno)
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil || n <= 0 {
				return ft, fmt.Errorf("line %d: invalid max_weight %q", lineno, fields[1])
			}
			ft.MaxWeight = n
			haveMax = true
			continue
		}
		if len(fields) != 4 && len(fields) != 5 {
			return ft, fmt.Errorf("line %d: expected \"name weight cpu ram [type]\", found %d fields", lineno, len(fields))
		}
		f := cumulus.Flavor{Name: fields[0]}
		for i, dst := range []*int{&f.Weight, &f.CPU, &f.RAM} {
			n, err := strconv.Atoi(fields[i+1])
			if err != nil || n <= 0 {
				return ft, fmt.Errorf("line %d: invalid number %q", lineno, fields[i+1])
			}
			*dst = n
		}
		if len(fields) == 5 {
			f.ProviderType = fields[4]
		}
		if seen[f.Name] {
			return ft, fmt.Errorf("line %d: duplicate flavor %q", lineno, f.Name)
		}
		seen[f.Name] = true
		ft.Flavors = append(ft.Flavors, f)
	}
	if err := scanner.Err(); err != nil {
		return ft, err
	}
	if len(ft.Flavors) == 0 {
		return ft, errors.New("no flavors defined")
	}
	if !haveMax {
		return ft, errors.New("max_weight not set")
	}
	return ft, nil
}
