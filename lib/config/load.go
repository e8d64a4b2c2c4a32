// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/hashicorp/go-multierror"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
)

// Keys whose values are free-form, so their contents are not
// checked against the defaults.
var freeformKeys = map[string]bool{
	"CloudVMs.DriverParameters": true,
}

// A Loader reads the site configuration on top of DefaultYAML.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger

	// Path of the config file, or "-" for stdin.
	Path string
	// If not empty, overrides FlavorsFile in the config file.
	FlavorsPath string
}

// NewLoader returns a new Loader with Path set to the default config
// file location.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	ldr := &Loader{Stdin: stdin, Logger: logger}
	ldr.SetupFlags(flag.NewFlagSet("", flag.ContinueOnError))
	return ldr
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's Path and FlavorsPath fields.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/cumulus/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml"})
//	// ldr.Path == "/tmp/c.yaml"
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", cumulus.DefaultConfigFile, "Site configuration `file` (default may be overridden by setting a CUMULUS_CONFIG environment variable)")
	flagset.StringVar(&ldr.FlavorsPath, "flavors", "", "Flavors `file` (overrides FlavorsFile in the site configuration)")
	if path := os.Getenv("CUMULUS_CONFIG"); path != "" {
		ldr.Path = path
	}
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	return os.ReadFile(path)
}

// Load returns the site configuration with defaults applied. Keys
// that are not in the default configuration are logged and ignored.
func (ldr *Loader) Load() (*cumulus.Config, error) {
	buf, err := ldr.loadBytes(ldr.Path)
	if err != nil {
		return nil, err
	}
	var cfg cumulus.Config
	if err := yaml.Unmarshal(DefaultYAML, &cfg); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	var site map[string]interface{}
	if err := yaml.Unmarshal(buf, &site); err != nil {
		return nil, err
	}
	if len(site) == 0 {
		return nil, errors.New("config file is empty")
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, err
	}
	if ldr.Logger != nil {
		var defaults map[string]interface{}
		if err := yaml.Unmarshal(DefaultYAML, &defaults); err != nil {
			return nil, err
		}
		ldr.logExtraKeys(defaults, site, "")
	}
	if ldr.FlavorsPath != "" {
		cfg.FlavorsFile = ldr.FlavorsPath
	}
	if err := checkConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	keys := make([]string, 0, len(supplied))
	for k := range supplied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// Struct fields are matched case-insensitively.
		var want interface{}
		found := false
		for ek, ev := range expected {
			if strings.EqualFold(ek, k) {
				want, found = ev, true
				break
			}
		}
		if !found {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if freeformKeys[prefix+k] {
			continue
		}
		vsupp, ok := supplied[k].(map[string]interface{})
		if !ok {
			continue
		}
		if vexp, ok := want.(map[string]interface{}); ok {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}

func checkConfig(cfg *cumulus.Config) error {
	var errs error
	for key, val := range map[string]string{
		"Storage.JobsDir": cfg.Storage.JobsDir,
		"Storage.DataDir": cfg.Storage.DataDir,
		"Storage.PidsDir": cfg.Storage.PidsDir,
		"CloudVMs.Driver": cfg.CloudVMs.Driver,
		"Apps.FinalFile":  cfg.Apps.FinalFile,
	} {
		if val == "" {
			errs = multierror.Append(errs, fmt.Errorf("%s must not be empty", key))
		}
	}
	switch cfg.Database.Driver {
	case "sqlite3", "postgres":
	default:
		errs = multierror.Append(errs, fmt.Errorf("unsupported Database.Driver %q (use sqlite3 or postgres)", cfg.Database.Driver))
	}
	if cfg.Scheduler.PollInterval <= 0 {
		errs = multierror.Append(errs, errors.New("Scheduler.PollInterval must be positive"))
	}
	if cfg.CloudVMs.TimeoutBooting <= 0 {
		errs = multierror.Append(errs, errors.New("CloudVMs.TimeoutBooting must be positive"))
	}
	if me, ok := errs.(*multierror.Error); ok {
		// map iteration order is random
		sort.Slice(me.Errors, func(i, j int) bool { return me.Errors[i].Error() < me.Errors[j].Error() })
		me.ErrorFormat = func(es []error) string {
			var msgs []string
			for _, e := range es {
				msgs = append(msgs, e.Error())
			}
			return "invalid config: " + strings.Join(msgs, "; ")
		}
	}
	return errs
}

// LoadFlavors reads the flavors file named in cfg.
func (ldr *Loader) LoadFlavors(cfg *cumulus.Config) (cumulus.FlavorTable, error) {
	f, err := os.Open(cfg.FlavorsFile)
	if err != nil {
		return cumulus.FlavorTable{}, err
	}
	defer f.Close()
	ft, err := ParseFlavors(f)
	if err != nil {
		return ft, fmt.Errorf("%s: %w", cfg.FlavorsFile, err)
	}
	return ft, nil
}
