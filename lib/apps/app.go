// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package apps turns job settings into remote commands. Each
// application is described by an XML file; the Registry loads every
// descriptor in a directory and reloads them when they change.
package apps

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"path"
	"regexp"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/shlex"
)

// App is the per-application plugin. The orchestrator never
// interprets job settings beyond these calls.
type App interface {
	Name() string
	// BuildCommand returns the shell command that runs the job on
	// a worker with the given number of CPUs.
	BuildCommand(settings map[string]interface{}, jobDir, dataDir string, cpu int) (string, error)
	// IsFinished returns true if the job's stdout shows that it
	// completed successfully.
	IsFinished(stdout string) bool
	// RequiredInputFiles lists the files the job needs before it
	// can start.
	RequiredInputFiles(settings map[string]interface{}) ([]InputFile, error)
}

// InputFile is a file a job needs. Shared files live in the shared
// data directory, others in the job directory. Name may be a
// doublestar glob pattern, which is satisfied by at least one
// matching file.
type InputFile struct {
	Name   string
	Shared bool
}

// IsGlob returns true if the name is a pattern rather than a file
// name.
func (f InputFile) IsGlob() bool {
	return strings.ContainsAny(f.Name, "*?[{")
}

// Matches returns true if the given file name (a base name) is the
// input file, or matches its pattern.
func (f InputFile) Matches(name string) bool {
	if f.IsGlob() {
		ok, err := doublestar.Match(f.Name, name)
		return ok && err == nil
	}
	return f.Name == name
}

type descriptor struct {
	XMLName  xml.Name `xml:"app"`
	ID       string   `xml:"id,attr"`
	Version  string   `xml:"version,attr"`
	Command  string   `xml:"command"`
	Finished struct {
		Mode string `xml:"mode,attr"`
		Text string `xml:",chardata"`
	} `xml:"finished"`
	Inputs []struct {
		Key    string `xml:"key,attr"`
		Shared bool   `xml:"shared,attr"`
	} `xml:"inputs>setting"`
}

var unescaper = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\\`, `\`)

// xmlApp is an App loaded from a descriptor file.
type xmlApp struct {
	id       string
	version  string
	command  *template.Template
	suffix   string
	finished *regexp.Regexp
	inputs   []inputSetting
}

type inputSetting struct {
	key    string
	shared bool
}

// ParseDescriptor loads an App from XML.
func ParseDescriptor(buf []byte) (App, error) {
	var desc descriptor
	if err := xml.Unmarshal(buf, &desc); err != nil {
		return nil, fmt.Errorf("parse app descriptor: %w", err)
	}
	if desc.ID == "" {
		return nil, fmt.Errorf("app descriptor has no id attribute")
	}
	app := &xmlApp{id: desc.ID, version: desc.Version}
	tmpl, err := template.New(desc.ID).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(strings.TrimSpace(desc.Command))
	if err != nil {
		return nil, fmt.Errorf("app %s: command template: %w", desc.ID, err)
	}
	app.command = tmpl
	text := unescaper.Replace(desc.Finished.Text)
	switch desc.Finished.Mode {
	case "", "suffix":
		app.suffix = text
	case "regexp":
		if text == "" {
			break
		}
		app.finished, err = regexp.Compile(text)
		if err != nil {
			return nil, fmt.Errorf("app %s: finished regexp: %w", desc.ID, err)
		}
	default:
		return nil, fmt.Errorf("app %s: unknown finished mode %q", desc.ID, desc.Finished.Mode)
	}
	for _, in := range desc.Inputs {
		if in.Key == "" {
			return nil, fmt.Errorf("app %s: input setting has no key", desc.ID)
		}
		app.inputs = append(app.inputs, inputSetting{key: in.Key, shared: in.Shared})
	}
	return app, nil
}

func (app *xmlApp) Name() string {
	return app.id
}

func (app *xmlApp) String() string {
	if app.version == "" {
		return app.id
	}
	return app.id + " " + app.version
}

func (app *xmlApp) BuildCommand(settings map[string]interface{}, jobDir, dataDir string, cpu int) (string, error) {
	var buf bytes.Buffer
	err := app.command.Execute(&buf, map[string]interface{}{
		"Settings": settings,
		"JobDir":   jobDir,
		"DataDir":  dataDir,
		"CPU":      cpu,
	})
	if err != nil {
		return "", fmt.Errorf("app %s: %w", app.id, err)
	}
	cmd := strings.TrimSpace(buf.String())
	if cmd == "" {
		return "", fmt.Errorf("app %s: empty command", app.id)
	}
	if _, err := shlex.Split(cmd); err != nil {
		return "", fmt.Errorf("app %s: generated command %q: %w", app.id, cmd, err)
	}
	return cmd, nil
}

// IsFinished never reports success for an app without a <finished>
// predicate.
func (app *xmlApp) IsFinished(stdout string) bool {
	if app.finished != nil {
		return app.finished.MatchString(stdout)
	}
	return app.suffix != "" && strings.HasSuffix(stdout, app.suffix)
}

func (app *xmlApp) RequiredInputFiles(settings map[string]interface{}) ([]InputFile, error) {
	var files []InputFile
	for _, in := range app.inputs {
		v, ok := settings[in.key]
		if !ok {
			return nil, fmt.Errorf("app %s: missing setting %q", app.id, in.key)
		}
		var names []string
		switch v := v.(type) {
		case string:
			names = []string{v}
		case []interface{}:
			for _, e := range v {
				s, ok := e.(string)
				if !ok {
					return nil, fmt.Errorf("app %s: setting %q: expected file names, got %T", app.id, in.key, e)
				}
				names = append(names, s)
			}
		default:
			return nil, fmt.Errorf("app %s: setting %q: expected file name(s), got %T", app.id, in.key, v)
		}
		for _, name := range names {
			if name == "" {
				continue
			}
			// Clients send paths from their own machine;
			// only the base name is meaningful here.
			files = append(files, InputFile{Name: path.Base(strings.ReplaceAll(name, `\`, "/")), Shared: in.shared})
		}
	}
	return files, nil
}
