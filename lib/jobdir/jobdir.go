// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobdir reads and writes the bookkeeping files kept in each
// job directory.
package jobdir

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/spf13/afero"
)

// Files kept in a job directory.
const (
	SettingsFile   = ".cumulus.settings"
	ScriptFile     = ".cumulus.cmd"
	PIDFile        = ".cumulus.pid"
	StopMarkerFile = ".cumulus.stopped"
	StdoutFile     = ".cumulus.stdout"
	StderrFile     = ".cumulus.stderr"
	LogFile        = ".cumulus.log"
	DescriptorFile = ".cumulus.worker"

	InputsDir = "inputs"
	TempDir   = "temp"
)

// Dir is a job directory.
type Dir struct {
	fs   afero.Fs
	Path string
}

// New returns a Dir for the given path. If fs is nil, the OS
// filesystem is used.
func New(fs afero.Fs, path string) Dir {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return Dir{fs: fs, Path: path}
}

// Fs returns the filesystem the directory lives on.
func (d Dir) Fs() afero.Fs {
	return d.fs
}

func (d Dir) file(name string) string {
	return filepath.Join(d.Path, name)
}

// Create makes the job directory with its temp/ subdirectory and
// writes the settings file.
func (d Dir) Create(settings []byte) error {
	if err := d.fs.MkdirAll(d.file(TempDir), 0755); err != nil {
		return fmt.Errorf("create job directory: %w", err)
	}
	if len(settings) == 0 {
		settings = []byte("{}")
	}
	return afero.WriteFile(d.fs, d.file(SettingsFile), settings, 0644)
}

// Exists returns true if the job directory exists.
func (d Dir) Exists() bool {
	ok, err := afero.DirExists(d.fs, d.Path)
	return ok && err == nil
}

// Remove deletes the job directory and everything in it.
func (d Dir) Remove() error {
	return d.fs.RemoveAll(d.Path)
}

// HasFile returns true if the named file exists in the job
// directory.
func (d Dir) HasFile(name string) bool {
	_, err := d.fs.Stat(d.file(name))
	return err == nil
}

// Stopped returns true if the worker has left a stop marker.
func (d Dir) Stopped() bool {
	return d.HasFile(StopMarkerFile)
}

// MarkStopped creates the stop marker, so the job is considered
// dead even if its run script never started.
func (d Dir) MarkStopped() error {
	return afero.WriteFile(d.fs, d.file(StopMarkerFile), nil, 0644)
}

// ReadPID returns the process group id of the job's remote run
// script. ok is false if it has not been recorded yet.
func (d Dir) ReadPID() (pid int, ok bool, err error) {
	buf, err := afero.ReadFile(d.fs, d.file(PIDFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	} else if err != nil {
		return 0, false, err
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(buf)))
	if err != nil || pid <= 0 {
		return 0, false, fmt.Errorf("%s: invalid pid %q", d.file(PIDFile), buf)
	}
	return pid, true, nil
}

// WritePID records the process group id of the remote run script.
func (d Dir) WritePID(pid int) error {
	return d.writeAtomic(PIDFile, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// WriteScript writes the run script.
func (d Dir) WriteScript(script string) error {
	return d.writeAtomic(ScriptFile, []byte(script), 0755)
}

// ReadDescriptor returns the worker descriptor. ok is false if
// provisioning has not finished yet.
func (d Dir) ReadDescriptor() (desc cumulus.WorkerDescriptor, ok bool, err error) {
	buf, err := afero.ReadFile(d.fs, d.file(DescriptorFile))
	if errors.Is(err, os.ErrNotExist) {
		return desc, false, nil
	} else if err != nil {
		return desc, false, err
	}
	if err := json.Unmarshal(buf, &desc); err != nil {
		return desc, false, fmt.Errorf("%s: %w", d.file(DescriptorFile), err)
	}
	return desc, true, nil
}

// WriteDescriptor writes the worker descriptor. Readers never see a
// partially written file.
func (d Dir) WriteDescriptor(desc cumulus.WorkerDescriptor) error {
	buf, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return d.writeAtomic(DescriptorFile, buf, 0644)
}

// RemoveDescriptor deletes the worker descriptor, so a paused job
// can be provisioned again.
func (d Dir) RemoveDescriptor() error {
	err := d.fs.Remove(d.file(DescriptorFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// ReadStdout returns the run script's standard output.
func (d Dir) ReadStdout() (string, error) {
	buf, err := afero.ReadFile(d.fs, d.file(StdoutFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(buf), err
}

// AppendStderr appends an orchestrator message to the job's stderr
// file, where users look for the reason a job failed.
func (d Dir) AppendStderr(msg string) error {
	return d.appendLine(StderrFile, "Cumulus: "+msg)
}

// Logf appends a timestamped progress note to the job's log file.
func (d Dir) Logf(format string, args ...interface{}) error {
	return d.appendLine(LogFile, time.Now().UTC().Format(time.RFC3339)+" "+fmt.Sprintf(format, args...))
}

// ReadLog returns the job's progress notes.
func (d Dir) ReadLog() (string, error) {
	buf, err := afero.ReadFile(d.fs, d.file(LogFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(buf), err
}

func (d Dir) appendLine(name, line string) error {
	f, err := d.fs.OpenFile(d.file(name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f, strings.TrimRight(line, "\n"))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d Dir) writeAtomic(name string, data []byte, mode os.FileMode) error {
	tmp, err := afero.TempFile(d.fs, d.Path, "."+name+".tmp-")
	if err != nil {
		return err
	}
	defer d.fs.Remove(tmp.Name())
	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := d.fs.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return d.fs.Rename(tmp.Name(), d.file(name))
}

// LinkInput makes a shared data file available as
// inputs/<basename> in the job directory. A symlink is used when the
// filesystem supports it, otherwise the file is copied.
func (d Dir) LinkInput(src string) error {
	if err := d.fs.MkdirAll(d.file(InputsDir), 0755); err != nil {
		return err
	}
	dst := filepath.Join(d.Path, InputsDir, filepath.Base(src))
	if _, err := d.fs.Stat(src); err != nil {
		return fmt.Errorf("input file %s: %w", src, err)
	}
	if _, err := d.fs.Stat(dst); err == nil {
		return nil
	}
	if linker, ok := d.fs.(afero.Linker); ok {
		if err := linker.SymlinkIfPossible(src, dst); err == nil {
			return nil
		}
	}
	buf, err := afero.ReadFile(d.fs, src)
	if err != nil {
		return err
	}
	return afero.WriteFile(d.fs, dst, buf, 0644)
}

// ModTime returns the modification time of the job directory.
func (d Dir) ModTime() (time.Time, error) {
	fi, err := d.fs.Stat(d.Path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
