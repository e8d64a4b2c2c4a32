// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultFinalFile is the marker a client uploads last, once all of
// a job's private input files are in place.
const DefaultFinalFile = ".cumulus.rsync"

// Registry holds the known apps, keyed by name.
type Registry struct {
	Logger    logrus.FieldLogger
	Dir       string
	FinalFile string

	mtx    sync.RWMutex
	loaded map[string]App
	static map[string]App
}

// NewRegistry returns a registry that loads *.xml descriptors from
// dir. It returns an error if dir cannot be read; individual
// descriptors that fail to parse are logged and skipped.
func NewRegistry(logger logrus.FieldLogger, cfg cumulus.AppsConfig) (*Registry, error) {
	r := &Registry{
		Logger:    logger,
		Dir:       cfg.Dir,
		FinalFile: cfg.FinalFile,
		static:    map[string]App{},
	}
	if r.FinalFile == "" {
		r.FinalFile = DefaultFinalFile
	}
	if r.Dir != "" {
		if err := r.Reload(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an app that is not backed by a descriptor file.
func (r *Registry) Register(app App) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.static == nil {
		r.static = map[string]App{}
	}
	r.static[app.Name()] = app
}

// Reload re-reads every descriptor in the apps directory.
func (r *Registry) Reload() error {
	paths, err := filepath.Glob(filepath.Join(r.Dir, "*.xml"))
	if err != nil {
		return err
	}
	if _, err := os.Stat(r.Dir); err != nil {
		return fmt.Errorf("apps directory: %w", err)
	}
	loaded := map[string]App{}
	for _, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			r.Logger.WithError(err).WithField("File", path).Warn("cannot read app descriptor")
			continue
		}
		app, err := ParseDescriptor(buf)
		if err != nil {
			r.Logger.WithError(err).WithField("File", path).Warn("skipping invalid app descriptor")
			continue
		}
		if _, dup := loaded[app.Name()]; dup {
			r.Logger.WithField("File", path).WithField("App", app.Name()).Warn("duplicate app id, later file wins")
		}
		loaded[app.Name()] = app
	}
	r.mtx.Lock()
	r.loaded = loaded
	r.mtx.Unlock()
	r.Logger.WithField("Apps", r.Names()).Info("loaded app descriptors")
	return nil
}

// Watch reloads the descriptors whenever a file in the apps
// directory changes. It returns when ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(r.Dir); err != nil {
		return fmt.Errorf("watch apps directory: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".xml" || ev.Op == fsnotify.Chmod {
				continue
			}
			r.Logger.WithField("File", ev.Name).WithField("Op", ev.Op.String()).Debug("app descriptor changed")
			if err := r.Reload(); err != nil {
				r.Logger.WithError(err).Warn("reload app descriptors failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.Logger.WithError(err).Warn("app descriptor watcher error")
		}
	}
}

// Lookup returns the app with the given name.
func (r *Registry) Lookup(name string) (App, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	if app, ok := r.loaded[name]; ok {
		return app, true
	}
	app, ok := r.static[name]
	return app, ok
}

// Names returns the names of all known apps, sorted.
func (r *Registry) Names() []string {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	seen := map[string]bool{}
	var names []string
	for _, m := range []map[string]App{r.loaded, r.static} {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func settingsMap(settings json.RawMessage) (map[string]interface{}, error) {
	return cumulus.Job{Settings: settings}.SettingsMap()
}

// MissingInputs returns the job's required input files that are not
// present yet.
func (r *Registry) MissingInputs(fs afero.Fs, job cumulus.Job, jobDir, dataDir string) ([]InputFile, error) {
	app, ok := r.Lookup(job.AppName)
	if !ok {
		return nil, fmt.Errorf("unknown app %q", job.AppName)
	}
	settings, err := settingsMap(job.Settings)
	if err != nil {
		return nil, err
	}
	files, err := app.RequiredInputFiles(settings)
	if err != nil {
		return nil, err
	}
	var missing []InputFile
	for _, f := range files {
		dir := jobDir
		if f.Shared {
			dir = dataDir
		}
		if f.IsGlob() {
			matches, err := doublestar.Glob(afero.NewIOFS(afero.NewBasePathFs(fs, dir)), f.Name)
			if err != nil {
				return nil, fmt.Errorf("input pattern %q: %w", f.Name, err)
			}
			if len(matches) == 0 {
				missing = append(missing, f)
			}
		} else if _, err := fs.Stat(filepath.Join(dir, f.Name)); err != nil {
			missing = append(missing, f)
		}
	}
	return missing, nil
}

// Ready returns true if the client has finished uploading the job's
// private files (the final-file marker is present) and every
// required input file exists. Jobs for unknown apps are never
// ready.
func (r *Registry) Ready(fs afero.Fs, job cumulus.Job, jobDir, dataDir string) (bool, error) {
	if _, err := fs.Stat(filepath.Join(jobDir, r.FinalFile)); err != nil {
		return false, nil
	}
	if _, ok := r.Lookup(job.AppName); !ok {
		return false, nil
	}
	missing, err := r.MissingInputs(fs, job, jobDir, dataDir)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// IsFinished applies the app's completion predicate to the job's
// stdout. Jobs for unknown apps are considered finished.
func (r *Registry) IsFinished(appName, stdout string) bool {
	app, ok := r.Lookup(appName)
	if !ok {
		return true
	}
	return app.IsFinished(stdout)
}

// IsFileRequired returns true if the named file (a base name) is one
// of the job's input files.
func (r *Registry) IsFileRequired(job cumulus.Job, file string) bool {
	app, ok := r.Lookup(job.AppName)
	if !ok {
		return false
	}
	// Keep the file if the job's inputs cannot be determined.
	settings, err := settingsMap(job.Settings)
	if err != nil {
		return true
	}
	files, err := app.RequiredInputFiles(settings)
	if err != nil {
		return true
	}
	name := filepath.Base(file)
	for _, f := range files {
		if f.Matches(name) {
			return true
		}
	}
	return false
}
