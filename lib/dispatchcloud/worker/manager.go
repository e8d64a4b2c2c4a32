// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker provisions and tears down the dedicated worker VM of
// each job, and starts, probes, and stops the job's run script on it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/lsmbo/cumulus/lib/apps"
	"github.com/lsmbo/cumulus/lib/cloud"
	"github.com/lsmbo/cumulus/lib/jobdir"
	"github.com/lsmbo/cumulus/lib/jobstore"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

const (
	defaultInputWaitInterval = 10 * time.Second
	killTimeout              = 30 * time.Second
)

// JobStore is the subset of the job store used by the Manager.
type JobStore interface {
	AssociatedJobs(ctx context.Context, id int64) ([]cumulus.Job, error)
	SetStatus(ctx context.Context, id int64, status cumulus.JobStatus) error
	SetEndDate(ctx context.Context, id int64, t time.Time) error
	SetHost(ctx context.Context, id int64, host string) error
}

// AppSet looks up app descriptors.
type AppSet interface {
	Lookup(name string) (apps.App, bool)
	MissingInputs(fs afero.Fs, job cumulus.Job, jobDir, dataDir string) ([]apps.InputFile, error)
}

// An Assignment is everything Provision needs to know about a job.
// It is a snapshot taken when the job was admitted; Provision does
// not re-read the job from the store.
type Assignment struct {
	JobID    int64
	JobDir   string
	AppName  string
	Settings json.RawMessage
	Flavor   cumulus.Flavor

	// Resume is true when re-driving a job that was paused
	// while its worker was being provisioned.
	Resume bool
}

// WorkerName returns the name of the worker VM for the given job.
func WorkerName(jobID int64) string {
	return fmt.Sprintf("cumulus-job-%d", jobID)
}

// VolumeName returns the name of the boot volume for the given job.
func VolumeName(jobID int64) string {
	return fmt.Sprintf("cumulus-vol-%d", jobID)
}

type provisioning struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Manager creates and destroys workers. Each Provision and Teardown
// call is independent; they communicate with the scheduler only
// through the job store and the job directory.
type Manager struct {
	logger        logrus.FieldLogger
	config        *cumulus.Config
	store         JobStore
	apps          AppSet
	instanceSet   *throttledInstanceSet
	instanceSetID cloud.InstanceSetID
	newExecutor   func(cloud.Instance) Executor
	publicKey     ssh.PublicKey
	fs            afero.Fs

	mtx        sync.Mutex
	inProgress map[int64]*provisioning
}

// NewManager returns a Manager that creates workers in the given
// instance set.
func NewManager(logger logrus.FieldLogger, config *cumulus.Config, store JobStore, appSet AppSet, instanceSet cloud.InstanceSet, instanceSetID cloud.InstanceSetID, newExecutor func(cloud.Instance) Executor, publicKey ssh.PublicKey) *Manager {
	return &Manager{
		logger: logger,
		config: config,
		store:  store,
		apps:   appSet,
		instanceSet: &throttledInstanceSet{
			InstanceSet: instanceSet,
			logger:      logger,
		},
		instanceSetID: instanceSetID,
		newExecutor:   newExecutor,
		publicKey:     publicKey,
		fs:            afero.NewOsFs(),
		inProgress:    map[int64]*provisioning{},
	}
}

// InProgress returns the number of Provision calls that have not
// returned yet.
func (m *Manager) InProgress() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.inProgress)
}

func (m *Manager) tags(jobID int64) cloud.InstanceTags {
	return cloud.InstanceTags{
		cloud.TagKeyInstanceSetID: string(m.instanceSetID),
		cloud.TagKeyJobID:         strconv.FormatInt(jobID, 10),
	}
}

type provisioned struct {
	vol  cloud.Volume
	inst cloud.Instance
}

// Provision creates (or, after a restart, finds) the job's volume
// and worker, waits for the worker to boot and for the job's input
// files to arrive, and starts the run script.
//
// The outcome is recorded in the job directory: the run script's pid
// and a worker descriptor (written once the script has started, or
// with an error message if provisioning fails). On
// failure, resources created for the job are destroyed and the error
// is also appended to the job's stderr file.
//
// If ctx is cancelled, Provision returns without recording an error
// and leaves the job's resources in place so a later Provision call
// with Resume set can pick them up.
func (m *Manager) Provision(ctx context.Context, a Assignment) (err error) {
	logger := m.logger.WithFields(logrus.Fields{
		"JobID":  a.JobID,
		"Flavor": a.Flavor.Name,
		"Worker": WorkerName(a.JobID),
	})
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !m.register(a.JobID, cancel) {
		return fmt.Errorf("job %d: provisioning is already in progress", a.JobID)
	}
	defer m.unregister(a.JobID)

	dir := jobdir.New(m.fs, a.JobDir)
	var res provisioned
	defer func() {
		if err == nil {
			return
		}
		switch {
		case m.cancelled(a.JobID):
			logger.WithError(err).Info("provisioning stopped, job was cancelled")
			dir.Logf("provisioning stopped: job was cancelled")
			m.destroy(logger, res)
		case parent.Err() != nil:
			logger.WithError(err).Info("provisioning interrupted")
			dir.Logf("provisioning interrupted: %s", err)
		default:
			m.fail(logger, dir, res, err)
		}
	}()

	if a.Resume {
		if err = dir.RemoveDescriptor(); err != nil {
			return err
		}
	}
	app, ok := m.apps.Lookup(a.AppName)
	if !ok {
		return fmt.Errorf("unknown app %q", a.AppName)
	}
	job := cumulus.Job{ID: a.JobID, AppName: a.AppName, Settings: a.Settings}
	settings, err := job.SettingsMap()
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	logger.Info("provisioning worker")
	dir.Logf("provisioning worker %s (flavor %s)", WorkerName(a.JobID), a.Flavor.Name)
	tags := m.tags(a.JobID)
	res.vol, err = m.findOrCreateVolume(ctx, a.JobID, tags, logger)
	if err != nil {
		return fmt.Errorf("create volume: %w", err)
	}
	var secret string
	res.inst, secret, err = m.findOrCreateInstance(ctx, a, res.vol, tags, logger)
	if err != nil {
		return fmt.Errorf("create worker: %w", err)
	}
	exr := m.newExecutor(res.inst)
	defer exr.Close()
	exr.SetTarget(TagVerifier{Instance: res.inst, Secret: secret})
	if err = m.waitBoot(ctx, res.inst, exr, dir, logger); err != nil {
		return err
	}

	if err = m.store.SetHost(ctx, a.JobID, WorkerName(a.JobID)); err != nil {
		return err
	}
	rr := &remoteRunner{jobID: a.JobID, jobDir: a.JobDir, executor: exr, logger: logger}
	pid, started, err := m.startedEarlier(ctx, a, dir, rr)
	if err != nil {
		return err
	}
	if !started {
		if err = m.waitInputs(ctx, job, dir, logger); err != nil {
			return err
		}
		if err = m.linkInputs(dir, app, settings); err != nil {
			return err
		}
		var cmd string
		cmd, err = app.BuildCommand(settings, a.JobDir, m.config.Storage.DataDir, a.Flavor.CPU)
		if err != nil {
			return err
		}
		if err = dir.WriteScript(runScript(a.JobDir, cmd)); err != nil {
			return err
		}
		pid, err = rr.Start(ctx)
		if err != nil {
			return err
		}
		if err = dir.WritePID(pid); err != nil {
			return err
		}
	}

	// The descriptor is what moves the job to RUNNING, so it is
	// written last: until then the job stays PREPARING and can be
	// paused and resumed.
	desc := cumulus.WorkerDescriptor{
		Name:       WorkerName(a.JobID),
		Address:    res.inst.Address(),
		InstanceID: string(res.inst.ID()),
		CPU:        a.Flavor.CPU,
		RAM:        a.Flavor.RAM,
		Volume:     string(res.vol.ID()),
	}
	if err = dir.WriteDescriptor(desc); err != nil {
		return err
	}
	dir.Logf("job started on worker %s with pid %d", desc.Name, pid)
	return nil
}

// startedEarlier reports whether a resumed job's run script was
// already started before provisioning was interrupted, and is either
// still running or has finished. In that case it must not be started
// again.
func (m *Manager) startedEarlier(ctx context.Context, a Assignment, dir jobdir.Dir, rr *remoteRunner) (int, bool, error) {
	if !a.Resume {
		return 0, false, nil
	}
	pid, ok, err := dir.ReadPID()
	if err != nil || !ok {
		return 0, false, err
	}
	if dir.Stopped() {
		return pid, true, nil
	}
	alive, err := rr.Probe(ctx, pid)
	if err != nil {
		return 0, false, err
	}
	return pid, alive, nil
}

func (m *Manager) register(jobID int64, cancel context.CancelFunc) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, busy := m.inProgress[jobID]; busy {
		return false
	}
	m.inProgress[jobID] = &provisioning{cancel: cancel}
	return true
}

func (m *Manager) unregister(jobID int64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	delete(m.inProgress, jobID)
}

func (m *Manager) cancelled(jobID int64) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	p, ok := m.inProgress[jobID]
	return ok && p.cancelled
}

// stopProvisioning interrupts an in-progress Provision call for the
// given job, if any.
func (m *Manager) stopProvisioning(jobID int64) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if p, ok := m.inProgress[jobID]; ok {
		p.cancelled = true
		p.cancel()
	}
}

// fail records a provisioning error in the job directory and
// destroys whatever was created.
func (m *Manager) fail(logger logrus.FieldLogger, dir jobdir.Dir, res provisioned, err error) {
	logger.WithError(err).Error("provisioning failed")
	m.destroy(logger, res)
	if werr := dir.WriteDescriptor(cumulus.WorkerDescriptor{Error: err.Error()}); werr != nil {
		logger.WithError(werr).Error("error writing worker descriptor")
	}
	if werr := dir.AppendStderr(err.Error()); werr != nil {
		logger.WithError(werr).Error("error writing stderr file")
	}
	dir.Logf("provisioning failed: %s", err)
}

func (m *Manager) destroy(logger logrus.FieldLogger, res provisioned) {
	if res.inst != nil {
		if err := res.inst.Destroy(); err != nil && !errors.Is(err, cloud.ErrNotFound) {
			logger.WithError(err).WithField("Instance", res.inst.ID()).Error("error destroying worker")
		}
	}
	if res.vol != nil {
		if err := res.vol.Destroy(); err != nil && !errors.Is(err, cloud.ErrNotFound) {
			logger.WithError(err).WithField("Volume", res.vol.ID()).Error("error destroying volume")
		}
	}
}

func (m *Manager) findOrCreateVolume(ctx context.Context, jobID int64, tags cloud.InstanceTags, logger logrus.FieldLogger) (cloud.Volume, error) {
	vols, err := m.instanceSet.volumes(ctx, tags)
	if err != nil {
		return nil, err
	}
	for _, vol := range vols {
		if vol.Name() == VolumeName(jobID) {
			logger.WithField("Volume", vol.ID()).Info("reusing existing volume")
			return vol, nil
		}
	}
	cfg := m.config.CloudVMs
	vol, err := m.instanceSet.createVolume(ctx, VolumeName(jobID), cloud.SnapshotID(cfg.TemplateSnapshotID), cfg.VolumeSizeGB, tags)
	if err != nil {
		return vol, err
	}
	logger.WithField("Volume", vol.ID()).Info("created volume")
	return vol, nil
}

func (m *Manager) findOrCreateInstance(ctx context.Context, a Assignment, vol cloud.Volume, tags cloud.InstanceTags, logger logrus.FieldLogger) (cloud.Instance, string, error) {
	insts, err := m.instanceSet.instances(ctx, tags)
	if err != nil {
		return nil, "", err
	}
	for _, inst := range insts {
		if inst.Name() == WorkerName(a.JobID) {
			logger.WithField("Instance", inst.ID()).Info("reusing existing worker")
			return inst, inst.Tags()[cloud.TagKeyInstanceSecret], nil
		}
	}
	secret := randomHex(instanceSecretLength)
	itags := cloud.InstanceTags{cloud.TagKeyInstanceSecret: secret}
	for k, v := range tags {
		itags[k] = v
	}
	initCmd := TagVerifier{Secret: secret}.InitCommand()
	inst, err := m.instanceSet.create(ctx, WorkerName(a.JobID), a.Flavor, cloud.ImageID(m.config.CloudVMs.ImageID), vol, itags, initCmd, m.publicKey)
	if err != nil {
		return inst, "", err
	}
	logger.WithField("Instance", inst.ID()).Info("created worker")
	return inst, secret, nil
}

// waitInputs returns when all of the job's input files are present,
// or ctx is done. Shared input files might still be in the process
// of being converted when the job is admitted.
func (m *Manager) waitInputs(ctx context.Context, job cumulus.Job, dir jobdir.Dir, logger logrus.FieldLogger) error {
	interval := m.config.CloudVMs.InputWaitInterval.Duration()
	if interval <= 0 {
		interval = defaultInputWaitInterval
	}
	logged := false
	for {
		missing, err := m.apps.MissingInputs(m.fs, job, dir.Path, m.config.Storage.DataDir)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
		if !logged {
			var names []string
			for _, f := range missing {
				names = append(names, f.Name)
			}
			logger.WithField("Missing", names).Info("waiting for input files")
			dir.Logf("waiting for input files: %s", strings.Join(names, ", "))
			logged = true
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// linkInputs makes the job's shared input files available in the
// job's inputs directory.
func (m *Manager) linkInputs(dir jobdir.Dir, app apps.App, settings map[string]interface{}) error {
	files, err := app.RequiredInputFiles(settings)
	if err != nil {
		return err
	}
	dataDir := m.config.Storage.DataDir
	for _, f := range files {
		if !f.Shared {
			continue
		}
		names := []string{f.Name}
		if f.IsGlob() {
			names, err = doublestar.Glob(afero.NewIOFS(afero.NewBasePathFs(m.fs, dataDir)), f.Name)
			if err != nil {
				return err
			}
		}
		for _, name := range names {
			if err := dir.LinkInput(filepath.Join(dataDir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// executor returns an executor for an existing worker.
func (m *Manager) executor(inst cloud.Instance) Executor {
	exr := m.newExecutor(inst)
	exr.SetTarget(TagVerifier{Instance: inst, Secret: inst.Tags()[cloud.TagKeyInstanceSecret]})
	return exr
}

func (m *Manager) workers(ctx context.Context, jobID int64) ([]cloud.Instance, error) {
	return m.instanceSet.instances(ctx, m.tags(jobID))
}

// Probe asks the job's worker whether the given process is still
// running. It returns an error if the worker cannot be found or
// asked.
func (m *Manager) Probe(ctx context.Context, job cumulus.Job, pid int) (bool, error) {
	insts, err := m.workers(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if len(insts) == 0 {
		return false, fmt.Errorf("job %d has no worker", job.ID)
	}
	exr := m.executor(insts[0])
	defer exr.Close()
	rr := &remoteRunner{jobID: job.ID, executor: exr, logger: m.logger.WithField("JobID", job.ID)}
	return rr.Probe(ctx, pid)
}

// Teardown destroys the workers and volumes of the given job and
// the other jobs in its workflow. Chain members that are still
// active (other than the given job itself) are left alone.
// Resources that are already gone are not an error, so calling
// Teardown more than once is harmless.
func (m *Manager) Teardown(ctx context.Context, jobID int64) error {
	logger := m.logger.WithField("JobID", jobID)
	jobs, err := m.store.AssociatedJobs(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		jobs = []cumulus.Job{{ID: jobID}}
	} else if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, job := range jobs {
		if job.ID != jobID && job.Status.IsActive() {
			logger.WithField("ChainJobID", job.ID).Debug("not tearing down active workflow member")
			continue
		}
		if err := m.teardownJob(ctx, job, logger.WithField("ChainJobID", job.ID)); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("job %d: %w", job.ID, err))
		}
	}
	return errs.ErrorOrNil()
}

func (m *Manager) teardownJob(ctx context.Context, job cumulus.Job, logger logrus.FieldLogger) error {
	tags := m.tags(job.ID)
	insts, err := m.instanceSet.instances(ctx, tags)
	if err != nil {
		return err
	}
	var errs *multierror.Error
	for _, inst := range insts {
		m.killRunScript(ctx, job, inst, logger)
		logger.WithField("Instance", inst.ID()).Info("destroying worker")
		if err := inst.Destroy(); err != nil && !errors.Is(err, cloud.ErrNotFound) {
			errs = multierror.Append(errs, err)
		}
	}
	vols, err := m.instanceSet.volumes(ctx, tags)
	if err != nil {
		return multierror.Append(errs, err)
	}
	for _, vol := range vols {
		logger.WithField("Volume", vol.ID()).Info("destroying volume")
		if err := vol.Destroy(); err != nil && !errors.Is(err, cloud.ErrNotFound) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// killRunScript terminates the job's run script if it was started
// and has not finished.
func (m *Manager) killRunScript(ctx context.Context, job cumulus.Job, inst cloud.Instance, logger logrus.FieldLogger) {
	if job.JobDir == "" {
		return
	}
	dir := jobdir.New(m.fs, m.config.JobPath(job.JobDir))
	pid, ok, err := dir.ReadPID()
	if err != nil || !ok || dir.Stopped() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, killTimeout)
	defer cancel()
	exr := m.executor(inst)
	defer exr.Close()
	rr := &remoteRunner{jobID: job.ID, executor: exr, logger: logger}
	rr.Kill(ctx, pid)
}

// Cancel marks the given job and the active members of its workflow
// CANCELLED, interrupts their provisioning if it is in progress, and
// starts tearing down their workers in the background.
func (m *Manager) Cancel(ctx context.Context, jobID int64) error {
	jobs, err := m.store.AssociatedJobs(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, job := range jobs {
		if !job.Status.IsActive() {
			continue
		}
		err := m.store.SetStatus(ctx, job.ID, cumulus.StatusCancelled)
		if errors.Is(err, jobstore.ErrInvalidTransition) {
			// finished in the meantime
			continue
		} else if err != nil {
			return err
		}
		if err := m.store.SetEndDate(ctx, job.ID, now); err != nil {
			return err
		}
		m.stopProvisioning(job.ID)
		m.logger.WithField("JobID", job.ID).Info("job cancelled")
		if job.JobDir != "" {
			jobdir.New(m.fs, m.config.JobPath(job.JobDir)).Logf("job cancelled")
		}
	}
	go func() {
		if err := m.Teardown(context.Background(), jobID); err != nil {
			m.logger.WithError(err).WithField("JobID", jobID).Warn("teardown after cancel failed")
		}
	}()
	return nil
}
