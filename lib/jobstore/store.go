// Copyright (C) The Cumulus Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobstore is the persistent table of jobs. Every mutation
// is a single SQL statement, so concurrent writers that only move
// jobs forward through the state machine do not need transactions.
package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lsmbo/cumulus/sdk/go/ctxlog"
	"github.com/lsmbo/cumulus/sdk/go/cumulus"

	// sqlx needs a driver for each supported database
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNoPredecessor     = errors.New("start_after_id does not refer to an existing job")
)

const columns = `id, owner, app_name, strategy, description, settings, status, host, flavor,
	creation_date, start_date, end_date, job_dir, start_after_id, workflow_name, last_modified`

// Store is a handle on the jobs table.
type Store struct {
	db *sqlx.DB
}

// Open connects to the configured database and creates the jobs
// table if needed.
func Open(ctx context.Context, cfg cumulus.DatabaseConfig) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite3"
	}
	db, err := sqlx.Open(driver, cfg.Connection)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite allows one writer at a time; serializing
		// through a single connection avoids "database is
		// locked" errors.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to %s database: %w", driver, err)
	}
	st := &Store{db: db}
	if err := st.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return st, nil
}

// Close releases the database handle.
func (st *Store) Close() error {
	return st.db.Close()
}

// Ping checks that the database is still reachable.
func (st *Store) Ping(ctx context.Context) error {
	return st.db.PingContext(ctx)
}

func (st *Store) migrate(ctx context.Context) error {
	idType := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if st.db.DriverName() == "postgres" {
		idType = "BIGSERIAL PRIMARY KEY"
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id ` + idType + `,
			owner TEXT NOT NULL DEFAULT '',
			app_name TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			settings TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			host TEXT NOT NULL DEFAULT '',
			flavor TEXT NOT NULL DEFAULT '',
			creation_date BIGINT NOT NULL DEFAULT 0,
			start_date BIGINT NOT NULL DEFAULT 0,
			end_date BIGINT NOT NULL DEFAULT 0,
			job_dir TEXT NOT NULL DEFAULT '',
			start_after_id BIGINT NOT NULL DEFAULT 0,
			workflow_name TEXT NOT NULL DEFAULT '',
			last_modified BIGINT NOT NULL DEFAULT 0)`,
		`CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status)`,
		`CREATE INDEX IF NOT EXISTS jobs_start_after_id ON jobs (start_after_id)`,
	} {
		if _, err := st.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create jobs table: %w", err)
		}
	}
	return nil
}

type jobRow struct {
	ID           int64  `db:"id"`
	Owner        string `db:"owner"`
	AppName      string `db:"app_name"`
	Strategy     string `db:"strategy"`
	Description  string `db:"description"`
	Settings     string `db:"settings"`
	Status       string `db:"status"`
	Host         string `db:"host"`
	Flavor       string `db:"flavor"`
	CreationDate int64  `db:"creation_date"`
	StartDate    int64  `db:"start_date"`
	EndDate      int64  `db:"end_date"`
	JobDir       string `db:"job_dir"`
	StartAfterID int64  `db:"start_after_id"`
	WorkflowName string `db:"workflow_name"`
	LastModified int64  `db:"last_modified"`
}

func (r jobRow) job() cumulus.Job {
	j := cumulus.Job{
		ID:           r.ID,
		Owner:        r.Owner,
		AppName:      r.AppName,
		Strategy:     r.Strategy,
		Description:  r.Description,
		Status:       cumulus.JobStatus(r.Status),
		Host:         r.Host,
		Flavor:       r.Flavor,
		CreationDate: fromUnix(r.CreationDate),
		StartDate:    fromUnix(r.StartDate),
		EndDate:      fromUnix(r.EndDate),
		JobDir:       r.JobDir,
		StartAfterID: r.StartAfterID,
		WorkflowName: r.WorkflowName,
		LastModified: fromUnix(r.LastModified),
	}
	if r.Settings != "" {
		j.Settings = []byte(r.Settings)
	}
	return j
}

func fromUnix(t int64) time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.Unix(t, 0)
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Create inserts a new PENDING job and assigns its id and job
// directory name.
func (st *Store) Create(ctx context.Context, nj cumulus.NewJob, created time.Time) (job cumulus.Job, err error) {
	tx, err := st.db.BeginTxx(ctx, nil)
	if err != nil {
		return job, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if nj.StartAfterID != 0 {
		var n int
		err = tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM jobs WHERE id = ?`), nj.StartAfterID)
		if err != nil {
			return job, err
		}
		if n == 0 {
			return job, fmt.Errorf("%w: %d", ErrNoPredecessor, nj.StartAfterID)
		}
	}
	created = created.Truncate(time.Second)
	var id int64
	err = tx.GetContext(ctx, &id, tx.Rebind(`INSERT INTO jobs
		(owner, app_name, strategy, description, settings, status, creation_date, start_after_id, workflow_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		nj.Owner, nj.AppName, nj.Strategy, nj.Description, string(nj.Settings),
		string(cumulus.StatusPending), toUnix(created), nj.StartAfterID, nj.WorkflowName)
	if err != nil {
		return job, fmt.Errorf("insert job: %w", err)
	}
	dir := cumulus.JobDirName(id, nj.Owner, nj.AppName, created)
	_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE jobs SET job_dir = ? WHERE id = ?`), dir, id)
	if err != nil {
		return job, err
	}
	if err = tx.Commit(); err != nil {
		return job, err
	}
	ctxlog.FromContext(ctx).WithField("JobID", id).Debug("created job")
	return st.Get(ctx, id)
}

// Get returns the job with the given id.
func (st *Store) Get(ctx context.Context, id int64) (cumulus.Job, error) {
	var row jobRow
	err := st.db.GetContext(ctx, &row, st.db.Rebind(`SELECT `+columns+` FROM jobs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return cumulus.Job{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	} else if err != nil {
		return cumulus.Job{}, err
	}
	return row.job(), nil
}

// Exists returns true if a job (possibly archived) has the given id.
func (st *Store) Exists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := st.db.GetContext(ctx, &n, st.db.Rebind(`SELECT COUNT(*) FROM jobs WHERE id = ?`), id)
	return n > 0, err
}

// SetStatus moves a job to a new status. It returns
// ErrInvalidTransition if the job's current status does not permit
// the change. Setting a job's current status again is a no-op.
func (st *Store) SetStatus(ctx context.Context, id int64, status cumulus.JobStatus) error {
	preds := status.Predecessors()
	if status.IsArchived() {
		preds = []cumulus.JobStatus{status.Unarchived(), status}
	}
	if len(preds) == 0 {
		return fmt.Errorf("%w: nothing can become %s", ErrInvalidTransition, status)
	}
	query, args, err := sqlx.In(`UPDATE jobs SET status = ? WHERE id = ? AND status IN (?)`, string(status), id, statusStrings(preds))
	if err != nil {
		return err
	}
	res, err := st.db.ExecContext(ctx, st.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("set job %d status %s: %w", id, status, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	cur, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status == status {
		return nil
	}
	return fmt.Errorf("%w: job %d %s -> %s", ErrInvalidTransition, id, cur.Status, status)
}

// ForceFailed marks a finished job FAILED even though it ended DONE
// or CANCELLED. It is only for jobs whose directory could not be
// removed, so they are not silently lost. Active and archived jobs
// are refused with ErrInvalidTransition.
func (st *Store) ForceFailed(ctx context.Context, id int64) error {
	query, args, err := sqlx.In(`UPDATE jobs SET status = ? WHERE id = ? AND status IN (?)`, string(cumulus.StatusFailed), id,
		statusStrings([]cumulus.JobStatus{cumulus.StatusDone, cumulus.StatusFailed, cumulus.StatusCancelled}))
	if err != nil {
		return err
	}
	res, err := st.db.ExecContext(ctx, st.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("force job %d failed: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	cur, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %d %s -> %s", ErrInvalidTransition, id, cur.Status, cumulus.StatusFailed)
}

// SetHost records the name of the worker assigned to a job.
func (st *Store) SetHost(ctx context.Context, id int64, host string) error {
	return st.setField(ctx, id, "host", host)
}

// SetFlavor records the capacity class assigned to a job.
func (st *Store) SetFlavor(ctx context.Context, id int64, flavor string) error {
	return st.setField(ctx, id, "flavor", flavor)
}

func (st *Store) SetStartDate(ctx context.Context, id int64, t time.Time) error {
	return st.setField(ctx, id, "start_date", toUnix(t))
}

func (st *Store) SetEndDate(ctx context.Context, id int64, t time.Time) error {
	return st.setField(ctx, id, "end_date", toUnix(t))
}

func (st *Store) SetLastModified(ctx context.Context, id int64, t time.Time) error {
	return st.setField(ctx, id, "last_modified", toUnix(t))
}

func (st *Store) setField(ctx context.Context, id int64, column string, value interface{}) error {
	res, err := st.db.ExecContext(ctx, st.db.Rebind(`UPDATE jobs SET `+column+` = ? WHERE id = ?`), value, id)
	if err != nil {
		return fmt.Errorf("set job %d %s: %w", id, column, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// JobsByStatus returns all jobs whose status is one of the given
// statuses, oldest first.
func (st *Store) JobsByStatus(ctx context.Context, statuses ...cumulus.JobStatus) ([]cumulus.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+columns+` FROM jobs WHERE status IN (?) ORDER BY id`, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	return st.selectJobs(ctx, query, args...)
}

// Delete removes a job's row.
func (st *Store) Delete(ctx context.Context, id int64) error {
	_, err := st.db.ExecContext(ctx, st.db.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	return err
}

// Archive tags a terminal job as ARCHIVED_<status>. It returns
// ErrInvalidTransition if the job is not in a terminal status.
func (st *Store) Archive(ctx context.Context, id int64) error {
	query, args, err := sqlx.In(`UPDATE jobs SET status = 'ARCHIVED_' || status WHERE id = ? AND status IN (?)`,
		id, statusStrings([]cumulus.JobStatus{cumulus.StatusDone, cumulus.StatusFailed, cumulus.StatusCancelled}))
	if err != nil {
		return err
	}
	res, err := st.db.ExecContext(ctx, st.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("archive job %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	cur, err := st.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.Status.IsArchived() {
		return nil
	}
	return fmt.Errorf("%w: cannot archive job %d in status %s", ErrInvalidTransition, id, cur.Status)
}

// PausePreparing moves every PREPARING job to PAUSED in one
// statement, and returns the number of jobs paused.
func (st *Store) PausePreparing(ctx context.Context) (int64, error) {
	res, err := st.db.ExecContext(ctx, st.db.Rebind(`UPDATE jobs SET status = ? WHERE status = ?`),
		string(cumulus.StatusPaused), string(cumulus.StatusPreparing))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Predecessor returns the job a workflow job starts after. ok is
// false if the job has no predecessor or the predecessor row has
// been deleted.
func (st *Store) Predecessor(ctx context.Context, job cumulus.Job) (pred cumulus.Job, ok bool, err error) {
	if job.StartAfterID == 0 {
		return pred, false, nil
	}
	pred, err = st.Get(ctx, job.StartAfterID)
	if errors.Is(err, ErrNotFound) {
		return pred, false, nil
	} else if err != nil {
		return pred, false, err
	}
	return pred, true, nil
}

// Root returns the first job of the workflow the given job belongs
// to (the job itself if it has no predecessor).
func (st *Store) Root(ctx context.Context, job cumulus.Job) (cumulus.Job, error) {
	seen := map[int64]bool{job.ID: true}
	for {
		pred, ok, err := st.Predecessor(ctx, job)
		if err != nil {
			return job, err
		}
		if !ok || seen[pred.ID] {
			return job, nil
		}
		seen[pred.ID] = true
		job = pred
	}
}

// AssociatedJobs returns every job in the same workflow as the given
// job (following start_after_id in both directions), including the
// job itself, ordered by id.
func (st *Store) AssociatedJobs(ctx context.Context, id int64) ([]cumulus.Job, error) {
	start, err := st.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	found := map[int64]cumulus.Job{start.ID: start}
	todo := []cumulus.Job{start}
	for len(todo) > 0 {
		job := todo[0]
		todo = todo[1:]
		next, err := st.selectJobs(ctx, `SELECT `+columns+` FROM jobs WHERE start_after_id = ?`, job.ID)
		if err != nil {
			return nil, err
		}
		if pred, ok, err := st.Predecessor(ctx, job); err != nil {
			return nil, err
		} else if ok {
			next = append(next, pred)
		}
		for _, j := range next {
			if _, ok := found[j.ID]; !ok {
				found[j.ID] = j
				todo = append(todo, j)
			}
		}
	}
	jobs := make([]cumulus.Job, 0, len(found))
	for _, j := range found {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

// Filter selects jobs for Search. Zero-valued fields match
// everything.
type Filter struct {
	Owner    string
	AppName  string
	Statuses []cumulus.JobStatus
	// Substring of the description.
	Text  string
	Limit int
}

// Search returns jobs matching the filter, newest first.
func (st *Store) Search(ctx context.Context, f Filter) ([]cumulus.Job, error) {
	var conds []string
	var args []interface{}
	if f.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.AppName != "" {
		conds = append(conds, "app_name = ?")
		args = append(args, f.AppName)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN (?)")
		args = append(args, statusStrings(f.Statuses))
	}
	if f.Text != "" {
		conds = append(conds, "description LIKE ?")
		args = append(args, "%"+f.Text+"%")
	}
	query := `SELECT ` + columns + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	var err error
	if len(f.Statuses) > 0 {
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, err
		}
	}
	return st.selectJobs(ctx, query, args...)
}

// LastJobs returns the owner's n most recent jobs.
func (st *Store) LastJobs(ctx context.Context, owner string, n int) ([]cumulus.Job, error) {
	return st.Search(ctx, Filter{Owner: owner, Limit: n})
}

func (st *Store) selectJobs(ctx context.Context, query string, args ...interface{}) ([]cumulus.Job, error) {
	var rows []jobRow
	err := st.db.SelectContext(ctx, &rows, st.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	jobs := make([]cumulus.Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.job()
	}
	return jobs, nil
}

func statusStrings(statuses []cumulus.JobStatus) []string {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	return ss
}
