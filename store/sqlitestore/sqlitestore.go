// Copyright 2025 The Buildfarm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlitestore is the production store.Store backed by SQLite.
//
// The dispatch claim is a conditional UPDATE on the queue entry status, so
// the at-most-once-dispatch invariant holds even with one scan goroutine per
// builder racing over the same candidates.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"

	_ "modernc.org/sqlite"

	"github.com/buildfarm-dev/builddmgr/model"
	"github.com/buildfarm-dev/builddmgr/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS builders (
	name TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	processors TEXT NOT NULL,
	virtualized INTEGER NOT NULL,
	open_resources TEXT NOT NULL DEFAULT '',
	restricted_resources TEXT NOT NULL DEFAULT '',
	clean_status INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	manual_mode INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	current_job INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS build_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_type TEXT NOT NULL,
	score INTEGER NOT NULL DEFAULT 0,
	processor TEXT NOT NULL DEFAULT '',
	virtualized INTEGER NOT NULL DEFAULT 0,
	resource_tags TEXT NOT NULL DEFAULT '',
	status INTEGER NOT NULL DEFAULT 0,
	builder_name TEXT NOT NULL DEFAULT '',
	cookie TEXT NOT NULL DEFAULT '',
	failure_count INTEGER NOT NULL DEFAULT 0,
	files TEXT NOT NULL DEFAULT '{}',
	log_tail BLOB,
	created INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS build_queue_pending
	ON build_queue (status, processor, virtualized, score DESC, id ASC);
`

// Store implements store.Store on top of a SQLite database.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if necessary) the database at path.
//
// WAL journaling and a busy timeout keep concurrent scan goroutines from
// tripping over each other's writes.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Annotate(err, "opening sqlite db %q", path)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "pinging sqlite db %q", path)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, errors.Annotate(err, "applying %q", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "applying schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func joinTags(tags []string) string {
	return strings.Join(tags, " ")
}

func splitTags(s string) []string {
	return strings.Fields(s)
}

const builderCols = `name, url, processors, virtualized, open_resources,
	restricted_resources, clean_status, enabled, manual_mode, failure_count,
	current_job`

func scanBuilder(row interface{ Scan(...any) error }) (*model.Builder, error) {
	var b model.Builder
	var procs, open, restricted string
	err := row.Scan(&b.Name, &b.URL, &procs, &b.Virtualized, &open,
		&restricted, &b.Clean, &b.Enabled, &b.ManualMode, &b.FailureCount,
		&b.CurrentJob)
	if err != nil {
		return nil, err
	}
	b.Processors = splitTags(procs)
	b.OpenResources = splitTags(open)
	b.RestrictedResources = splitTags(restricted)
	return &b, nil
}

// ListBuilders is part of store.Store.
func (s *Store) ListBuilders(ctx context.Context) ([]*model.Builder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+builderCols+` FROM builders ORDER BY name`)
	if err != nil {
		return nil, errors.Annotate(err, "listing builders")
	}
	defer rows.Close()
	var out []*model.Builder
	for rows.Next() {
		b, err := scanBuilder(rows)
		if err != nil {
			return nil, errors.Annotate(err, "scanning builder row")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBuilder is part of store.Store.
func (s *Store) GetBuilder(ctx context.Context, name string) (*model.Builder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+builderCols+` FROM builders WHERE name = ?`, name)
	b, err := scanBuilder(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, store.ErrNotFound
	case err != nil:
		return nil, errors.Annotate(err, "fetching builder %q", name)
	}
	return b, nil
}

// CreateBuilder inserts a new builder record. Used by fleet registration
// tooling and tests, not by the scan loop.
func (s *Store) CreateBuilder(ctx context.Context, b *model.Builder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO builders (`+builderCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		b.Name, b.URL, joinTags(b.Processors), b.Virtualized,
		joinTags(b.OpenResources), joinTags(b.RestrictedResources),
		b.Clean, b.Enabled, b.ManualMode, b.FailureCount, b.CurrentJob)
	return errors.Annotate(err, "creating builder %q", b.Name)
}

// SaveBuilder is part of store.Store.
func (s *Store) SaveBuilder(ctx context.Context, b *model.Builder) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE builders SET url=?, processors=?, virtualized=?,
			open_resources=?, restricted_resources=?, clean_status=?,
			enabled=?, manual_mode=?, failure_count=?, current_job=?
			WHERE name=?`,
		b.URL, joinTags(b.Processors), b.Virtualized,
		joinTags(b.OpenResources), joinTags(b.RestrictedResources),
		b.Clean, b.Enabled, b.ManualMode, b.FailureCount, b.CurrentJob,
		b.Name)
	if err != nil {
		return errors.Annotate(err, "saving builder %q", b.Name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const queueCols = `id, job_type, score, processor, virtualized,
	resource_tags, status, builder_name, cookie, failure_count, files,
	log_tail, created`

func scanQueueEntry(row interface{ Scan(...any) error }) (*model.BuildQueueEntry, error) {
	var e model.BuildQueueEntry
	var tags, files string
	var created int64
	err := row.Scan(&e.ID, &e.JobType, &e.Score, &e.Processor, &e.Virtualized,
		&tags, &e.Status, &e.BuilderName, &e.Cookie, &e.FailureCount,
		&files, &e.LogTail, &created)
	if err != nil {
		return nil, err
	}
	e.ResourceTags = splitTags(tags)
	if files != "" {
		if err := json.Unmarshal([]byte(files), &e.Files); err != nil {
			return nil, errors.Annotate(err, "decoding files of entry %d", e.ID)
		}
	}
	e.Created = time.Unix(created, 0).UTC()
	return &e, nil
}

// GetQueueEntry is part of store.Store.
func (s *Store) GetQueueEntry(ctx context.Context, id int64) (*model.BuildQueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueCols+` FROM build_queue WHERE id = ?`, id)
	e, err := scanQueueEntry(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, store.ErrNotFound
	case err != nil:
		return nil, errors.Annotate(err, "fetching queue entry %d", id)
	}
	return e, nil
}

// CreateQueueEntry inserts a new pending entry and returns its id. Used by
// build request intake and tests, not by the scan loop.
func (s *Store) CreateQueueEntry(ctx context.Context, e *model.BuildQueueEntry) (int64, error) {
	created := e.Created
	if created.IsZero() {
		created = time.Now()
	}
	files, err := json.Marshal(e.Files)
	if err != nil {
		return 0, errors.Annotate(err, "encoding files")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO build_queue (job_type, score, processor, virtualized,
			resource_tags, status, builder_name, cookie, failure_count,
			files, log_tail, created)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.JobType, e.Score, e.Processor, e.Virtualized,
		joinTags(e.ResourceTags), e.Status, e.BuilderName, e.Cookie,
		e.FailureCount, string(files), e.LogTail, created.Unix())
	if err != nil {
		return 0, errors.Annotate(err, "creating queue entry")
	}
	return res.LastInsertId()
}

// PendingCandidates is part of store.Store.
//
// Processor, virtualization and status are filtered by the query; resource
// tag matching is done here since the tags are stored denormalized.
func (s *Store) PendingCandidates(ctx context.Context, f store.CandidateFilter, limit int) ([]*model.BuildQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueCols+` FROM build_queue
			WHERE status = ? AND processor = ? AND virtualized = ?
			ORDER BY score DESC, id ASC`,
		model.QueuePending, f.Processor, f.Virtualized)
	if err != nil {
		return nil, errors.Annotate(err, "querying pending candidates")
	}
	defer rows.Close()

	vitals := &model.BuilderVitals{
		Virtualized:         f.Virtualized,
		OpenResources:       f.OpenResources,
		RestrictedResources: f.RestrictedResources,
	}
	if f.Processor != "" {
		vitals.Processors = []string{f.Processor}
	}

	var out []*model.BuildQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, errors.Annotate(err, "scanning queue row")
		}
		if !e.SuitsBuilder(vitals) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

// ClaimQueueEntry is part of store.Store.
func (s *Store) ClaimQueueEntry(ctx context.Context, id int64, builderName, cookie string) (claimed bool, err error) {
	err = s.inTxn(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE build_queue SET status = ?, builder_name = ?, cookie = ?
				WHERE id = ? AND status = ?`,
			model.QueueBuilding, builderName, cookie, id, model.QueuePending)
		if err != nil {
			return errors.Annotate(err, "claiming queue entry %d", id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil // raced with another scanner, or entry is gone
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE builders SET current_job = ? WHERE name = ?`, id, builderName)
		if err != nil {
			return errors.Annotate(err, "assigning job %d to builder %q", id, builderName)
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// ResetQueueEntry is part of store.Store.
func (s *Store) ResetQueueEntry(ctx context.Context, id int64) error {
	return s.detach(ctx, id, model.QueuePending, false)
}

// FailQueueEntry is part of store.Store.
func (s *Store) FailQueueEntry(ctx context.Context, id int64) error {
	return s.detach(ctx, id, model.QueueFailed, false)
}

// CancelQueueEntry is part of store.Store.
func (s *Store) CancelQueueEntry(ctx context.Context, id int64) error {
	return s.detach(ctx, id, model.QueueCancelled, true)
}

// CompleteQueueEntry is part of store.Store.
func (s *Store) CompleteQueueEntry(ctx context.Context, id int64, ok bool) error {
	status := model.QueueCompleted
	if !ok {
		status = model.QueueFailed
	}
	return s.detach(ctx, id, status, true)
}

func (s *Store) detach(ctx context.Context, id int64, status model.QueueStatus, dirty bool) error {
	return s.inTxn(ctx, func(tx *sql.Tx) error {
		var builderName string
		err := tx.QueryRowContext(ctx,
			`SELECT builder_name FROM build_queue WHERE id = ?`, id).Scan(&builderName)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.ErrNotFound
		case err != nil:
			return errors.Annotate(err, "fetching queue entry %d", id)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE build_queue SET status = ?, builder_name = '', cookie = ''
				WHERE id = ?`, status, id)
		if err != nil {
			return errors.Annotate(err, "updating queue entry %d", id)
		}
		if builderName == "" {
			return nil
		}
		q := `UPDATE builders SET current_job = 0 WHERE name = ? AND current_job = ?`
		if dirty {
			q = `UPDATE builders SET current_job = 0, clean_status = 1
				WHERE name = ? AND current_job = ?`
		}
		_, err = tx.ExecContext(ctx, q, builderName, id)
		return errors.Annotate(err, "detaching builder %q", builderName)
	})
}

// IncrementFailureCounts is part of store.Store.
func (s *Store) IncrementFailureCounts(ctx context.Context, builderName string, queueID int64) (builderCount, jobCount int64, err error) {
	err = s.inTxn(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`UPDATE builders SET failure_count = failure_count + 1
				WHERE name = ? RETURNING failure_count`,
			builderName).Scan(&builderCount)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.ErrNotFound
		case err != nil:
			return errors.Annotate(err, "incrementing failure count of builder %q", builderName)
		}
		if queueID == 0 {
			return nil
		}
		err = tx.QueryRowContext(ctx,
			`UPDATE build_queue SET failure_count = failure_count + 1
				WHERE id = ? RETURNING failure_count`,
			queueID).Scan(&jobCount)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return store.ErrNotFound
		case err != nil:
			return errors.Annotate(err, "incrementing failure count of job %d", queueID)
		}
		return nil
	})
	return builderCount, jobCount, err
}

// PutLogTails is part of store.Store.
func (s *Store) PutLogTails(ctx context.Context, tails map[int64][]byte) error {
	if len(tails) == 0 {
		return nil
	}
	return s.inTxn(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE build_queue SET log_tail = ? WHERE id = ?`)
		if err != nil {
			return errors.Annotate(err, "preparing log tail update")
		}
		defer stmt.Close()
		for id, tail := range tails {
			if _, err := stmt.ExecContext(ctx, tail, id); err != nil {
				return errors.Annotate(err, "updating log tail of %d", id)
			}
		}
		return nil
	})
}

func (s *Store) inTxn(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Annotate(tx.Commit(), "committing transaction")
}
