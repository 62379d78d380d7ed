package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/overhage/taxis/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers so record transactions never race
// on lock upgrades.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS uploaded_files (
	id           TEXT PRIMARY KEY,
	locator      TEXT NOT NULL,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	user_id      TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	upload_id      TEXT NOT NULL REFERENCES uploaded_files(id),
	status         TEXT NOT NULL DEFAULT 'queued',
	rows_total     INTEGER,
	rows_processed INTEGER NOT NULL DEFAULT 0,
	resume_cursor  INTEGER NOT NULL DEFAULT 0,
	output_locator TEXT NOT NULL DEFAULT '',
	cache_locator  TEXT NOT NULL DEFAULT '',
	last_heartbeat DATETIME,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	started_at     DATETIME,
	finished_at    DATETIME,
	locked_by      TEXT,
	locked_at      DATETIME,
	reclaim_count  INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS master_records (
	pair_id            TEXT PRIMARY KEY,
	concept_a_name     TEXT NOT NULL DEFAULT '',
	concept_a_code     TEXT NOT NULL DEFAULT '',
	concept_a_system   TEXT NOT NULL DEFAULT '',
	concept_a_type     TEXT NOT NULL DEFAULT '',
	concept_b_name     TEXT NOT NULL DEFAULT '',
	concept_b_code     TEXT NOT NULL DEFAULT '',
	concept_b_system   TEXT NOT NULL DEFAULT '',
	concept_b_type     TEXT NOT NULL DEFAULT '',
	relationship_code  INTEGER NOT NULL DEFAULT 11,
	relationship_type  TEXT NOT NULL DEFAULT '',
	rationale          TEXT NOT NULL DEFAULT '',
	classifier_name    TEXT NOT NULL DEFAULT '',
	classifier_version TEXT NOT NULL DEFAULT '',
	classified_at      DATETIME,
	source_count       INTEGER NOT NULL DEFAULT 1,
	review_status      TEXT NOT NULL DEFAULT '',
	reviewed_by        TEXT NOT NULL DEFAULT '',
	review_notes       TEXT NOT NULL DEFAULT '',
	reviewed_at        DATETIME,
	fields             TEXT NOT NULL DEFAULT '{}',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS classifier_cache (
	prompt_key        TEXT PRIMARY KEY,
	pair_id           TEXT NOT NULL,
	model             TEXT NOT NULL,
	code              INTEGER NOT NULL,
	label             TEXT NOT NULL,
	rationale         TEXT NOT NULL DEFAULT '',
	payload           TEXT NOT NULL DEFAULT '{}',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS concept (
	concept_id       INTEGER PRIMARY KEY,
	concept_name     TEXT NOT NULL,
	domain_id        TEXT NOT NULL DEFAULT '',
	vocabulary_id    TEXT NOT NULL DEFAULT '',
	concept_class_id TEXT NOT NULL DEFAULT '',
	standard_concept TEXT NOT NULL DEFAULT '',
	concept_code     TEXT NOT NULL DEFAULT '',
	invalid_reason   TEXT NOT NULL DEFAULT ''
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Uploads

func (s *SQLiteStore) CreateUpload(ctx context.Context, f *model.UploadedFile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploaded_files (`+uploadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Locator, f.Filename, f.ContentType, f.SizeBytes, f.UserID, f.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert upload %s", f.ID)
}

func (s *SQLiteStore) GetUpload(ctx context.Context, id string) (*model.UploadedFile, error) {
	f, err := scanUpload(s.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM uploaded_files WHERE id = ?`, id))
	if eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: upload %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get upload %s", id)
	}
	return f, nil
}

// Jobs

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, upload_id, status, created_at) VALUES (?, ?, ?, ?)`,
		job.ID, job.UploadID, string(job.Status), job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if eris.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.UploadID != "" {
		query += ` AND upload_id = ?`
		args = append(args, filter.UploadID)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), filter.Offset)

	return s.queryJobs(ctx, "list jobs", query, args...)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, id, owner string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET locked_by = ?2, locked_at = ?3
		 WHERE id = ?1 AND status IN ('queued', 'running')
		   AND (locked_by IS NULL OR locked_by = ?2 OR locked_at < ?4)`,
		id, owner, now.UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim job %s", id)
	}
	return affectedOne(res)
}

func (s *SQLiteStore) ReleaseJob(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET locked_by = NULL, locked_at = NULL WHERE id = ? AND locked_by = ?`,
		id, owner,
	)
	return eris.Wrapf(err, "sqlite: release job %s", id)
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, ?2), last_heartbeat = ?2
		 WHERE id = ?1 AND status IN ('queued', 'running')`,
		id, now.UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark job %s running", id)
}

func (s *SQLiteStore) SetRowsTotal(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET rows_total = ? WHERE id = ? AND rows_total IS NULL`,
		total, id,
	)
	return eris.Wrapf(err, "sqlite: set rows total for job %s", id)
}

func (s *SQLiteStore) SetLocators(ctx context.Context, id, output, cache string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET output_locator = COALESCE(NULLIF(output_locator, ''), ?2),
		                 cache_locator = COALESCE(NULLIF(cache_locator, ''), ?3)
		 WHERE id = ?1`,
		id, output, cache,
	)
	return eris.Wrapf(err, "sqlite: set locators for job %s", id)
}

func (s *SQLiteStore) SaveProgress(ctx context.Context, id string, p model.Progress) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET rows_processed = MAX(rows_processed, ?2),
		                 resume_cursor = MAX(resume_cursor, ?3),
		                 last_heartbeat = ?4
		 WHERE id = ?1`,
		id, p.RowsProcessed, p.Cursor, p.Heartbeat.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save progress for job %s", id)
}

func (s *SQLiteStore) FinishJob(ctx context.Context, id string, status model.JobStatus, now time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?2, finished_at = ?3, last_heartbeat = ?3, last_error = ?4,
		                 locked_by = NULL, locked_at = NULL
		 WHERE id = ?1`,
		id, string(status), now.UTC(), lastError,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish job %s", id)
	}
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	return nil
}

func (s *SQLiteStore) RecordError(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET last_error = ? WHERE id = ?`, msg, id)
	return eris.Wrapf(err, "sqlite: record error for job %s", id)
}

func (s *SQLiteStore) ListReclaimable(ctx context.Context, staleBefore time.Time, limit int) ([]model.Job, error) {
	return s.queryJobs(ctx, "list reclaimable jobs",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'queued'
		    OR (status = 'running' AND COALESCE(last_heartbeat, started_at, created_at) < ?)
		 ORDER BY created_at
		 LIMIT ?`,
		staleBefore.UTC(), limit,
	)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued',
		                 resume_cursor = MAX(resume_cursor, rows_processed),
		                 locked_by = NULL, locked_at = NULL,
		                 reclaim_count = reclaim_count + CASE WHEN status = 'running' THEN 1 ELSE 0 END
		 WHERE id = ? AND status IN ('queued', 'running')`,
		id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: requeue job %s", id)
	}
	return affectedOne(res)
}

// Master records

func (s *SQLiteStore) GetRecord(ctx context.Context, pairID string) (*model.MasterRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM master_records WHERE pair_id = ?`, pairID))
	if eris.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", pairID)
	}
	return r, nil
}

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *model.MasterRecord) (bool, error) {
	args, err := recordArgs(rec)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO master_records (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (pair_id) DO NOTHING`,
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert record %s", rec.PairID)
	}
	return affectedOne(res)
}

// sqliteUpdateRecordSQL rewrites $n to SQLite's explicit ?n parameters.
var sqliteUpdateRecordSQL = strings.ReplaceAll(updateRecordSQL, "$", "?")

// UpdateRecord runs fn inside a transaction. The single connection pool
// serializes it against other writers.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, pairID string, fn UpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record tx")
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM master_records WHERE pair_id = ?`, pairID))
	if eris.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: record %s", pairID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read record %s", pairID)
	}

	if err := fn(rec); err != nil {
		return err
	}

	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, sqliteUpdateRecordSQL, args...); err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", pairID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record tx")
}

func (s *SQLiteStore) ListRecords(ctx context.Context, limit, offset int) ([]model.MasterRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM master_records ORDER BY pair_id LIMIT ? OFFSET ?`,
		listLimit(limit), offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var recs []model.MasterRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM master_records`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count records")
}

// Classifier cache

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	e, err := scanCacheEntry(s.db.QueryRowContext(ctx, `SELECT `+cacheColumns+` FROM classifier_cache WHERE prompt_key = ?`, key))
	if eris.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	return e, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, e *model.CacheEntry) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO classifier_cache (`+cacheColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (prompt_key) DO NOTHING`,
		cacheArgs(e)...,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: put cache entry")
	}
	return affectedOne(res)
}

func (s *SQLiteStore) CountCacheEntries(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM classifier_cache`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count cache entries")
}

// Vocabulary

func (s *SQLiteStore) LookupConcept(ctx context.Context, id int64) (*model.ConceptMeta, error) {
	var c model.ConceptMeta
	err := s.db.QueryRowContext(ctx,
		`SELECT concept_id, concept_name, vocabulary_id, concept_class_id FROM concept WHERE concept_id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.VocabularySystem, &c.ClassID)
	if eris.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lookup concept %d", id)
	}
	return &c, nil
}

// PutConcept inserts or replaces one vocabulary row. Used to seed local databases.
func (s *SQLiteStore) PutConcept(ctx context.Context, c model.ConceptMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO concept (concept_id, concept_name, vocabulary_id, concept_class_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT (concept_id) DO UPDATE SET concept_name = excluded.concept_name,
		   vocabulary_id = excluded.vocabulary_id, concept_class_id = excluded.concept_class_id`,
		c.ID, c.Name, c.VocabularySystem, c.ClassID,
	)
	return eris.Wrapf(err, "sqlite: put concept %d", c.ID)
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}
