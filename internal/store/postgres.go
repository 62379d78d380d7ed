package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/overhage/taxis/internal/db"
	"github.com/overhage/taxis/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// preparedStatements are the per-row hot paths, prepared on each new connection.
var preparedStatements = map[string]string{
	"get_record":      `SELECT ` + recordColumns + ` FROM master_records WHERE pair_id = $1`,
	"get_cache_entry": `SELECT ` + cacheColumns + ` FROM classifier_cache WHERE prompt_key = $1`,
	"lookup_concept":  `SELECT concept_id, concept_name, vocabulary_id, concept_class_id FROM concept WHERE concept_id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// The concept table may be absent until the vocabulary is loaded, so a
	// failed prepare is not fatal to the connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			_, _ = conn.Prepare(ctx, name, sql)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying pool for bulk loaders.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS uploaded_files (
	id           TEXT PRIMARY KEY,
	locator      TEXT NOT NULL,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	size_bytes   BIGINT NOT NULL DEFAULT 0,
	user_id      TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
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
	last_heartbeat TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at     TIMESTAMPTZ,
	finished_at    TIMESTAMPTZ,
	locked_by      TEXT,
	locked_at      TIMESTAMPTZ,
	reclaim_count  INTEGER NOT NULL DEFAULT 0,
	last_error     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_upload_id ON jobs(upload_id);

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
	classified_at      TIMESTAMPTZ,
	source_count       INTEGER NOT NULL DEFAULT 1,
	review_status      TEXT NOT NULL DEFAULT '',
	reviewed_by        TEXT NOT NULL DEFAULT '',
	review_notes       TEXT NOT NULL DEFAULT '',
	reviewed_at        TIMESTAMPTZ,
	fields             JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS classifier_cache (
	prompt_key        TEXT PRIMARY KEY,
	pair_id           TEXT NOT NULL,
	model             TEXT NOT NULL,
	code              INTEGER NOT NULL,
	label             TEXT NOT NULL,
	rationale         TEXT NOT NULL DEFAULT '',
	payload           JSONB NOT NULL DEFAULT '{}'::jsonb,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_classifier_cache_pair_id ON classifier_cache(pair_id);

CREATE TABLE IF NOT EXISTS concept (
	concept_id       BIGINT PRIMARY KEY,
	concept_name     TEXT NOT NULL,
	domain_id        TEXT NOT NULL DEFAULT '',
	vocabulary_id    TEXT NOT NULL DEFAULT '',
	concept_class_id TEXT NOT NULL DEFAULT '',
	standard_concept TEXT NOT NULL DEFAULT '',
	concept_code     TEXT NOT NULL DEFAULT '',
	invalid_reason   TEXT NOT NULL DEFAULT ''
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Uploads

func (s *PostgresStore) CreateUpload(ctx context.Context, f *model.UploadedFile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO uploaded_files (`+uploadColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.Locator, f.Filename, f.ContentType, f.SizeBytes, f.UserID, f.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert upload %s", f.ID)
}

func (s *PostgresStore) GetUpload(ctx context.Context, id string) (*model.UploadedFile, error) {
	f, err := scanUpload(s.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploaded_files WHERE id = $1`, id))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: upload %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get upload %s", id)
	}
	return f, nil
}

// Jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, upload_id, status, created_at) VALUES ($1, $2, $3, $4)`,
		job.ID, job.UploadID, string(job.Status), job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.UploadID != "" {
		query += fmt.Sprintf(` AND upload_id = $%d`, argIdx)
		args = append(args, filter.UploadID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}
	return s.queryJobs(ctx, "list jobs", query, args...)
}

func (s *PostgresStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]model.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

// ClaimJob takes the job lock when it is free, already held by owner, or stale.
func (s *PostgresStore) ClaimJob(ctx context.Context, id, owner string, now, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET locked_by = $2, locked_at = $3
		 WHERE id = $1 AND status IN ('queued', 'running')
		   AND (locked_by IS NULL OR locked_by = $2 OR locked_at < $4)`,
		id, owner, now.UTC(), staleBefore.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, id, owner string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET locked_by = NULL, locked_at = NULL WHERE id = $1 AND locked_by = $2`,
		id, owner,
	)
	return eris.Wrapf(err, "postgres: release job %s", id)
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'running', started_at = COALESCE(started_at, $2), last_heartbeat = $2
		 WHERE id = $1 AND status IN ('queued', 'running')`,
		id, now.UTC(),
	)
	return eris.Wrapf(err, "postgres: mark job %s running", id)
}

func (s *PostgresStore) SetRowsTotal(ctx context.Context, id string, total int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET rows_total = $2 WHERE id = $1 AND rows_total IS NULL`,
		id, total,
	)
	return eris.Wrapf(err, "postgres: set rows total for job %s", id)
}

func (s *PostgresStore) SetLocators(ctx context.Context, id, output, cache string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET output_locator = COALESCE(NULLIF(output_locator, ''), $2),
		                 cache_locator = COALESCE(NULLIF(cache_locator, ''), $3)
		 WHERE id = $1`,
		id, output, cache,
	)
	return eris.Wrapf(err, "postgres: set locators for job %s", id)
}

func (s *PostgresStore) SaveProgress(ctx context.Context, id string, p model.Progress) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET rows_processed = GREATEST(rows_processed, $2),
		                 resume_cursor = GREATEST(resume_cursor, $3),
		                 last_heartbeat = $4
		 WHERE id = $1`,
		id, p.RowsProcessed, p.Cursor, p.Heartbeat.UTC(),
	)
	return eris.Wrapf(err, "postgres: save progress for job %s", id)
}

func (s *PostgresStore) FinishJob(ctx context.Context, id string, status model.JobStatus, now time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, finished_at = $3, last_heartbeat = $3, last_error = $4,
		                 locked_by = NULL, locked_at = NULL
		 WHERE id = $1`,
		id, string(status), now.UTC(), lastError,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	return nil
}

func (s *PostgresStore) RecordError(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE jobs SET last_error = $2 WHERE id = $1`, id, msg)
	return eris.Wrapf(err, "postgres: record error for job %s", id)
}

func (s *PostgresStore) ListReclaimable(ctx context.Context, staleBefore time.Time, limit int) ([]model.Job, error) {
	return s.queryJobs(ctx, "list reclaimable jobs",
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'queued'
		    OR (status = 'running' AND COALESCE(last_heartbeat, started_at, created_at) < $1)
		 ORDER BY created_at
		 LIMIT $2`,
		staleBefore.UTC(), limit,
	)
}

// RequeueJob moves a queued or running job back to queued with its cursor
// advanced to the persisted progress. A running job counts as reclaimed.
func (s *PostgresStore) RequeueJob(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'queued',
		                 resume_cursor = GREATEST(resume_cursor, rows_processed),
		                 locked_by = NULL, locked_at = NULL,
		                 reclaim_count = reclaim_count + CASE WHEN status = 'running' THEN 1 ELSE 0 END
		 WHERE id = $1 AND status IN ('queued', 'running')`,
		id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: requeue job %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// Master records

func (s *PostgresStore) GetRecord(ctx context.Context, pairID string) (*model.MasterRecord, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM master_records WHERE pair_id = $1`, pairID))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", pairID)
	}
	return r, nil
}

// InsertRecord reports false when another writer created the pair first.
func (s *PostgresStore) InsertRecord(ctx context.Context, rec *model.MasterRecord) (bool, error) {
	args, err := recordArgs(rec)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO master_records (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		 ON CONFLICT (pair_id) DO NOTHING`,
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert record %s", rec.PairID)
	}
	return tag.RowsAffected() == 1, nil
}

const updateRecordSQL = `UPDATE master_records SET
	concept_a_name = $2, concept_a_code = $3, concept_a_system = $4, concept_a_type = $5,
	concept_b_name = $6, concept_b_code = $7, concept_b_system = $8, concept_b_type = $9,
	relationship_code = $10, relationship_type = $11, rationale = $12,
	classifier_name = $13, classifier_version = $14, classified_at = $15, source_count = $16,
	review_status = $17, reviewed_by = $18, review_notes = $19, reviewed_at = $20,
	fields = $21, created_at = $22, updated_at = $23
	WHERE pair_id = $1`

// UpdateRecord locks the row with SELECT ... FOR UPDATE, applies fn and
// writes the result in one transaction.
func (s *PostgresStore) UpdateRecord(ctx context.Context, pairID string, fn UpdateFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin record tx")
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM master_records WHERE pair_id = $1 FOR UPDATE`, pairID))
	if eris.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: record %s", pairID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lock record %s", pairID)
	}

	if err := fn(rec); err != nil {
		return err
	}

	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, updateRecordSQL, args...); err != nil {
		return eris.Wrapf(err, "postgres: update record %s", pairID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit record tx")
}

func (s *PostgresStore) ListRecords(ctx context.Context, limit, offset int) ([]model.MasterRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM master_records ORDER BY pair_id LIMIT $1 OFFSET $2`,
		listLimit(limit), offset,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var recs []model.MasterRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM master_records`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count records")
}

// Classifier cache

func (s *PostgresStore) GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	e, err := scanCacheEntry(s.pool.QueryRow(ctx, `SELECT `+cacheColumns+` FROM classifier_cache WHERE prompt_key = $1`, key))
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	return e, nil
}

// PutCacheEntry keeps the first answer stored for a key and reports whether
// this call wrote it.
func (s *PostgresStore) PutCacheEntry(ctx context.Context, e *model.CacheEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO classifier_cache (`+cacheColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (prompt_key) DO NOTHING`,
		cacheArgs(e)...,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: put cache entry")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CountCacheEntries(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM classifier_cache`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count cache entries")
}

// Vocabulary

func (s *PostgresStore) LookupConcept(ctx context.Context, id int64) (*model.ConceptMeta, error) {
	var c model.ConceptMeta
	err := s.pool.QueryRow(ctx,
		`SELECT concept_id, concept_name, vocabulary_id, concept_class_id FROM concept WHERE concept_id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.VocabularySystem, &c.ClassID)
	if eris.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lookup concept %d", id)
	}
	return &c, nil
}
