// Package store persists uploads, jobs, master records and classifier cache
// entries in Postgres or SQLite.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/overhage/taxis/internal/model"
)

// ErrNotFound is returned when a job, upload or record does not exist.
var ErrNotFound = eris.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status   model.JobStatus `json:"status,omitempty"`
	UploadID string          `json:"upload_id,omitempty"`
	Limit    int             `json:"limit,omitempty"`
	Offset   int             `json:"offset,omitempty"`
}

// UpdateFunc mutates a locked record inside a transaction. Returning an
// error rolls the transaction back.
type UpdateFunc func(rec *model.MasterRecord) error

// Store is the persistence surface of the pipeline.
type Store interface {
	// Uploads
	CreateUpload(ctx context.Context, f *model.UploadedFile) error
	GetUpload(ctx context.Context, id string) (*model.UploadedFile, error)

	// Jobs
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	ClaimJob(ctx context.Context, id, owner string, now, staleBefore time.Time) (bool, error)
	ReleaseJob(ctx context.Context, id, owner string) error
	MarkRunning(ctx context.Context, id string, now time.Time) error
	SetRowsTotal(ctx context.Context, id string, total int) error
	SetLocators(ctx context.Context, id, output, cache string) error
	SaveProgress(ctx context.Context, id string, p model.Progress) error
	FinishJob(ctx context.Context, id string, status model.JobStatus, now time.Time, lastError string) error
	RecordError(ctx context.Context, id, msg string) error
	ListReclaimable(ctx context.Context, staleBefore time.Time, limit int) ([]model.Job, error)
	RequeueJob(ctx context.Context, id string) (bool, error)

	// Master records
	GetRecord(ctx context.Context, pairID string) (*model.MasterRecord, error)
	InsertRecord(ctx context.Context, rec *model.MasterRecord) (bool, error)
	UpdateRecord(ctx context.Context, pairID string, fn UpdateFunc) error
	ListRecords(ctx context.Context, limit, offset int) ([]model.MasterRecord, error)
	CountRecords(ctx context.Context) (int, error)

	// Classifier cache
	GetCacheEntry(ctx context.Context, key string) (*model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, e *model.CacheEntry) (bool, error)
	CountCacheEntries(ctx context.Context) (int, error)

	// Vocabulary
	LookupConcept(ctx context.Context, id int64) (*model.ConceptMeta, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const uploadColumns = `id, locator, filename, content_type, size_bytes, user_id, created_at`

const jobColumns = `id, upload_id, status, rows_total, rows_processed, resume_cursor,
	output_locator, cache_locator, last_heartbeat, created_at, started_at, finished_at,
	locked_by, locked_at, reclaim_count, last_error`

const recordColumns = `pair_id,
	concept_a_name, concept_a_code, concept_a_system, concept_a_type,
	concept_b_name, concept_b_code, concept_b_system, concept_b_type,
	relationship_code, relationship_type, rationale,
	classifier_name, classifier_version, classified_at, source_count,
	review_status, reviewed_by, review_notes, reviewed_at,
	fields, created_at, updated_at`

const cacheColumns = `prompt_key, pair_id, model, code, label, rationale, payload,
	prompt_tokens, completion_tokens, created_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanUpload(row scannable) (*model.UploadedFile, error) {
	var f model.UploadedFile
	if err := row.Scan(&f.ID, &f.Locator, &f.Filename, &f.ContentType, &f.SizeBytes, &f.UserID, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var status string
	err := row.Scan(
		&j.ID, &j.UploadID, &status, &j.RowsTotal, &j.RowsProcessed, &j.Cursor,
		&j.OutputLocator, &j.CacheLocator, &j.LastHeartbeat, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		&j.LockedBy, &j.LockedAt, &j.ReclaimCount, &j.LastError,
	)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	return &j, nil
}

func scanRecord(row scannable) (*model.MasterRecord, error) {
	var r model.MasterRecord
	var fields []byte
	err := row.Scan(
		&r.PairID,
		&r.ConceptA.Name, &r.ConceptA.Code, &r.ConceptA.System, &r.ConceptA.Type,
		&r.ConceptB.Name, &r.ConceptB.Code, &r.ConceptB.System, &r.ConceptB.Type,
		&r.RelationshipCode, &r.RelationshipType, &r.Rationale,
		&r.ClassifierName, &r.ClassifierVersion, &r.ClassifiedAt, &r.SourceCount,
		&r.ReviewStatus, &r.ReviewedBy, &r.ReviewNotes, &r.ReviewedAt,
		&fields, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if r.Fields, err = decodeFields(fields); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanCacheEntry(row scannable) (*model.CacheEntry, error) {
	var e model.CacheEntry
	err := row.Scan(
		&e.PromptKey, &e.PairID, &e.Model, &e.Code, &e.Label, &e.Rationale, &e.Payload,
		&e.PromptTokens, &e.CompletionTokens, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// recordArgs returns the insert arguments in recordColumns order.
func recordArgs(r *model.MasterRecord) ([]any, error) {
	fields, err := r.EncodeFields()
	if err != nil {
		return nil, eris.Wrapf(err, "store: encode fields for %s", r.PairID)
	}
	return []any{
		r.PairID,
		r.ConceptA.Name, r.ConceptA.Code, r.ConceptA.System, r.ConceptA.Type,
		r.ConceptB.Name, r.ConceptB.Code, r.ConceptB.System, r.ConceptB.Type,
		r.RelationshipCode, r.RelationshipType, r.Rationale,
		r.ClassifierName, r.ClassifierVersion, utcPtr(r.ClassifiedAt), r.SourceCount,
		r.ReviewStatus, r.ReviewedBy, r.ReviewNotes, utcPtr(r.ReviewedAt),
		string(fields), r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	}, nil
}

func cacheArgs(e *model.CacheEntry) []any {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return []any{
		e.PromptKey, e.PairID, e.Model, e.Code, e.Label, e.Rationale, string(payload),
		e.PromptTokens, e.CompletionTokens, e.CreatedAt.UTC(),
	}
}

// decodeFields keeps numbers as json.Number so counts survive exactly.
func decodeFields(raw []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(raw) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, eris.Wrap(err, "store: decode fields")
	}
	return fields, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
