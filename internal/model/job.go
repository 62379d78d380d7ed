package model

import "time"

// JobStatus represents the lifecycle state of a classification job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further slices may run for the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// UploadedFile describes a stored spreadsheet. Immutable once created.
type UploadedFile struct {
	ID          string    `json:"id"`
	Locator     string    `json:"locator"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	UserID      *string   `json:"user_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Job tracks the processing of one upload across many slices.
type Job struct {
	ID            string     `json:"id"`
	UploadID      string     `json:"upload_id"`
	Status        JobStatus  `json:"status"`
	RowsTotal     *int       `json:"rows_total,omitempty"`
	RowsProcessed int        `json:"rows_processed"`
	Cursor        int        `json:"cursor"`
	OutputLocator string     `json:"output_locator,omitempty"`
	CacheLocator  string     `json:"cache_locator,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LockedBy      *string    `json:"locked_by,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty"`
	ReclaimCount  int        `json:"reclaim_count"`
	LastError     string     `json:"last_error,omitempty"`
}

// ResumeFrom returns the first row index a new slice should process.
func (j *Job) ResumeFrom() int {
	return max(j.Cursor, j.RowsProcessed)
}

// Progress is the checkpoint written on every flush.
type Progress struct {
	RowsProcessed int
	Cursor        int
	Heartbeat     time.Time
}
