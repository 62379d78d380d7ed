// Package report accumulates a job's enriched-row CSV and its classification
// cache export, and flushes both to blob storage.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/overhage/taxis/internal/blob"
	"github.com/overhage/taxis/internal/metrics"
	"github.com/overhage/taxis/internal/model"
)

// CacheVersion is written in the version column of every cache export row.
const CacheVersion = "taxis-cache-v1"

// CacheHeader is the fixed header of the cache export.
var CacheHeader = []string{
	"version", "timestamp", "job_id", "upload_id", "user_id", "row_index",
	"pair_id", "code_a", "system_a", "code_b", "system_b",
	"concept_a", "concept_b", "model",
	"relationship_code", "relationship_type",
	"prompt_tokens", "completion_tokens",
}

// CacheRow is one newly classified pair queued for the cache export.
type CacheRow struct {
	Timestamp        time.Time
	JobID            string
	UploadID         string
	UserID           string
	RowIndex         int
	PairID           string
	CodeA            string
	SystemA          string
	CodeB            string
	SystemB          string
	ConceptA         string
	ConceptB         string
	Model            string
	RelationshipCode int
	RelationshipType string
	PromptTokens     int
	CompletionTokens int
}

func (c CacheRow) record() []string {
	return []string{
		CacheVersion,
		c.Timestamp.UTC().Format(time.RFC3339),
		c.JobID, c.UploadID, c.UserID,
		strconv.Itoa(c.RowIndex),
		c.PairID, c.CodeA, c.SystemA, c.CodeB, c.SystemB,
		c.ConceptA, c.ConceptB, c.Model,
		strconv.Itoa(c.RelationshipCode), c.RelationshipType,
		strconv.Itoa(c.PromptTokens), strconv.Itoa(c.CompletionTokens),
	}
}

// Flush triggers.
const (
	TriggerRows     = "rows"
	TriggerInterval = "interval"
	TriggerDeadline = "deadline"
	TriggerFinal    = "final"
)

// Options tune flush triggers.
type Options struct {
	// FlushRows flushes after this many appended rows. Zero disables the trigger.
	FlushRows int
	// FlushInterval flushes when this much time passed since the last flush.
	FlushInterval time.Duration
	// DeadlineSlack flushes when the deadline is closer than this.
	DeadlineSlack time.Duration
}

// Accumulator holds a job's report in memory between flushes. It is not safe
// for concurrent use.
type Accumulator struct {
	blobs     blob.Store
	outputKey string
	cacheKey  string
	opts      Options

	header  []string
	lines   [][]string
	cache   []byte
	pending [][]string

	sinceFlush int
	lastFlush  time.Time
}

// New creates an Accumulator writing to the given blob keys.
func New(blobs blob.Store, outputKey, cacheKey string, opts Options) *Accumulator {
	return &Accumulator{blobs: blobs, outputKey: outputKey, cacheKey: cacheKey, opts: opts}
}

// Open loads what earlier slices wrote. An existing report keeps its header;
// data lines past cursor are dropped because they were written after the last
// checkpoint and will be produced again.
func (a *Accumulator) Open(ctx context.Context, cursor int, now time.Time) error {
	a.lastFlush = now

	data, err := a.blobs.Get(ctx, a.outputKey)
	switch {
	case eris.Is(err, blob.ErrNotFound):
	case err != nil:
		return eris.Wrapf(err, "report: load output %s", a.outputKey)
	default:
		if err := a.parseOutput(data); err != nil {
			return err
		}
	}

	if len(a.lines) > cursor {
		zap.L().Warn("report: trimming lines written after the last checkpoint",
			zap.String("key", a.outputKey),
			zap.Int("lines", len(a.lines)),
			zap.Int("cursor", cursor),
		)
		a.lines = a.lines[:cursor]
	}

	cache, err := a.blobs.Get(ctx, a.cacheKey)
	switch {
	case eris.Is(err, blob.ErrNotFound):
	case err != nil:
		return eris.Wrapf(err, "report: load cache export %s", a.cacheKey)
	default:
		a.cache = cache
	}
	return nil
}

func (a *Accumulator) parseOutput(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return eris.Wrapf(err, "report: parse output %s", a.outputKey)
	}
	if len(records) == 0 {
		return nil
	}
	a.header = records[0]
	a.lines = records[1:]
	return nil
}

// Header returns the report header, nil before the first row.
func (a *Accumulator) Header() []string {
	return a.header
}

// Lines is the number of data lines held.
func (a *Accumulator) Lines() int {
	return len(a.lines)
}

// Pending is the number of queued cache rows.
func (a *Accumulator) Pending() int {
	return len(a.pending)
}

// Append adds one enriched row. The first row of a fresh report fixes the
// header; later rows are projected onto it.
func (a *Accumulator) Append(row model.Row) {
	if a.header == nil {
		a.header = row.Keys()
	}
	line := make([]string, len(a.header))
	for i, k := range a.header {
		line[i] = row.Value(k)
	}
	a.lines = append(a.lines, line)
	a.sinceFlush++
}

// QueueCacheRow queues a cache export row for the next flush.
func (a *Accumulator) QueueCacheRow(c CacheRow) {
	a.pending = append(a.pending, c.record())
}

// ShouldFlush reports whether a flush is due and which trigger fired.
func (a *Accumulator) ShouldFlush(now, deadline time.Time) (string, bool) {
	if a.opts.FlushRows > 0 && a.sinceFlush >= a.opts.FlushRows {
		return TriggerRows, true
	}
	if a.sinceFlush == 0 && len(a.pending) == 0 {
		return "", false
	}
	if a.opts.FlushInterval > 0 && now.Sub(a.lastFlush) >= a.opts.FlushInterval {
		return TriggerInterval, true
	}
	if !deadline.IsZero() && deadline.Sub(now) <= a.opts.DeadlineSlack {
		return TriggerDeadline, true
	}
	return "", false
}

// Flush rewrites the output blob and appends pending cache rows to the
// cache blob. trigger labels the flush in metrics.
func (a *Accumulator) Flush(ctx context.Context, now time.Time, trigger string) error {
	out, err := encode(a.header, a.lines)
	if err != nil {
		return eris.Wrap(err, "report: encode output")
	}
	if err := a.blobs.Put(ctx, a.outputKey, out, "text/csv"); err != nil {
		return eris.Wrapf(err, "report: write output %s", a.outputKey)
	}

	if len(a.pending) > 0 {
		var buf bytes.Buffer
		var header []string
		if len(bytes.TrimSpace(a.cache)) == 0 {
			header = CacheHeader
		} else {
			buf.Write(a.cache)
			if !bytes.HasSuffix(a.cache, []byte("\n")) {
				buf.WriteByte('\n')
			}
		}
		rows, err := encode(header, a.pending)
		if err != nil {
			return eris.Wrap(err, "report: encode cache export")
		}
		buf.Write(rows)
		if err := a.blobs.Put(ctx, a.cacheKey, buf.Bytes(), "text/csv"); err != nil {
			return eris.Wrapf(err, "report: write cache export %s", a.cacheKey)
		}
		a.cache = buf.Bytes()
		a.pending = nil
	}

	a.sinceFlush = 0
	a.lastFlush = now
	metrics.Flushes.WithLabelValues(trigger).Inc()
	return nil
}

// encode writes header (when non-nil) and lines as CSV. Fields containing a
// comma, quote or newline are quoted with internal quotes doubled.
func encode(header []string, lines [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if header != nil {
		if err := w.Write(header); err != nil {
			return nil, err
		}
	}
	if err := w.WriteAll(lines); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
