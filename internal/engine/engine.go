// Package engine runs one time-boxed processing slice of a job: it loads the
// upload, resumes at the job's cursor, merges rows until the soft deadline
// and either finishes the job or schedules the next slice.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/overhage/taxis/internal/blob"
	"github.com/overhage/taxis/internal/classify"
	"github.com/overhage/taxis/internal/config"
	"github.com/overhage/taxis/internal/continuation"
	"github.com/overhage/taxis/internal/fieldmap"
	"github.com/overhage/taxis/internal/merge"
	"github.com/overhage/taxis/internal/metrics"
	"github.com/overhage/taxis/internal/model"
	"github.com/overhage/taxis/internal/report"
	"github.com/overhage/taxis/internal/resolver"
	"github.com/overhage/taxis/internal/rows"
	"github.com/overhage/taxis/internal/store"
)

// Columns the engine adds to every report row.
const (
	ColPairID           = "pair_id"
	ColRelationshipCode = "relationship_code"
	ColRelationshipType = "relationship_type"
	ColRationale        = "rationale"
	ColSourceCount      = "source_count"
	ColRecordStatus     = "record_status"
)

// Record statuses written to the report.
const (
	RecordNew     = "new"
	RecordMerged  = "merged"
	RecordSkipped = "skipped"
)

// Classifier is the classification service plus its provenance.
type Classifier interface {
	classify.Service
	Name() string
}

// Options configure slices.
type Options struct {
	SliceBudget   time.Duration
	SafetyMargin  time.Duration
	FlushRows     int
	FlushInterval time.Duration
	// ClaimJobs enables the compare-and-swap claim before a slice starts.
	ClaimJobs bool
	// MaxReclaims fails a job reclaimed more often than this. Zero disables.
	MaxReclaims   int
	LookupTimeout time.Duration
	// MappingPath is re-read every slice. Empty uses fieldmap.Default.
	MappingPath string
}

// OptionsFromConfig maps the engine config section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SliceBudget:   cfg.Engine.SliceBudget(),
		SafetyMargin:  cfg.Engine.SafetyMargin(),
		FlushRows:     cfg.Engine.FlushRows,
		FlushInterval: cfg.Engine.FlushInterval(),
		ClaimJobs:     cfg.Engine.ClaimJobs,
		MaxReclaims:   cfg.Engine.MaxReclaims,
		LookupTimeout: 10 * time.Second,
		MappingPath:   cfg.FieldMap.Path,
	}
}

// Summary reports what a slice did.
type Summary struct {
	JobID         string          `json:"job_id"`
	Status        model.JobStatus `json:"status"`
	RowsTotal     int             `json:"rows_total"`
	RowsProcessed int             `json:"rows_processed"`
	RowsThisSlice int             `json:"rows_this_slice"`
	NewRecords    int             `json:"new_records"`
	MergedRecords int             `json:"merged_records"`
	SkippedRows   int             `json:"skipped_rows"`
	Classified    int             `json:"classified"`
	CacheHits     int             `json:"cache_hits"`
	Continued     bool            `json:"continued"`
	Skipped       bool            `json:"skipped"`
	Duration      time.Duration   `json:"duration_ns"`
}

// Engine runs slices. It is safe for concurrent use; each slice gets its own
// resolver memo and cache gate.
type Engine struct {
	store      store.Store
	blobs      blob.Store
	classifier Classifier
	sink       continuation.Sink
	opts       Options

	nowFunc func() time.Time
}

// New creates an Engine. A nil sink leaves resumption to the watchdog.
func New(st store.Store, blobs blob.Store, c Classifier, sink continuation.Sink, opts Options) *Engine {
	if sink == nil {
		sink = continuation.Nop{}
	}
	if opts.SliceBudget <= 0 {
		opts.SliceBudget = 5 * time.Minute
	}
	if opts.SafetyMargin <= 0 || opts.SafetyMargin >= opts.SliceBudget {
		opts.SafetyMargin = min(15*time.Second, opts.SliceBudget/10)
	}
	if opts.FlushRows <= 0 {
		opts.FlushRows = 25
	}
	return &Engine{store: st, blobs: blobs, classifier: c, sink: sink, opts: opts, nowFunc: time.Now}
}

// slice is the per-invocation state.
type slice struct {
	job    *model.Job
	upload *model.UploadedFile
	owner  string
	log    *zap.Logger

	start    time.Time
	deadline time.Time

	acc     *report.Accumulator
	cursor  int
	flushed int
	sum     *Summary
}

// RunSlice runs one slice of jobID. A terminal job is returned unchanged.
// Errors leave the job's status alone and are recorded as its last error;
// the next slice resumes from the last checkpoint.
func (e *Engine) RunSlice(ctx context.Context, jobID string) (sum Summary, err error) {
	start := e.nowFunc()
	sum = Summary{JobID: jobID}
	log := zap.L().With(zap.String("component", "engine"), zap.String("job_id", jobID))

	outcome := "error"
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("engine: slice panicked: %v", r)
			outcome = "error"
		}
		if err != nil {
			log.Error("engine: slice failed", zap.Error(err))
			e.recordError(ctx, jobID, err)
		}
		sum.Duration = e.nowFunc().Sub(start)
		metrics.SlicesTotal.WithLabelValues(outcome).Inc()
		metrics.SliceDuration.Observe(sum.Duration.Seconds())
	}()

	// 1. load; terminal jobs are a no-op
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return sum, eris.Wrapf(err, "engine: load job %s", jobID)
	}
	sum.Status = job.Status
	if job.Status.Terminal() {
		outcome = "terminal"
		log.Info("engine: job already terminal", zap.String("status", string(job.Status)))
		return sum, nil
	}

	s := &slice{
		job:      job,
		owner:    uuid.NewString(),
		log:      log,
		start:    start,
		deadline: start.Add(e.opts.SliceBudget - e.opts.SafetyMargin),
		sum:      &sum,
	}

	if e.opts.ClaimJobs {
		claimed, err := e.store.ClaimJob(ctx, jobID, s.owner, start, start.Add(-e.opts.SliceBudget))
		if err != nil {
			return sum, eris.Wrapf(err, "engine: claim job %s", jobID)
		}
		if !claimed {
			outcome = "skipped"
			sum.Skipped = true
			log.Info("engine: job claimed by another slice")
			return sum, nil
		}
		defer e.release(ctx, s)
	}

	if e.opts.MaxReclaims > 0 && job.ReclaimCount > e.opts.MaxReclaims {
		msg := fmt.Sprintf("engine: job reclaimed %d times, exceeding the limit of %d", job.ReclaimCount, e.opts.MaxReclaims)
		if job.LastError != "" {
			msg += "; last error: " + job.LastError
		}
		if err := e.store.FinishJob(ctx, jobID, model.JobStatusFailed, start, msg); err != nil {
			return sum, eris.Wrapf(err, "engine: fail job %s", jobID)
		}
		outcome = "failed"
		sum.Status = model.JobStatusFailed
		log.Warn("engine: reclaim limit exceeded, job failed", zap.Int("reclaim_count", job.ReclaimCount))
		return sum, nil
	}

	outcome, err = e.run(ctx, s)
	return sum, err
}

func (e *Engine) run(ctx context.Context, s *slice) (string, error) {
	job := s.job

	// 2. running, started_at set once
	if err := e.store.MarkRunning(ctx, job.ID, s.start); err != nil {
		return "error", eris.Wrapf(err, "engine: mark job %s running", job.ID)
	}
	s.sum.Status = model.JobStatusRunning

	// 3. row source and mapping
	upload, err := e.store.GetUpload(ctx, job.UploadID)
	if err != nil {
		return "error", eris.Wrapf(err, "engine: load upload %s", job.UploadID)
	}
	s.upload = upload
	data, err := e.blobs.Get(ctx, upload.Locator)
	if err != nil {
		return "error", eris.Wrapf(err, "engine: read upload blob %s", upload.Locator)
	}
	source, err := rows.Decode(upload.Filename, upload.ContentType, data)
	if err != nil {
		return "error", eris.Wrapf(err, "engine: decode upload %s", upload.ID)
	}
	mapping := fieldmap.Load(e.opts.MappingPath)

	// 4. rows_total once
	total := len(source)
	s.sum.RowsTotal = total
	if job.RowsTotal == nil {
		if err := e.store.SetRowsTotal(ctx, job.ID, total); err != nil {
			return "error", eris.Wrapf(err, "engine: set rows total for job %s", job.ID)
		}
	} else if *job.RowsTotal != total {
		s.log.Warn("engine: upload row count differs from recorded total",
			zap.Int("recorded", *job.RowsTotal), zap.Int("decoded", total))
	}

	outKey, cacheKey := job.OutputLocator, job.CacheLocator
	if outKey == "" {
		outKey = blob.JobOutputKey(job.ID)
	}
	if cacheKey == "" {
		cacheKey = blob.JobCacheKey(job.ID)
	}
	if job.OutputLocator == "" || job.CacheLocator == "" {
		if err := e.store.SetLocators(ctx, job.ID, outKey, cacheKey); err != nil {
			return "error", eris.Wrapf(err, "engine: set locators for job %s", job.ID)
		}
	}

	// 5. resume
	s.cursor = job.ResumeFrom()
	s.flushed = s.cursor
	s.sum.RowsProcessed = s.cursor
	if s.cursor >= total {
		return e.complete(ctx, s)
	}
	s.log.Info("engine: slice starting",
		zap.Int("cursor", s.cursor),
		zap.Int("rows_total", total),
		zap.Time("deadline", s.deadline),
	)

	s.acc = report.New(e.blobs, outKey, cacheKey, report.Options{
		FlushRows:     e.opts.FlushRows,
		FlushInterval: e.opts.FlushInterval,
		DeadlineSlack: e.opts.SafetyMargin / 3,
	})
	if err := s.acc.Open(ctx, s.cursor, s.start); err != nil {
		return "error", eris.Wrapf(err, "engine: open report for job %s", job.ID)
	}

	res := resolver.New(e.store, resolver.NewMemo(), e.opts.LookupTimeout)
	merger := merge.New(e.store, classify.NewGate(e.classifier, e.store), merge.Provenance{
		Name:    e.classifier.Name(),
		Version: e.classifier.PromptVersion(),
	})

	// 6. iterate
	for s.cursor < total {
		if err := ctx.Err(); err != nil {
			return e.abort(ctx, s, eris.Wrap(err, "engine: slice cancelled"))
		}
		if err := e.processRow(ctx, s, source[s.cursor], res, merger, mapping); err != nil {
			return e.abort(ctx, s, err)
		}
		s.cursor++
		s.sum.RowsThisSlice++
		s.sum.RowsProcessed = s.cursor

		now := e.nowFunc()
		if trigger, ok := s.acc.ShouldFlush(now, s.deadline); ok {
			if err := e.flush(ctx, s, now, trigger); err != nil {
				return "error", err
			}
		}
		if !now.Before(s.deadline) {
			s.log.Info("engine: slice deadline reached", zap.Int("cursor", s.cursor))
			break
		}
	}

	// 7. final flush, then finish or continue
	if err := e.flush(ctx, s, e.nowFunc(), report.TriggerFinal); err != nil {
		return "error", err
	}
	if s.cursor >= total {
		return e.complete(ctx, s)
	}
	return e.continueJob(ctx, s), nil
}

func (e *Engine) processRow(ctx context.Context, s *slice, row model.Row, res *resolver.Resolver, merger *merge.Merger, mapping *fieldmap.Mapping) error {
	enriched, err := merge.Enrich(ctx, row, res)
	if err != nil {
		return eris.Wrapf(err, "engine: resolve row %d", s.cursor)
	}

	out := row.Clone()
	pairID := ""
	if enriched.Complete() {
		pairID = enriched.PairID()
	}
	out.Set(ColPairID, pairID)

	if pairID == "" {
		s.log.Warn("engine: row has no concept code on one side, not merged", zap.Int("row", s.cursor))
		for _, k := range []string{ColRelationshipCode, ColRelationshipType, ColRationale, ColSourceCount} {
			out.Set(k, "")
		}
		out.Set(ColRecordStatus, RecordSkipped)
		s.sum.SkippedRows++
		s.acc.Append(out)
		return nil
	}

	mo, err := merger.Merge(ctx, pairID, enriched, mapping)
	if err != nil {
		return eris.Wrapf(err, "engine: merge row %d", s.cursor)
	}

	rec := mo.Record
	out.Set(ColRelationshipCode, strconv.Itoa(rec.RelationshipCode))
	out.Set(ColRelationshipType, rec.RelationshipType)
	out.Set(ColRationale, rec.Rationale)
	out.Set(ColSourceCount, strconv.Itoa(rec.SourceCount))
	if mo.IsNew {
		out.Set(ColRecordStatus, RecordNew)
		s.sum.NewRecords++
	} else {
		out.Set(ColRecordStatus, RecordMerged)
		s.sum.MergedRecords++
	}
	s.acc.Append(out)

	if cls := mo.Classification; cls != nil {
		if cls.Hit {
			s.sum.CacheHits++
		} else {
			s.sum.Classified++
		}
		if cls.Entry != nil {
			s.acc.QueueCacheRow(e.cacheRow(s, pairID, enriched, cls.Entry))
		}
	}
	return nil
}

func (e *Engine) cacheRow(s *slice, pairID string, en merge.Enriched, entry *model.CacheEntry) report.CacheRow {
	userID := ""
	if s.upload.UserID != nil {
		userID = *s.upload.UserID
	}
	return report.CacheRow{
		Timestamp:        entry.CreatedAt,
		JobID:            s.job.ID,
		UploadID:         s.upload.ID,
		UserID:           userID,
		RowIndex:         s.cursor,
		PairID:           pairID,
		CodeA:            en.ConceptA.Code,
		SystemA:          en.ConceptA.System,
		CodeB:            en.ConceptB.Code,
		SystemB:          en.ConceptB.System,
		ConceptA:         merge.Text(en.ConceptA),
		ConceptB:         merge.Text(en.ConceptB),
		Model:            entry.Model,
		RelationshipCode: entry.Code,
		RelationshipType: entry.Label,
		PromptTokens:     entry.PromptTokens,
		CompletionTokens: entry.CompletionTokens,
	}
}

// flush writes the report blobs and then the checkpoint. A crash between the
// two leaves extra report lines that the next Open trims.
func (e *Engine) flush(ctx context.Context, s *slice, now time.Time, trigger string) error {
	if err := s.acc.Flush(ctx, now, trigger); err != nil {
		return eris.Wrapf(err, "engine: flush job %s", s.job.ID)
	}
	if err := e.store.SaveProgress(ctx, s.job.ID, model.Progress{
		RowsProcessed: s.cursor,
		Cursor:        s.cursor,
		Heartbeat:     now,
	}); err != nil {
		return eris.Wrapf(err, "engine: checkpoint job %s", s.job.ID)
	}
	metrics.RowsProcessed.Add(float64(s.cursor - s.flushed))
	s.log.Debug("engine: flushed", zap.String("trigger", trigger), zap.Int("cursor", s.cursor))
	s.flushed = s.cursor
	return nil
}

// abort checkpoints the rows already merged before surfacing err, so a retry
// does not merge them twice.
func (e *Engine) abort(ctx context.Context, s *slice, err error) (string, error) {
	if s.cursor > s.flushed {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if ferr := e.flush(fctx, s, e.nowFunc(), report.TriggerFinal); ferr != nil {
			s.log.Warn("engine: checkpoint before abort failed", zap.Error(ferr))
		}
	}
	return "error", err
}

func (e *Engine) complete(ctx context.Context, s *slice) (string, error) {
	if err := e.store.FinishJob(ctx, s.job.ID, model.JobStatusCompleted, e.nowFunc(), ""); err != nil {
		return "error", eris.Wrapf(err, "engine: complete job %s", s.job.ID)
	}
	s.sum.Status = model.JobStatusCompleted
	s.log.Info("engine: job completed",
		zap.Int("rows_total", s.sum.RowsTotal),
		zap.Int("rows_this_slice", s.sum.RowsThisSlice),
		zap.Int("new_records", s.sum.NewRecords),
		zap.Int("merged_records", s.sum.MergedRecords),
	)
	return "completed", nil
}

// continueJob releases the claim before asking for the next slice so the
// next slice can claim immediately.
func (e *Engine) continueJob(ctx context.Context, s *slice) string {
	if e.opts.ClaimJobs {
		e.release(ctx, s)
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.sink.Continue(cctx, s.job.ID); err != nil {
		s.log.Warn("engine: continuation failed, watchdog will resume the job", zap.Error(err))
	} else {
		s.sum.Continued = true
	}
	s.log.Info("engine: slice done, job continues",
		zap.Int("cursor", s.cursor),
		zap.Int("rows_total", s.sum.RowsTotal),
		zap.Int("rows_this_slice", s.sum.RowsThisSlice),
		zap.Bool("continued", s.sum.Continued),
	)
	return "continued"
}

func (e *Engine) release(ctx context.Context, s *slice) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.ReleaseJob(rctx, s.job.ID, s.owner); err != nil {
		s.log.Warn("engine: release claim failed", zap.Error(err))
	}
}

func (e *Engine) recordError(ctx context.Context, jobID string, err error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := e.store.RecordError(rctx, jobID, err.Error()); rerr != nil {
		zap.L().Warn("engine: record error failed", zap.String("job_id", jobID), zap.Error(rerr))
	}
}
