package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overhage/taxis/internal/blob"
	"github.com/overhage/taxis/internal/classify"
	"github.com/overhage/taxis/internal/continuation"
	"github.com/overhage/taxis/internal/fieldmap"
	"github.com/overhage/taxis/internal/model"
	"github.com/overhage/taxis/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeClassifier answers "A causes B" and advances the clock per call.
type fakeClassifier struct {
	mu      sync.Mutex
	calls   int
	clock   *clock
	step    time.Duration
	explode bool
}

func (f *fakeClassifier) Classify(_ context.Context, in classify.Input) classify.Result {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.explode {
		panic("provider exploded")
	}
	f.clock.Advance(f.step)
	return classify.Result{
		Code: 1, Label: classify.Label(1), Rationale: in.ConceptA + " precedes " + in.ConceptB,
		Model: "m1", Usage: classify.Usage{PromptTokens: 100, CompletionTokens: 8},
	}
}

func (f *fakeClassifier) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClassifier) ModelKey() string      { return "m1" }
func (f *fakeClassifier) PromptVersion() string { return "v1" }
func (f *fakeClassifier) Name() string          { return "fake" }

type sinkRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (s *sinkRecorder) sink() continuation.Sink {
	return continuation.FuncSink(func(_ context.Context, jobID string) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.ids = append(s.ids, jobID)
		return nil
	})
}

type testEnv struct {
	st    *store.SQLiteStore
	blobs *blob.FS
	clock *clock
	cls   *fakeClassifier
	sent  *sinkRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "taxis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	fs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	c := &clock{now: t0}
	return &testEnv{st: st, blobs: fs, clock: c, cls: &fakeClassifier{clock: c}, sent: &sinkRecorder{}}
}

func (env *testEnv) engine(opts Options) *Engine {
	return env.engineWith(env.cls, opts)
}

func (env *testEnv) engineWith(c Classifier, opts Options) *Engine {
	e := New(env.st, env.blobs, c, env.sent.sink(), opts)
	e.nowFunc = env.clock.Now
	return e
}

// seed stores body as an upload and creates a queued job for it.
func (env *testEnv) seed(t *testing.T, jobID, body string) {
	t.Helper()
	ctx := context.Background()
	uploadID := "up-" + jobID
	key := blob.UploadKey(uploadID, "pairs.csv")
	require.NoError(t, env.blobs.Put(ctx, key, []byte(body), "text/csv"))

	user := "analyst"
	require.NoError(t, env.st.CreateUpload(ctx, &model.UploadedFile{
		ID: uploadID, Locator: key, Filename: "pairs.csv", ContentType: "text/csv",
		SizeBytes: int64(len(body)), UserID: &user, CreatedAt: t0,
	}))
	require.NoError(t, env.st.CreateJob(ctx, &model.Job{
		ID: jobID, UploadID: uploadID, Status: model.JobStatusQueued, CreatedAt: t0,
	}))
}

func (env *testEnv) job(t *testing.T, id string) *model.Job {
	t.Helper()
	j, err := env.st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (env *testEnv) lines(t *testing.T, key string) []string {
	t.Helper()
	data, err := env.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

const pairsCSV = "system_a,code_a,system_b,code_b,cooc_obs,lift_lower_95\n" +
	"SNOMED,1,SNOMED,2,3,1.5\n" +
	"SNOMED,1,SNOMED,2,5,2.0\n" +
	"SNOMED,3,SNOMED,4,1,1.1\n"

func distinctPairs(n int) string {
	var b strings.Builder
	b.WriteString("system_a,code_a,system_b,code_b,cooc_obs\n")
	for i := range n {
		b.WriteString("ICD10,A" + string(rune('0'+i)) + ",ICD10,B" + string(rune('0'+i)) + ",1\n")
	}
	return b.String()
}

func TestRunSlice_CompletesSmallJob(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", pairsCSV)
	ctx := context.Background()

	sum, err := env.engine(Options{}).RunSlice(ctx, "j1")
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, sum.Status)
	assert.Equal(t, 3, sum.RowsTotal)
	assert.Equal(t, 3, sum.RowsThisSlice)
	assert.Equal(t, 2, sum.NewRecords)
	assert.Equal(t, 1, sum.MergedRecords)
	assert.Equal(t, 2, sum.Classified)
	assert.False(t, sum.Continued)
	assert.Equal(t, 2, env.cls.Calls())
	assert.Empty(t, env.sent.ids)

	job := env.job(t, "j1")
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	require.NotNil(t, job.RowsTotal)
	assert.Equal(t, 3, *job.RowsTotal)
	assert.Equal(t, 3, job.RowsProcessed)
	assert.Equal(t, "jobs/j1/output.csv", job.OutputLocator)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	rec, err := env.st.GetRecord(ctx, "SNOMED|1|SNOMED|2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(8), fieldmap.Coerce(rec.Fields["cooc_obs"], fieldmap.Count))
	assert.InDelta(t, 1.5, fieldmap.Coerce(rec.Fields["lift_lower_95"], fieldmap.Stat), 1e-9)
	assert.Equal(t, 2, rec.SourceCount)
	assert.Equal(t, "fake", rec.ClassifierName)

	out := env.lines(t, job.OutputLocator)
	require.Len(t, out, 4)
	assert.Equal(t, "system_a,code_a,system_b,code_b,cooc_obs,lift_lower_95,pair_id,relationship_code,relationship_type,rationale,source_count,record_status", out[0])
	assert.True(t, strings.HasSuffix(out[1], ",1,new"))
	assert.True(t, strings.HasSuffix(out[2], ",2,merged"))

	cache := env.lines(t, job.CacheLocator)
	require.Len(t, cache, 3)
	assert.True(t, strings.HasPrefix(cache[0], "version,timestamp,job_id"))
	assert.Contains(t, cache[1], ",j1,up-j1,analyst,0,SNOMED|1|SNOMED|2,")
	assert.Contains(t, cache[2], ",2,SNOMED|3|SNOMED|4,")
}

func TestRunSlice_ResumesAcrossSlices(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", distinctPairs(5))
	env.cls.step = 3 * time.Second
	e := env.engine(Options{SliceBudget: 10 * time.Second, SafetyMargin: 2 * time.Second})
	ctx := context.Background()

	first, err := e.RunSlice(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, first.Status)
	assert.Equal(t, 3, first.RowsThisSlice)
	assert.True(t, first.Continued)
	assert.Equal(t, []string{"j1"}, env.sent.ids)

	job := env.job(t, "j1")
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.Equal(t, 3, job.RowsProcessed)
	assert.Equal(t, 3, job.ResumeFrom())
	assert.Len(t, env.lines(t, job.OutputLocator), 4)

	second, err := e.RunSlice(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, second.Status)
	assert.Equal(t, 2, second.RowsThisSlice)
	assert.Equal(t, 5, second.RowsProcessed)

	out := env.lines(t, job.OutputLocator)
	require.Len(t, out, 6)
	for i := range 5 {
		assert.Equal(t, 1, strings.Count(strings.Join(out, "\n"), ",ICD10|A"+string(rune('0'+i))+"|"), "row %d appears once", i)
	}
	assert.Equal(t, 1, strings.Count(strings.Join(out, "\n"), "system_a,"))
	assert.Equal(t, 5, env.cls.Calls())
	assert.Len(t, env.lines(t, job.CacheLocator), 6)

	n, err := env.st.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

const repeatedPairsCSV = "system_a,code_a,system_b,code_b,cooc_obs,lift_lower_95,source\n" +
	"SNOMED,1,SNOMED,2,3,1.5,\n" +
	"SNOMED,3,SNOMED,4,2,1.1,site-c\n" +
	"SNOMED,1,SNOMED,2,5,2.0,site-a\n" +
	"SNOMED,5,SNOMED,6,4,,site-d\n" +
	"SNOMED,3,SNOMED,4,6,1.9,\n" +
	"SNOMED,1,SNOMED,2,7,,site-b\n"

// recordsByPair runs job to completion and returns the stored records.
func recordsByPair(t *testing.T, env *testEnv, e *Engine, jobID string) (map[string]model.MasterRecord, int) {
	t.Helper()
	ctx := context.Background()
	slices := 0
	for {
		sum, err := e.RunSlice(ctx, jobID)
		require.NoError(t, err)
		slices++
		if sum.Status.Terminal() {
			break
		}
		require.Less(t, slices, 20, "job did not finish")
	}

	recs, err := env.st.ListRecords(ctx, 100, 0)
	require.NoError(t, err)
	out := make(map[string]model.MasterRecord, len(recs))
	for _, r := range recs {
		out[r.PairID] = r
	}
	return out, slices
}

func TestRunSlice_RepeatedPairsAcrossSlicesMatchSingleRun(t *testing.T) {
	single := newTestEnv(t)
	single.seed(t, "j1", repeatedPairsCSV)
	want, n := recordsByPair(t, single, single.engine(Options{}), "j1")
	require.Equal(t, 1, n)

	sliced := newTestEnv(t)
	sliced.seed(t, "j1", repeatedPairsCSV)
	sliced.cls.step = 3 * time.Second
	e := sliced.engine(Options{SliceBudget: 7 * time.Second, SafetyMargin: time.Second, FlushRows: 1})
	got, n := recordsByPair(t, sliced, e, "j1")
	assert.GreaterOrEqual(t, n, 2)

	require.Len(t, got, 3)
	require.Len(t, want, 3)
	for id, w := range want {
		g, ok := got[id]
		require.True(t, ok, id)
		assert.Equal(t, w.Fields, g.Fields, id)
		assert.Equal(t, w.SourceCount, g.SourceCount, id)
		assert.Equal(t, w.RelationshipCode, g.RelationshipCode, id)
		assert.Equal(t, w.Rationale, g.Rationale, id)
	}

	p1 := got["SNOMED|1|SNOMED|2"]
	assert.Equal(t, int64(15), fieldmap.Coerce(p1.Fields["cooc_obs"], fieldmap.Count))
	assert.InDelta(t, 1.5, fieldmap.Coerce(p1.Fields["lift_lower_95"], fieldmap.Stat), 1e-9)
	assert.Equal(t, "site-a", p1.Fields["source"])
	assert.Equal(t, 3, p1.SourceCount)

	p2 := got["SNOMED|3|SNOMED|4"]
	assert.Equal(t, int64(8), fieldmap.Coerce(p2.Fields["cooc_obs"], fieldmap.Count))
	assert.Equal(t, "site-c", p2.Fields["source"])
	assert.Equal(t, 2, p2.SourceCount)

	assert.Equal(t, 3, sliced.cls.Calls())
	job := sliced.job(t, "j1")
	assert.Len(t, sliced.lines(t, job.OutputLocator), 7)
}

func TestRunSlice_TerminalJobIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", pairsCSV)
	e := env.engine(Options{})
	ctx := context.Background()

	_, err := e.RunSlice(ctx, "j1")
	require.NoError(t, err)
	calls := env.cls.Calls()
	before := env.lines(t, blob.JobOutputKey("j1"))

	sum, err := e.RunSlice(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, sum.Status)
	assert.Zero(t, sum.RowsThisSlice)
	assert.Equal(t, calls, env.cls.Calls())
	assert.Equal(t, before, env.lines(t, blob.JobOutputKey("j1")))

	rec, err := env.st.GetRecord(ctx, "SNOMED|1|SNOMED|2")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.SourceCount)
}

func TestRunSlice_KnownPairsAreNotReclassified(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", pairsCSV)
	env.seed(t, "j2", pairsCSV)
	e := env.engine(Options{})
	ctx := context.Background()

	_, err := e.RunSlice(ctx, "j1")
	require.NoError(t, err)
	sum, err := e.RunSlice(ctx, "j2")
	require.NoError(t, err)

	assert.Equal(t, 2, env.cls.Calls())
	assert.Zero(t, sum.NewRecords)
	assert.Equal(t, 3, sum.MergedRecords)

	rec, err := env.st.GetRecord(ctx, "SNOMED|1|SNOMED|2")
	require.NoError(t, err)
	assert.Equal(t, int64(16), fieldmap.Coerce(rec.Fields["cooc_obs"], fieldmap.Count))
	assert.Equal(t, 4, rec.SourceCount)

	// Nothing new was classified, so j2 exports no cache rows.
	_, err = env.blobs.Get(ctx, blob.JobCacheKey("j2"))
	assert.True(t, eris.Is(err, blob.ErrNotFound))
}

func TestRunSlice_ClaimHeldByAnotherSlice(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", pairsCSV)
	ctx := context.Background()

	ok, err := env.st.ClaimJob(ctx, "j1", "other-worker", t0, t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := env.engine(Options{ClaimJobs: true}).RunSlice(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, sum.Skipped)
	assert.Zero(t, env.cls.Calls())
	assert.Equal(t, model.JobStatusQueued, env.job(t, "j1").Status)
}

func TestRunSlice_StaleClaimIsTakenOver(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", pairsCSV)
	ctx := context.Background()

	ok, err := env.st.ClaimJob(ctx, "j1", "crashed-worker", t0.Add(-time.Hour), t0.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := env.engine(Options{ClaimJobs: true}).RunSlice(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, sum.Skipped)
	assert.Equal(t, model.JobStatusCompleted, sum.Status)
	assert.Nil(t, env.job(t, "j1").LockedBy)
}

func TestRunSlice_ClaimReleasedBeforeContinuation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", distinctPairs(4))
	env.cls.step = 3 * time.Second

	var lockedAtContinue *string
	e := New(env.st, env.blobs, env.cls, continuation.FuncSink(func(ctx context.Context, jobID string) error {
		j, err := env.st.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		lockedAtContinue = j.LockedBy
		return nil
	}), Options{SliceBudget: 10 * time.Second, SafetyMargin: 2 * time.Second, ClaimJobs: true})
	e.nowFunc = env.clock.Now

	sum, err := e.RunSlice(context.Background(), "j1")
	require.NoError(t, err)
	assert.True(t, sum.Continued)
	assert.Nil(t, lockedAtContinue)
}

func TestRunSlice_ReclaimLimitFailsJob(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", pairsCSV)
	ctx := context.Background()

	for range 2 {
		require.NoError(t, env.st.MarkRunning(ctx, "j1", t0))
		ok, err := env.st.RequeueJob(ctx, "j1")
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, env.st.RecordError(ctx, "j1", "vocabulary timeout"))

	sum, err := env.engine(Options{MaxReclaims: 1}).RunSlice(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, sum.Status)

	job := env.job(t, "j1")
	assert.Equal(t, model.JobStatusFailed, job.Status)
	assert.Contains(t, job.LastError, "reclaimed 2 times")
	assert.Contains(t, job.LastError, "vocabulary timeout")
	assert.Zero(t, env.cls.Calls())
}

func TestRunSlice_MissingUploadBlobRecordsError(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", pairsCSV)
	ctx := context.Background()
	require.NoError(t, env.st.CreateUpload(ctx, &model.UploadedFile{
		ID: "up-gone", Locator: "uploads/up-gone/pairs.csv", Filename: "pairs.csv", CreatedAt: t0,
	}))
	require.NoError(t, env.st.CreateJob(ctx, &model.Job{ID: "j2", UploadID: "up-gone", Status: model.JobStatusQueued, CreatedAt: t0}))

	_, err := env.engine(Options{}).RunSlice(ctx, "j2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine: read upload blob")

	job := env.job(t, "j2")
	assert.False(t, job.Status.Terminal())
	assert.Contains(t, job.LastError, "blob: not found")
}

func TestRunSlice_UnknownJob(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine(Options{}).RunSlice(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, eris.Is(err, store.ErrNotFound))
}

func TestRunSlice_RowsWithoutCodesAreReportedNotMerged(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", "system_a,code_a,system_b,code_b,cooc_obs\nS,1,S,,4\nS,1,S,2,4\n")

	sum, err := env.engine(Options{}).RunSlice(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.SkippedRows)
	assert.Equal(t, 1, sum.NewRecords)

	out := env.lines(t, blob.JobOutputKey("j1"))
	require.Len(t, out, 3)
	assert.True(t, strings.HasSuffix(out[1], ",skipped"))
	assert.True(t, strings.HasSuffix(out[2], ",new"))
}

func TestRunSlice_PanicIsRecovered(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", pairsCSV)
	env.cls.explode = true

	_, err := env.engine(Options{}).RunSlice(context.Background(), "j1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slice panicked: provider exploded")
	assert.Contains(t, env.job(t, "j1").LastError, "provider exploded")
}

// fallbackProvider does not serve "retired" and answers on any other model.
type fallbackProvider struct {
	mu     sync.Mutex
	models []string
}

func (p *fallbackProvider) Name() string { return "stub" }

func (p *fallbackProvider) Complete(_ context.Context, m string, _ classify.Prompt, _ int) (classify.Reply, error) {
	p.mu.Lock()
	p.models = append(p.models, m)
	p.mu.Unlock()
	if m == "retired" {
		return classify.Reply{}, &classify.UnavailableError{Model: m, Err: eris.New("model_not_found")}
	}
	return classify.Reply{Text: "5: Common cause: shared risk factors", Model: m, Usage: classify.Usage{PromptTokens: 50, CompletionTokens: 6}}, nil
}

func TestRunSlice_ModelFallback(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "j1", "system_a,code_a,system_b,code_b\nS,1,S,2\n")
	p := &fallbackProvider{}
	c := classify.New(p, classify.Options{Models: []string{"retired", "current"}})

	sum, err := env.engineWith(c, Options{}).RunSlice(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Classified)
	assert.Equal(t, []string{"retired", "current"}, p.models)

	rec, err := env.st.GetRecord(context.Background(), "S|1|S|2")
	require.NoError(t, err)
	assert.Equal(t, 5, rec.RelationshipCode)
	assert.Equal(t, "shared risk factors", rec.Rationale)
	assert.Equal(t, "stub", rec.ClassifierName)

	cache := env.lines(t, blob.JobCacheKey("j1"))
	require.Len(t, cache, 2)
	assert.Contains(t, cache[1], ",current,5,")
}
