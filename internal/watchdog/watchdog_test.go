package watchdog

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/overhage/taxis/internal/config"
	"github.com/overhage/taxis/internal/continuation"
	"github.com/overhage/taxis/internal/model"
	"github.com/overhage/taxis/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recorder) Continue(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

func (r *recorder) sorted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.ids...)
	slices.Sort(out)
	return out
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "taxis.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seed(t *testing.T, st store.Store, id string, running bool, heartbeat time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateUpload(ctx, &model.UploadedFile{ID: "up-" + id, Locator: "x", Filename: "x.csv", CreatedAt: t0}))
	require.NoError(t, st.CreateJob(ctx, &model.Job{ID: id, UploadID: "up-" + id, Status: model.JobStatusQueued, CreatedAt: t0}))
	if running {
		require.NoError(t, st.MarkRunning(ctx, id, heartbeat))
		require.NoError(t, st.SaveProgress(ctx, id, model.Progress{RowsProcessed: 7, Cursor: 5, Heartbeat: heartbeat}))
	}
}

func newWatchdog(st JobStore, sink continuation.Sink, now time.Time) *Watchdog {
	w := New(st, sink, config.WatchdogConfig{StaleAfterSecs: 120, BatchSize: 10, Concurrency: 2})
	w.nowFunc = func() time.Time { return now }
	return w
}

func TestRunOnce_ReclaimsQueuedAndStale(t *testing.T) {
	st := newStore(t)
	now := t0.Add(time.Hour)
	seed(t, st, "queued", false, time.Time{})
	seed(t, st, "stale", true, now.Add(-10*time.Minute))
	seed(t, st, "fresh", true, now.Add(-30*time.Second))
	seed(t, st, "done", false, time.Time{})
	require.NoError(t, st.FinishJob(context.Background(), "done", model.JobStatusCompleted, now, ""))

	sink := &recorder{}
	n, err := newWatchdog(st, sink, now).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"queued", "stale"}, sink.sorted())

	stale, err := st.GetJob(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, stale.Status)
	assert.Equal(t, 7, stale.Cursor, "cursor moves up to rows_processed")
	assert.Equal(t, 1, stale.ReclaimCount)

	fresh, err := st.GetJob(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRunning, fresh.Status)
}

func TestRunOnce_TriggerFailureDoesNotStopBatch(t *testing.T) {
	st := newStore(t)
	seed(t, st, "a", false, time.Time{})
	seed(t, st, "b", false, time.Time{})

	sink := &recorder{err: eris.New("worker unreachable")}
	n, err := newWatchdog(st, sink, t0).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, sink.sorted())
}

// dupStore lists the same job twice and fails requeue for "bad".
type dupStore struct {
	mu       sync.Mutex
	requeued map[string]int
	listErr  error
}

func (d *dupStore) ListReclaimable(context.Context, time.Time, int) ([]model.Job, error) {
	if d.listErr != nil {
		return nil, d.listErr
	}
	return []model.Job{{ID: "j1"}, {ID: "j1"}, {ID: "bad"}, {ID: "j2"}}, nil
}

func (d *dupStore) RequeueJob(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requeued[id]++
	if id == "bad" {
		return false, eris.New("deadlock detected")
	}
	return true, nil
}

func TestRunOnce_DedupsAndSurvivesRequeueErrors(t *testing.T) {
	st := &dupStore{requeued: map[string]int{}}
	sink := &recorder{}
	n, err := newWatchdog(st, sink, t0).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, st.requeued["j1"])
	assert.Equal(t, []string{"j1", "j2"}, sink.sorted())
}

func TestRunOnce_ListError(t *testing.T) {
	st := &dupStore{listErr: eris.New("connection refused")}
	_, err := newWatchdog(st, &recorder{}, t0).RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watchdog: list reclaimable jobs")
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := &dupStore{requeued: map[string]int{}}
	w := New(st, &recorder{}, config.WatchdogConfig{IntervalSecs: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Watchdog.Run did not stop after context cancellation")
	}
}

func TestNew_Defaults(t *testing.T) {
	w := New(&dupStore{}, continuation.Nop{}, config.WatchdogConfig{})
	assert.Equal(t, time.Minute, w.cfg.Interval())
	assert.Equal(t, 2*time.Minute, w.cfg.StaleAfter())
	assert.Equal(t, 10, w.cfg.BatchSize)
	assert.Equal(t, 4, w.cfg.Concurrency)
}
