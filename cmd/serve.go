package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/overhage/taxis/internal/continuation"
	"github.com/overhage/taxis/internal/engine"
	"github.com/overhage/taxis/internal/metrics"
	"github.com/overhage/taxis/internal/model"
	"github.com/overhage/taxis/internal/store"
)

var servePort int

// sliceRunner runs one slice of a job.
type sliceRunner interface {
	RunSlice(ctx context.Context, jobID string) (engine.Summary, error)
}

// jobReader loads jobs for status requests.
type jobReader interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
}

// cycleRunner runs one watchdog cycle.
type cycleRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// worker serves slice triggers. Background slices run on baseCtx, bounded
// by sem. Triggers that arrive while every slot is busy wait in a queue of
// the same size, so a slice can enqueue its own continuation while it still
// holds its slot.
type worker struct {
	slices    sliceRunner
	jobs      jobReader
	watchdog  cycleRunner
	sem       *semaphore.Weighted
	pending   *semaphore.Weighted
	baseCtx   context.Context
	budget    time.Duration
	queueWait time.Duration
	wg        sync.WaitGroup
}

func newWorker(ctx context.Context, slices sliceRunner, jobs jobReader, wd cycleRunner, maxBackground int, budget time.Duration) *worker {
	if maxBackground <= 0 {
		maxBackground = 4
	}
	queueWait := 2 * budget
	if queueWait <= 0 {
		queueWait = 10 * time.Minute
	}
	return &worker{
		slices:    slices,
		jobs:      jobs,
		watchdog:  wd,
		sem:       semaphore.NewWeighted(int64(maxBackground)),
		pending:   semaphore.NewWeighted(int64(maxBackground)),
		baseCtx:   ctx,
		budget:    budget,
		queueWait: queueWait,
	}
}

// runBounded runs a slice under the slice budget as a hard limit.
func (wk *worker) runBounded(ctx context.Context, jobID string) (engine.Summary, error) {
	if wk.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wk.budget)
		defer cancel()
	}
	return wk.slices.RunSlice(ctx, jobID)
}

// startBackground queues a slice detached from the request. It reports
// false when the queue is full. A queued slice waits up to queueWait for a
// slot; past that the watchdog picks the job up.
func (wk *worker) startBackground(jobID string) bool {
	if !wk.pending.TryAcquire(1) {
		return false
	}
	wk.wg.Add(1)
	go func() {
		defer wk.wg.Done()
		log := zap.L().With(zap.String("component", "serve"), zap.String("job_id", jobID))

		wctx, cancel := context.WithTimeout(wk.baseCtx, wk.queueWait)
		err := wk.sem.Acquire(wctx, 1)
		cancel()
		wk.pending.Release(1)
		if err != nil {
			log.Warn("no slot for queued slice", zap.Error(err))
			return
		}
		defer wk.sem.Release(1)

		sum, err := wk.runBounded(wk.baseCtx, jobID)
		if err != nil {
			log.Error("background slice failed", zap.Error(err))
			return
		}
		log.Info("background slice done",
			zap.String("status", string(sum.Status)),
			zap.Int("rows_this_slice", sum.RowsThisSlice),
		)
	}()
	return true
}

// runQueued blocks for a slot, then runs the slice inline. Used by queue
// consumers that should apply backpressure instead of dropping work.
func (wk *worker) runQueued(ctx context.Context, jobID string) {
	if err := wk.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer wk.sem.Release(1)
	if _, err := wk.runBounded(ctx, jobID); err != nil {
		zap.L().Error("queued slice failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// wait blocks until background slices finish.
func (wk *worker) wait() {
	wk.wg.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func buildRouter(wk *worker, origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		job, err := wk.jobs.GetJob(req.Context(), chi.URLParam(req, "id"))
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Post("/jobs/{id}/run", func(w http.ResponseWriter, req *http.Request) {
		sum, err := wk.runBounded(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "summary": sum})
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	r.Post("/jobs/{id}/continue", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		if !wk.startBackground(id) {
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, "worker queue full")
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job_id": id})
	})

	r.Post("/watchdog", func(w http.ResponseWriter, req *http.Request) {
		n, err := wk.watchdog.RunOnce(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reclaimed": n})
	})

	return r
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initWorker(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		wk := newWorker(ctx, env.Engine, env.Store, env.Watchdog, cfg.Server.MaxBackgroundSlices, cfg.Engine.SliceBudget())

		if cfg.Server.RunWatchdog {
			go env.Watchdog.Run(ctx)
		}
		if cfg.Continuation.Driver == "redis" {
			consumer, err := continuation.NewRedisConsumer(cfg.Continuation.RedisAddr, cfg.Continuation.RedisKey)
			if err != nil {
				return err
			}
			defer consumer.Close()
			go consumer.Run(ctx, wk.runQueued)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(wk, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		wk.wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
