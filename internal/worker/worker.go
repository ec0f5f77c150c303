// Package worker consumes side-effect jobs and keeps the queue honest with a
// periodic reconciliation scan over the store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"quiver/api/internal/queue"
	"quiver/api/internal/store"
)

// reconcileCursor names the single cursor row tracking how far the scan got.
const reconcileCursor = "published_scan"

// Handler processes one job. Handlers must be idempotent and order
// independent: the queue delivers at least once, in no particular order.
type Handler interface {
	Handle(ctx context.Context, job queue.Job) error
}

type namedHandler struct {
	name    string
	handler Handler
}

type reconcileStore interface {
	GetJobsCursor(ctx context.Context, name string) (string, error)
	SetJobsCursor(ctx context.Context, name, scannedTo string) error
	ListPublishedTipsSince(ctx context.Context, since time.Time, afterID string) ([]store.ContentObject, error)
}

type Worker struct {
	queue          *queue.Client
	store          reconcileStore
	handlers       []namedHandler
	concurrency    int
	reconcileEvery time.Duration
	log            zerolog.Logger
}

func New(jobs *queue.Client, dataStore reconcileStore, concurrency int, reconcileEvery time.Duration, log zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		queue:          jobs,
		store:          dataStore,
		concurrency:    concurrency,
		reconcileEvery: reconcileEvery,
		log:            log,
	}
}

// Register adds a handler. Every registered handler runs for every job.
func (w *Worker) Register(name string, handler Handler) {
	w.handlers = append(w.handlers, namedHandler{name: name, handler: handler})
}

// Run consumes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consume(ctx)
		}()
	}
	if w.reconcileEvery > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.reconcileLoop(ctx)
		}()
	}
	wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error().Err(err).Msg("dequeue job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, *job)
	}
}

// process runs every handler for the job and retries the whole job when any
// of them fails. Handlers are idempotent, so the ones that already succeeded
// converge again on the retry.
func (w *Worker) process(ctx context.Context, job queue.Job) {
	var errs []error
	for _, h := range w.handlers {
		if err := h.handler.Handle(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	if len(errs) == 0 {
		w.log.Debug().Str("jobId", job.ID).Str("action", job.Action).Msg("job done")
		return
	}

	err := errors.Join(errs...)
	dead, rerr := w.queue.Retry(ctx, job)
	if rerr != nil {
		w.log.Error().Err(rerr).Str("jobId", job.ID).Msg("schedule retry")
		return
	}
	if dead {
		w.log.Error().Err(err).
			Str("jobId", job.ID).
			Str("staticId", job.StaticID).
			Int("attempt", job.Attempt).
			Msg("job exhausted retries, dead-lettered")
		return
	}
	w.log.Warn().Err(err).
		Str("jobId", job.ID).
		Str("staticId", job.StaticID).
		Int("attempt", job.Attempt).
		Msg("job failed, retry scheduled")
}

func (w *Worker) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(w.reconcileEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.reconcile(ctx); err != nil {
				w.log.Error().Err(err).Msg("reconciliation scan")
			}
		}
	}
}

// reconcile re-enqueues jobs for published tips written after the cursor.
// This closes the gap left by a crash between commit and enqueue; handlers
// tolerate the duplicates it produces for rows whose job did go out.
func (w *Worker) reconcile(ctx context.Context) error {
	cursor, err := w.store.GetJobsCursor(ctx, reconcileCursor)
	if err != nil {
		return err
	}
	since, afterID := parseCursor(cursor)
	tips, err := w.store.ListPublishedTipsSince(ctx, since, afterID)
	if err != nil {
		return err
	}
	if len(tips) == 0 {
		return nil
	}

	for _, tip := range tips {
		action := queue.ActionUpdate
		if tip.IsArchived {
			action = queue.ActionArchive
		}
		if _, err := w.queue.Enqueue(ctx, queue.Job{
			ObjectID: tip.ID,
			StaticID: tip.StaticID,
			Action:   action,
		}); err != nil {
			// Leave the cursor behind this tip so the next scan retries it.
			return fmt.Errorf("re-enqueue %s: %w", tip.StaticID, err)
		}
		if err := w.store.SetJobsCursor(ctx, reconcileCursor, formatCursor(tip.CreatedAt, tip.ID)); err != nil {
			return err
		}
	}
	w.log.Info().Int("count", len(tips)).Msg("reconciliation re-enqueued tips")
	return nil
}

// The cursor records the last scanned tip as "timestamp|id". The id breaks
// ties between tips sharing a created_at, so a crash between two such tips
// resumes at the right row instead of skipping the second.
func formatCursor(createdAt time.Time, id string) string {
	return createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
}

func parseCursor(cursor string) (time.Time, string) {
	if cursor == "" {
		return time.Time{}, ""
	}
	ts, id, _ := strings.Cut(cursor, "|")
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, ""
	}
	return parsed, id
}
