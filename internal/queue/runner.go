package queue

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/openmsg/mailsync/internal/model"
	"github.com/openmsg/mailsync/internal/param"
	"github.com/openmsg/mailsync/internal/store"
)

// Handler executes one job attempt and reports its disposition. A
// handler records the failure reason in job.PendingError when it does
// not return Done.
type Handler func(ctx context.Context, job *model.Job) model.Disposition

// Suspender pauses a sibling worker for the duration of an exclusive job.
type Suspender interface {
	Suspend()
	Unsuspend()
}

// Runner drains due jobs for one lane.
type Runner struct {
	log   zerolog.Logger
	store *store.SQLiteStore
	lane  model.Lane

	handlers  map[model.Action]Handler
	exclusive map[model.Action]bool
	siblings  []Suspender

	// onAbandon is invoked when a job hits the retry ceiling, after the
	// job row is removed.
	onAbandon func(job *model.Job)

	// randInt63n is swapped out in tests for deterministic backoff.
	randInt63n func(n int64) int64
	now        func() int64
}

// NewRunner returns a runner for one lane with no handlers registered.
func NewRunner(s *store.SQLiteStore, lane model.Lane, logger zerolog.Logger) *Runner {
	return &Runner{
		log:        logger.With().Str("component", "runner").Stringer("lane", lane).Logger(),
		store:      s,
		lane:       lane,
		handlers:   make(map[model.Action]Handler),
		exclusive:  make(map[model.Action]bool),
		randInt63n: rand.Int63n,
		now:        func() int64 { return time.Now().Unix() },
	}
}

// Register binds a handler to an action. Exclusive actions supersede
// queued duplicates and run with every sibling worker suspended.
func (r *Runner) Register(action model.Action, exclusive bool, h Handler) {
	r.handlers[action] = h
	if exclusive {
		r.exclusive[action] = true
	}
}

// AddSibling registers a worker to suspend around exclusive jobs.
func (r *Runner) AddSibling(s Suspender) {
	r.siblings = append(r.siblings, s)
}

// OnAbandon sets the retry-ceiling callback.
func (r *Runner) OnAbandon(f func(job *model.Job)) {
	r.onAbandon = f
}

// RunPending executes one pass over the lane's runnable jobs. In a
// normal pass these are the jobs whose desired time has arrived; in a
// probing pass (after connectivity returned) every previously failed
// job is attempted regardless of its remaining delay.
func (r *Runner) RunPending(ctx context.Context, probing bool) {
	var (
		jobs []*model.Job
		err  error
	)
	if probing {
		jobs, err = r.store.ProbingJobs(ctx, r.lane)
	} else {
		jobs, err = r.store.DueJobs(ctx, r.lane, r.now())
	}
	if err != nil {
		r.log.Error().Err(err).Bool("probing", probing).Msg("loading runnable jobs")
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		if r.exclusive[job.Action] {
			r.runExclusive(ctx, job)
			// The pass ends here: the exclusive job may have invalidated
			// everything loaded above (connections, queued siblings).
			return
		}
		r.runOne(ctx, job)
	}
}

// runOne executes a single non-exclusive job through to its final
// disposition for this pass.
func (r *Runner) runOne(ctx context.Context, job *model.Job) {
	handler, ok := r.handlers[job.Action]
	if !ok {
		r.log.Error().Stringer("action", job.Action).Int64("job_id", job.ID).
			Msg("no handler registered, dropping job")
		r.delete(ctx, job)
		return
	}

	r.log.Debug().Stringer("action", job.Action).Int64("job_id", job.ID).
		Int("tries", job.Tries).Msg("running job")

	d := handler(ctx, job)
	if d == model.RetryNowThenBackoff {
		// One immediate extra attempt; a second failure of any kind goes
		// through regular backoff.
		r.log.Debug().Int64("job_id", job.ID).Msg("immediate retry")
		d = handler(ctx, job)
		if d == model.RetryNowThenBackoff {
			d = model.RetryWithBackoff
		}
	}

	switch d {
	case model.Done:
		r.delete(ctx, job)
	case model.NotYetReady:
		// No attempt counted, no delay added; the job stays as-is.
	case model.RetryWithBackoff:
		r.reschedule(ctx, job)
	}
}

// runExclusive supersedes queued duplicates, pauses the sibling workers,
// and runs the job. Exclusive jobs do not retry; whatever they achieve
// in one attempt is final.
func (r *Runner) runExclusive(ctx context.Context, job *model.Job) {
	handler, ok := r.handlers[job.Action]
	if !ok {
		r.log.Error().Stringer("action", job.Action).Int64("job_id", job.ID).
			Msg("no handler registered, dropping exclusive job")
		r.delete(ctx, job)
		return
	}

	// Queued duplicates (including this job's own row) are superseded.
	if err := r.store.KillAction(ctx, job.Action); err != nil {
		r.log.Error().Err(err).Stringer("action", job.Action).Msg("superseding queued jobs")
	}

	for _, s := range r.siblings {
		s.Suspend()
	}
	defer func() {
		for _, s := range r.siblings {
			s.Unsuspend()
		}
	}()

	r.log.Info().Stringer("action", job.Action).Int64("job_id", job.ID).Msg("running exclusive job")
	if d := handler(ctx, job); d != model.Done {
		r.log.Warn().Stringer("action", job.Action).Err(job.PendingError).
			Stringer("disposition", d).Msg("exclusive job did not complete")
	}
}

// reschedule counts the failed attempt and pushes the job into its next
// backoff window, or abandons it at the ceiling.
func (r *Runner) reschedule(ctx context.Context, job *model.Job) {
	job.Tries++
	if job.PendingError != nil {
		job.Param.Set(param.KeyError, job.PendingError.Error())
	}

	if job.Tries >= model.MaxTries {
		r.log.Warn().Stringer("action", job.Action).Int64("job_id", job.ID).
			Err(job.PendingError).Msg("retry ceiling reached, abandoning job")
		r.delete(ctx, job)
		if r.onAbandon != nil {
			r.onAbandon(job)
		}
		return
	}

	offset := backoffOffset(job.Tries, r.randInt63n)
	job.DesiredTimestamp = job.AddedTimestamp + offset

	r.log.Debug().Stringer("action", job.Action).Int64("job_id", job.ID).
		Int("tries", job.Tries).Int64("delay_s", offset).Msg("rescheduling job")

	if err := r.store.UpdateJob(ctx, job); err != nil {
		r.log.Error().Err(err).Int64("job_id", job.ID).Msg("persisting reschedule")
	}
}

// delete removes the job row, logging failures.
func (r *Runner) delete(ctx context.Context, job *model.Job) {
	if err := r.store.DeleteJob(ctx, job.ID); err != nil {
		r.log.Error().Err(err).Int64("job_id", job.ID).Msg("deleting job")
	}
}

// backoffOffset returns a randomized delay in seconds for a job that has
// now failed tries times: uniform in [1, N] where N doubles with every
// failure starting at one minute. The delay anchors on the enqueue time,
// so consecutive windows overlap instead of drifting ever further out.
func backoffOffset(tries int, randInt63n func(int64) int64) int64 {
	window := int64(60) << uint(tries-1)
	return 1 + randInt63n(window)
}
