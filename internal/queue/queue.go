// Package queue implements the persistent job queue: enqueueing with
// lane classification and wakeups, and the per-lane runner that executes
// due jobs with exponential backoff.
package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openmsg/mailsync/internal/model"
	"github.com/openmsg/mailsync/internal/store"
)

// Queue enqueues jobs and wakes the lane that has to run them.
type Queue struct {
	log   zerolog.Logger
	store *store.SQLiteStore

	wakers map[model.Lane]func()
}

// NewQueue returns a queue persisting into s.
func NewQueue(s *store.SQLiteStore, logger zerolog.Logger) *Queue {
	return &Queue{
		log:    logger.With().Str("component", "queue").Logger(),
		store:  s,
		wakers: make(map[model.Lane]func()),
	}
}

// OnWake registers the wakeup callback for a lane. Called once per lane
// during wiring, before any Add.
func (q *Queue) OnWake(lane model.Lane, f func()) {
	q.wakers[lane] = f
}

// Add validates, persists, and announces a job. Jobs with unknown
// actions are rejected; nothing may enter the queue that no lane claims.
func (q *Queue) Add(ctx context.Context, job *model.Job) error {
	lane, ok := model.LaneOf(job.Action)
	if !ok {
		return fmt.Errorf("enqueueing job: unknown action %d", int(job.Action))
	}

	if err := q.store.InsertJob(ctx, job); err != nil {
		return err
	}

	q.log.Debug().
		Stringer("action", job.Action).
		Stringer("lane", lane).
		Int64("job_id", job.ID).
		Int64("message_id", job.ForeignID).
		Msg("job queued")

	if wake := q.wakers[lane]; wake != nil {
		wake()
	}
	return nil
}
