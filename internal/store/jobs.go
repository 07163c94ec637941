package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/openmsg/mailsync/internal/model"
	"github.com/openmsg/mailsync/internal/param"
)

// InsertJob persists a new job and fills in its row ID.
func (s *SQLiteStore) InsertJob(ctx context.Context, job *model.Job) error {
	lane, ok := model.LaneOf(job.Action)
	if !ok {
		return fmt.Errorf("inserting job: unknown action %d", int(job.Action))
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (added_timestamp, desired_timestamp, action, thread, foreign_id, tries, param)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.AddedTimestamp, job.DesiredTimestamp,
		int(job.Action), int(lane), job.ForeignID,
		job.Tries, job.Param.String(),
	)
	if err != nil {
		return fmt.Errorf("inserting %s job: %w", job.Action, err)
	}

	job.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading inserted job id: %w", err)
	}
	return nil
}

// UpdateJob rewrites the mutable columns of an existing job.
func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET desired_timestamp = ?, tries = ?, param = ?
		WHERE id = ?`,
		job.DesiredTimestamp, job.Tries, job.Param.String(), job.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job %d: %w", job.ID, err)
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting job %d: %w", id, err)
	}
	return nil
}

// DueJobs returns the jobs on a lane whose desired time has passed,
// highest action code first, oldest first within an action.
func (s *SQLiteStore) DueJobs(ctx context.Context, lane model.Lane, now int64) ([]*model.Job, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, added_timestamp, desired_timestamp, action, foreign_id, tries, param
		FROM jobs
		WHERE thread = ? AND desired_timestamp <= ?
		ORDER BY action DESC, added_timestamp`,
		int(lane), now,
	)
	if err != nil {
		return nil, fmt.Errorf("querying due jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ProbingJobs returns the jobs on a lane that have failed at least once,
// ordered by their scheduled time. Used after connectivity returns to
// drain the retry backlog without waiting out the remaining delays.
func (s *SQLiteStore) ProbingJobs(ctx context.Context, lane model.Lane) ([]*model.Job, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, added_timestamp, desired_timestamp, action, foreign_id, tries, param
		FROM jobs
		WHERE thread = ? AND tries > 0
		ORDER BY desired_timestamp, action DESC`,
		int(lane),
	)
	if err != nil {
		return nil, fmt.Errorf("querying probing jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// KillAction deletes every queued job with the given action. Used by
// exclusive jobs to supersede queued duplicates.
func (s *SQLiteStore) KillAction(ctx context.Context, action model.Action) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE action = ?", int(action))
	if err != nil {
		return fmt.Errorf("killing %s jobs: %w", action, err)
	}
	return nil
}

// ActionExists reports whether any job with the given action is queued.
func (s *SQLiteStore) ActionExists(ctx context.Context, action model.Action) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM jobs WHERE action = ?", int(action),
	)
	if err != nil {
		return false, fmt.Errorf("checking for %s jobs: %w", action, err)
	}
	return count > 0, nil
}

// JobExistsForMessage reports whether a job with the given action already
// references the message, regardless of schedule.
func (s *SQLiteStore) JobExistsForMessage(ctx context.Context, action model.Action, foreignID int64) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM jobs WHERE action = ? AND foreign_id = ?",
		int(action), foreignID,
	)
	if err != nil {
		return false, fmt.Errorf("checking for %s job on message %d: %w", action, foreignID, err)
	}
	return count > 0, nil
}

// MinDesiredTimestamp returns the earliest desired time of any job on the
// lane. ok is false when the lane is empty.
func (s *SQLiteStore) MinDesiredTimestamp(ctx context.Context, lane model.Lane) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.GetContext(ctx, &ts,
		"SELECT MIN(desired_timestamp) FROM jobs WHERE thread = ?", int(lane),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("querying min desired timestamp: %w", err)
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// SpoolFilesReferenced returns the set of spool file paths any queued job
// still references. Housekeeping deletes spool files outside this set.
func (s *SQLiteStore) SpoolFilesReferenced(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT param FROM jobs")
	if err != nil {
		return nil, fmt.Errorf("querying job params: %w", err)
	}
	defer rows.Close()

	files := make(map[string]bool)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning job param: %w", err)
		}
		if f, ok := param.Parse(raw).Get(param.KeyFile); ok && f != "" {
			files[f] = true
		}
	}
	return files, rows.Err()
}

// scanJobs scans job rows from a sqlx.Rows result set.
func scanJobs(rows *sqlx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		var (
			job    model.Job
			action int
			raw    string
		)
		err := rows.Scan(
			&job.ID, &job.AddedTimestamp, &job.DesiredTimestamp,
			&action, &job.ForeignID, &job.Tries, &raw,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		job.Action = model.Action(action)
		job.Param = param.Parse(raw)
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
