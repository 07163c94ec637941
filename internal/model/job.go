package model

import (
	"fmt"
	"time"

	"github.com/openmsg/mailsync/internal/param"
)

// Action identifies what a queued job does. The numeric codes are
// persisted in the database and double as the coarse dispatch priority:
// within one lane, higher codes run first.
type Action int

// IMAP-lane actions (codes 100..999).
const (
	ActionHousekeeping    Action = 105
	ActionDeleteMessage   Action = 110
	ActionMarkSeenReceipt Action = 120
	ActionMarkSeenMessage Action = 130
	ActionMoveMessage     Action = 200
	ActionSetMetadata     Action = 300
	ActionGetMetadata     Action = 310
	ActionConfigure       Action = 900
	ActionImportExport    Action = 910
)

// SMTP-lane actions (codes 5000..5999).
const (
	ActionLocationBeacon      Action = 5005
	ActionLocationBeaconEnded Action = 5007
	ActionSendReadReceipt     Action = 5011
	ActionSendMessage         Action = 5901
)

// String returns a stable human-readable name for logging.
func (a Action) String() string {
	switch a {
	case ActionHousekeeping:
		return "Housekeeping"
	case ActionDeleteMessage:
		return "DeleteMessage"
	case ActionMarkSeenReceipt:
		return "MarkSeenReceipt"
	case ActionMarkSeenMessage:
		return "MarkSeenMessage"
	case ActionMoveMessage:
		return "MoveMessage"
	case ActionSetMetadata:
		return "SetMetadata"
	case ActionGetMetadata:
		return "GetMetadata"
	case ActionConfigure:
		return "Configure"
	case ActionImportExport:
		return "ImportExport"
	case ActionLocationBeacon:
		return "LocationBeacon"
	case ActionLocationBeaconEnded:
		return "LocationBeaconEnded"
	case ActionSendReadReceipt:
		return "SendReadReceipt"
	case ActionSendMessage:
		return "SendMessage"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Lane is the execution thread a job belongs to. Every job runs either
// on the IMAP lane or on the SMTP lane; the lanes never share jobs.
type Lane int

const (
	LaneIMAP Lane = 100
	LaneSMTP Lane = 5000
)

// String implements fmt.Stringer.
func (l Lane) String() string {
	switch l {
	case LaneIMAP:
		return "imap"
	case LaneSMTP:
		return "smtp"
	}
	return fmt.Sprintf("Lane(%d)", int(l))
}

// LaneOf classifies an action into its lane. It is total over the valid
// action set; unknown actions yield ok == false and must not be enqueued.
func LaneOf(a Action) (Lane, bool) {
	switch a {
	case ActionHousekeeping, ActionDeleteMessage,
		ActionMarkSeenReceipt, ActionMarkSeenMessage,
		ActionMoveMessage,
		ActionSetMetadata, ActionGetMetadata,
		ActionConfigure, ActionImportExport:
		return LaneIMAP, true
	case ActionLocationBeacon, ActionLocationBeaconEnded,
		ActionSendReadReceipt, ActionSendMessage:
		return LaneSMTP, true
	}
	return 0, false
}

// Disposition is a handler's verdict on a single job attempt.
type Disposition int

const (
	// Done removes the job from the queue.
	Done Disposition = iota

	// RetryWithBackoff reschedules the job with an exponentially growing
	// randomized delay.
	RetryWithBackoff

	// RetryNowThenBackoff grants one immediate extra attempt within the
	// same pass; if that attempt also fails, regular backoff applies.
	RetryNowThenBackoff

	// NotYetReady leaves the job untouched: no attempt is counted and no
	// delay is added. Used when a precondition (typically an open
	// connection) is missing through no fault of the job.
	NotYetReady
)

// String implements fmt.Stringer.
func (d Disposition) String() string {
	switch d {
	case Done:
		return "done"
	case RetryWithBackoff:
		return "retry-with-backoff"
	case RetryNowThenBackoff:
		return "retry-now-then-backoff"
	case NotYetReady:
		return "not-yet-ready"
	}
	return fmt.Sprintf("Disposition(%d)", int(d))
}

// MaxTries is the retry ceiling: a job that has failed this many times
// is abandoned instead of rescheduled.
const MaxTries = 17

// Job is one persisted unit of deferred work.
type Job struct {
	// ID is the database row ID, assigned on insert.
	ID int64

	// Action determines the handler and the lane.
	Action Action

	// ForeignID references the domain object the job operates on,
	// usually a local message ID. Zero when not applicable.
	ForeignID int64

	// Param carries action-specific parameters.
	Param *param.Params

	// AddedTimestamp is when the job was first enqueued (Unix seconds).
	// Backoff delays are computed relative to this, not to the last
	// attempt.
	AddedTimestamp int64

	// DesiredTimestamp is the earliest time the job may run (Unix seconds).
	DesiredTimestamp int64

	// Tries counts completed failed attempts.
	Tries int

	// PendingError is the last error of the current attempt. Transient;
	// not persisted as a column (it is folded into Param on reschedule).
	PendingError error
}

// NewJob builds an unsaved job for the given action, due immediately
// after delay.
func NewJob(action Action, foreignID int64, p *param.Params, delay time.Duration) *Job {
	if p == nil {
		p = param.New()
	}
	now := time.Now().Unix()
	return &Job{
		Action:           action,
		ForeignID:        foreignID,
		Param:            p,
		AddedTimestamp:   now,
		DesiredTimestamp: now + int64(delay/time.Second),
	}
}
