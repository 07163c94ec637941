// Package worker holds the per-connection worker state: the mailbox
// watcher threads driving fetch/idle cycles over one IMAP connection
// each, and the sender state pacing the SMTP lane.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openmsg/mailsync/internal/imap"
)

// suspendPoll is how often Suspend re-checks whether the worker has let
// go of its connection.
const suspendPoll = 300 * time.Millisecond

// Thread watches one mailbox over one IMAP connection. The owning loop
// calls Fetch and Idle; other goroutines interrupt and suspend it.
type Thread struct {
	name   string
	log    zerolog.Logger
	client *imap.Client

	mu          sync.Mutex
	jobsNeeded  bool
	suspended   bool
	usingHandle bool

	// lastChange is when the watched folder last yielded messages; it
	// drives the fallback polling cadence.
	lastChange time.Time
}

// NewThread returns a worker around client. name tags log lines
// ("inbox", "mvbox", "sentbox").
func NewThread(name string, client *imap.Client, logger zerolog.Logger) *Thread {
	return &Thread{
		name:   name,
		log:    logger.With().Str("component", "worker").Str("watcher", name).Logger(),
		client: client,
	}
}

// Client exposes the underlying connection for job handlers that share
// this thread's session.
func (t *Thread) Client() *imap.Client {
	return t.client
}

// Fetch runs one incremental fetch over the watched folder. A suspended
// thread does nothing, and with useNetwork false the connection is not
// touched at all.
func (t *Thread) Fetch(ctx context.Context, folder string, pipe imap.Pipeline, useNetwork bool) {
	if !useNetwork {
		return
	}

	t.mu.Lock()
	if t.suspended {
		t.mu.Unlock()
		return
	}
	t.usingHandle = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.usingHandle = false
		t.mu.Unlock()
	}()

	retried := false
	total := 0
	for ctx.Err() == nil {
		handled, err := t.client.FetchNew(ctx, folder, pipe)
		if err != nil {
			if retried {
				t.log.Warn().Err(err).Str("folder", folder).Msg("fetch failed")
				break
			}
			// One reconnect-and-retry per cycle; the next loop iteration
			// redials through the state machine.
			retried = true
			t.client.ScheduleReconnect()
			continue
		}
		total += handled
		if handled == 0 {
			break
		}
	}
	if total > 0 {
		t.mu.Lock()
		t.lastChange = time.Now()
		t.mu.Unlock()
		t.log.Debug().Int("count", total).Str("folder", folder).Msg("fetched new messages")
	}
}

// Idle blocks until the folder may have news or someone needs the
// thread. While suspended it sleeps in short slices instead of touching
// the connection; with useNetwork false it blocks the same way until
// interrupted.
func (t *Thread) Idle(ctx context.Context, folder string, useNetwork bool) {
	t.mu.Lock()
	if t.jobsNeeded {
		t.mu.Unlock()
		return
	}
	if t.suspended {
		t.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(suspendPoll):
		}
		return
	}
	if !useNetwork {
		t.mu.Unlock()
		t.waitWake(ctx)
		return
	}
	t.usingHandle = true
	lastChange := t.lastChange
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.usingHandle = false
		t.mu.Unlock()
	}()

	if err := t.client.Idle(ctx, folder, lastChange); err != nil {
		t.log.Warn().Err(err).Str("folder", folder).Msg("idle failed")
	}
}

// waitWake parks the thread off the network until an interrupt arrives
// or ctx ends.
func (t *Thread) waitWake(ctx context.Context) {
	for ctx.Err() == nil {
		t.mu.Lock()
		woken := t.jobsNeeded
		t.mu.Unlock()
		if woken {
			return
		}
		select {
		case <-ctx.Done():
		case <-time.After(suspendPoll):
		}
	}
}

// Interrupt wakes the thread out of Idle and flags that queued jobs
// await it.
func (t *Thread) Interrupt() {
	t.mu.Lock()
	t.jobsNeeded = true
	t.mu.Unlock()
	t.client.InterruptIdle()
}

// TakeJobsNeeded consumes the jobs-needed flag.
func (t *Thread) TakeJobsNeeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	needed := t.jobsNeeded
	t.jobsNeeded = false
	return needed
}

// Suspend parks the thread: it stops using the connection and its loop
// spins in short sleeps. Suspend returns only once the thread has let go
// of the connection, so the caller may use it exclusively.
func (t *Thread) Suspend() {
	t.mu.Lock()
	t.suspended = true
	t.mu.Unlock()

	t.client.InterruptIdle()

	for {
		t.mu.Lock()
		busy := t.usingHandle
		t.mu.Unlock()
		if !busy {
			t.log.Debug().Msg("suspended")
			return
		}
		time.Sleep(suspendPoll)
	}
}

// Unsuspend lets the thread resume its fetch/idle cycle.
func (t *Thread) Unsuspend() {
	t.mu.Lock()
	t.suspended = false
	t.mu.Unlock()
	t.client.InterruptIdle()
}
