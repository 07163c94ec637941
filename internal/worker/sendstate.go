package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxSendIdle caps how long the SMTP lane sleeps between passes, even
// when no queued job is due earlier.
const maxSendIdle = 10 * time.Minute

// SendState paces the SMTP lane: it sleeps until the next queued job is
// due, an interrupt arrives, or the cap elapses.
type SendState struct {
	log zerolog.Logger

	// wake carries interrupts; buffered so a wakeup sent between idles
	// terminates the next one immediately.
	wake chan struct{}

	mu        sync.Mutex
	suspended bool
	running   bool
}

// NewSendState returns an idle sender.
func NewSendState(logger zerolog.Logger) *SendState {
	return &SendState{
		log:  logger.With().Str("component", "worker").Str("watcher", "smtp").Logger(),
		wake: make(chan struct{}, 1),
	}
}

// Idle sleeps until wakeup or deadline. nextDue is the earliest desired
// time of any queued job; zero means the lane is empty and only the cap
// applies.
func (s *SendState) Idle(ctx context.Context, nextDue time.Time) {
	// Consume a wakeup that arrived while jobs were running.
	select {
	case <-s.wake:
		return
	default:
	}

	sleep := maxSendIdle
	if !nextDue.IsZero() {
		if until := time.Until(nextDue); until < sleep {
			sleep = until
		}
	}
	if sleep <= 0 {
		return
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-timer.C:
	}
}

// Interrupt wakes a blocked Idle, or makes the next Idle return
// immediately. Redundant interrupts coalesce.
func (s *SendState) Interrupt() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// BeginPass marks the start of a job pass. It returns false while the
// lane is suspended; the loop then idles instead of running jobs.
func (s *SendState) BeginPass() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return false
	}
	s.running = true
	return true
}

// EndPass marks the end of a job pass.
func (s *SendState) EndPass() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Suspend parks the lane and waits for a pass in flight to finish.
func (s *SendState) Suspend() {
	s.mu.Lock()
	s.suspended = true
	s.mu.Unlock()

	s.Interrupt()

	for {
		s.mu.Lock()
		busy := s.running
		s.mu.Unlock()
		if !busy {
			s.log.Debug().Msg("suspended")
			return
		}
		time.Sleep(suspendPoll)
	}
}

// Unsuspend lets the lane run jobs again.
func (s *SendState) Unsuspend() {
	s.mu.Lock()
	s.suspended = false
	s.mu.Unlock()
	s.Interrupt()
}
