package imap

import (
	"context"
	"fmt"
	"time"
)

const (
	// idleRenewal bounds a single IDLE command. RFC 2177 allows 29
	// minutes; staying well below keeps NAT mappings alive.
	idleRenewal = 23 * time.Minute

	// Fake-idle polling: tight while a change happened recently, relaxed
	// afterwards.
	fakeIdleFastInterval = 5 * time.Second
	fakeIdleFastWindow   = 3 * time.Minute
	fakeIdleSlowInterval = 60 * time.Second
)

// InterruptIdle wakes a blocked Idle call, or makes the next Idle call
// return immediately when none is in progress. Safe to call from any
// goroutine; redundant interrupts coalesce.
func (c *Client) InterruptIdle() {
	select {
	case c.interrupt <- struct{}{}:
	default:
	}
}

// Idle blocks until new mail may be available in folder: a server
// notification, an interrupt, a renewal timeout, or (without IDLE
// support) a poll tick. lastChange is when the folder contents last
// changed; it tunes the fallback polling cadence. The caller fetches
// after every return.
func (c *Client) Idle(ctx context.Context, folder string, lastChange time.Time) error {
	// A wakeup that arrived before idling started must not be lost.
	select {
	case <-c.interrupt:
		return nil
	default:
	}

	c.mu.Lock()
	if _, err := c.selectFolder(ctx, folder); err != nil {
		c.mu.Unlock()
		return err
	}
	canIdle := c.caps.idle
	cli := c.cli
	c.mu.Unlock()

	if !canIdle {
		return c.fakeIdle(ctx, lastChange)
	}

	idleCmd, err := cli.Idle()
	if err != nil {
		c.ScheduleReconnect()
		return fmt.Errorf("starting idle on %s: %w", folder, err)
	}

	timer := time.NewTimer(idleRenewal)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-c.interrupt:
	case <-c.updates:
	case <-timer.C:
	}

	if err := idleCmd.Close(); err != nil {
		c.ScheduleReconnect()
		return fmt.Errorf("ending idle on %s: %w", folder, err)
	}
	if err := idleCmd.Wait(); err != nil {
		c.ScheduleReconnect()
		return fmt.Errorf("ending idle on %s: %w", folder, err)
	}
	return ctx.Err()
}

// fakeIdle sleeps for one poll interval, waking early on interrupt.
func (c *Client) fakeIdle(ctx context.Context, lastChange time.Time) error {
	timer := time.NewTimer(pollInterval(time.Since(lastChange)))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.interrupt:
		return nil
	case <-c.updates:
		return nil
	case <-timer.C:
		return nil
	}
}

// WaitRetry pauses after a failed connection attempt without touching
// the connection. An interrupt (wakeup, network hint) cuts the pause
// short.
func (c *Client) WaitRetry(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-c.interrupt:
	case <-timer.C:
	}
}

// pollInterval returns the fake-idle sleep for a folder whose last
// change was sinceChange ago.
func pollInterval(sinceChange time.Duration) time.Duration {
	if sinceChange < fakeIdleFastWindow {
		return fakeIdleFastInterval
	}
	return fakeIdleSlowInterval
}
