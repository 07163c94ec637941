package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmsg/mailsync/internal/imap"
)

func newTestThread() *Thread {
	client := imap.NewClient(imap.Config{Host: "imap.example.org", Port: 993}, nil, zerolog.Nop())
	return NewThread("inbox", client, zerolog.Nop())
}

func TestInterruptBeforeIdleReturnsImmediately(t *testing.T) {
	th := newTestThread()
	th.Interrupt()

	done := make(chan struct{})
	go func() {
		th.Idle(context.Background(), "INBOX", true)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle did not honor the pending interrupt")
	}

	assert.True(t, th.TakeJobsNeeded())
	assert.False(t, th.TakeJobsNeeded(), "flag must be consumed")
}

func TestSuspendedIdleDoesNotTouchConnection(t *testing.T) {
	th := newTestThread()
	th.Suspend()

	// A suspended idle sleeps briefly and returns; it must not try to
	// select a folder on the (unconnectable) client.
	start := time.Now()
	th.Idle(context.Background(), "INBOX", true)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchSkipsWithoutNetwork(t *testing.T) {
	th := newTestThread()

	// The client points at an unreachable host; a dial attempt would
	// hang or fail loudly. Off the network the fetch must not even try.
	start := time.Now()
	th.Fetch(context.Background(), "INBOX", nil, false)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, th.Client().IsConnected())
}

func TestIdleWithoutNetworkBlocksUntilInterrupted(t *testing.T) {
	th := newTestThread()

	done := make(chan struct{})
	go func() {
		th.Idle(context.Background(), "INBOX", false)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("offline idle returned without a wakeup")
	case <-time.After(500 * time.Millisecond):
	}

	th.Interrupt()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("offline idle did not wake on interrupt")
	}
	assert.False(t, th.Client().IsConnected())
}

func TestSuspendWaitsForHandleRelease(t *testing.T) {
	th := newTestThread()

	// Simulate a fetch in flight.
	th.mu.Lock()
	th.usingHandle = true
	th.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	suspended := make(chan struct{})
	go func() {
		defer wg.Done()
		th.Suspend()
		close(suspended)
	}()

	select {
	case <-suspended:
		t.Fatal("suspend returned while the handle was in use")
	case <-time.After(500 * time.Millisecond):
	}

	th.mu.Lock()
	th.usingHandle = false
	th.mu.Unlock()

	select {
	case <-suspended:
	case <-time.After(2 * time.Second):
		t.Fatal("suspend did not return after the handle was released")
	}
	wg.Wait()
}

func TestSendStateIdleWakesOnInterrupt(t *testing.T) {
	s := NewSendState(zerolog.Nop())

	done := make(chan struct{})
	go func() {
		s.Idle(context.Background(), time.Now().Add(time.Hour))
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	s.Interrupt()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle did not wake on interrupt")
	}
}

func TestSendStateIdleHonorsNextDue(t *testing.T) {
	s := NewSendState(zerolog.Nop())

	start := time.Now()
	s.Idle(context.Background(), time.Now().Add(100*time.Millisecond))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestSendStateIdleReturnsImmediatelyWhenOverdue(t *testing.T) {
	s := NewSendState(zerolog.Nop())

	start := time.Now()
	s.Idle(context.Background(), time.Now().Add(-time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendStateSuspendBlocksPasses(t *testing.T) {
	s := NewSendState(zerolog.Nop())

	require.True(t, s.BeginPass())
	s.EndPass()

	s.Suspend()
	assert.False(t, s.BeginPass())

	s.Unsuspend()
	// Unsuspend leaves a pending wakeup so the loop re-runs promptly;
	// consume it via Idle before checking.
	s.Idle(context.Background(), time.Time{})
	assert.True(t, s.BeginPass())
	s.EndPass()
}
