// Copyright 2026 The IPA Bot Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/clock"
	"github.com/congtuhaixinhzai/Telegram-IPA-Decrypt-Bot/lib/testutil"
)

// recordingRunner reports each executed entry on a channel and runs a
// per-entry behavior.
type recordingRunner struct {
	executed chan *Entry
	behavior func(entry *Entry) error
}

func (r *recordingRunner) Run(_ context.Context, entry *Entry) error {
	var err error
	if r.behavior != nil {
		err = r.behavior(entry)
	}
	r.executed <- entry
	return err
}

func startExecutor(t *testing.T, s *State, runner Runner, fake *clock.FakeClock) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	exec := NewExecutor(ExecutorConfig{
		State:        s,
		Runner:       runner,
		PollInterval: 3 * time.Second,
		Clock:        fake,
		Logger:       s.logger,
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = exec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "executor loop exit")
	})
	return cancel
}

func TestExecutorRunsEntriesInOrder(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1000, 0))
	s := newTestState(t, fake)
	runner := &recordingRunner{executed: make(chan *Entry, 8)}

	// Queue before the loop starts so ordering is decided purely by
	// priority.
	if _, err := s.Enqueue(entryFor(s, freeID, "free-app")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(entryFor(s, ownerID, "owner-app")); err != nil {
		t.Fatal(err)
	}

	startExecutor(t, s, runner, fake)

	first := testutil.RequireReceive(t, runner.executed, 5*time.Second, "first entry")
	second := testutil.RequireReceive(t, runner.executed, 5*time.Second, "second entry")
	if first.Request.ItemID != "owner-app" || second.Request.ItemID != "free-app" {
		t.Fatalf("execution order = [%s %s], want [owner-app free-app]",
			first.Request.ItemID, second.Request.ItemID)
	}
}

func TestExecutorWakesOnEnqueue(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1000, 0))
	s := newTestState(t, fake)
	runner := &recordingRunner{executed: make(chan *Entry, 1)}

	startExecutor(t, s, runner, fake)

	// No ticker advance: dispatch must come from the wake channel.
	if _, err := s.Enqueue(entryFor(s, freeID, "app")); err != nil {
		t.Fatal(err)
	}
	got := testutil.RequireReceive(t, runner.executed, 5*time.Second, "wake-channel dispatch")
	if got.Request.ItemID != "app" {
		t.Fatalf("executed %s, want app", got.Request.ItemID)
	}
}

func TestExecutorSurvivesFailureAndRunsNext(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1000, 0))
	s := newTestState(t, fake)
	runner := &recordingRunner{
		executed: make(chan *Entry, 4),
		behavior: func(entry *Entry) error {
			if entry.Request.ItemID == "bad-app" {
				return errors.New("remote device exploded")
			}
			return nil
		},
	}

	if _, err := s.Enqueue(entryFor(s, ownerID, "bad-app")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(entryFor(s, freeID, "good-app")); err != nil {
		t.Fatal(err)
	}

	startExecutor(t, s, runner, fake)

	first := testutil.RequireReceive(t, runner.executed, 5*time.Second, "failing entry")
	if first.Request.ItemID != "bad-app" {
		t.Fatalf("first executed %s, want bad-app", first.Request.ItemID)
	}
	second := testutil.RequireReceive(t, runner.executed, 5*time.Second, "entry after failure")
	if second.Request.ItemID != "good-app" {
		t.Fatalf("second executed %s, want good-app", second.Request.ItemID)
	}
}

func TestExecutorSurvivesPanic(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1000, 0))
	s := newTestState(t, fake)

	panicked := false
	runner := &recordingRunner{
		executed: make(chan *Entry, 4),
		behavior: func(entry *Entry) error {
			if entry.Request.ItemID == "panic-app" && !panicked {
				panicked = true
				panic("pipeline bug")
			}
			return nil
		},
	}

	if _, err := s.Enqueue(entryFor(s, ownerID, "panic-app")); err != nil {
		t.Fatal(err)
	}

	startExecutor(t, s, runner, fake)

	// The panicking run never reaches the recording send, so observe
	// settlement through the slot instead: after the panic the slot
	// must be empty and the next entry must run.
	waitForEmptySlot(t, s)

	if _, err := s.Enqueue(entryFor(s, freeID, "good-app")); err != nil {
		t.Fatal(err)
	}
	got := testutil.RequireReceive(t, runner.executed, 5*time.Second, "entry after panic")
	if got.Request.ItemID != "good-app" {
		t.Fatalf("executed %s after panic, want good-app", got.Request.ItemID)
	}
}

func waitForEmptySlot(t *testing.T, s *State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap := s.Snapshot(); snap.Processing == nil && len(snap.Waiting) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("processing slot not cleared")
}

func TestExecutorPanicDoesNotConsumeQuota(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1000, 0))
	s := newTestState(t, fake)
	runner := &recordingRunner{
		executed: make(chan *Entry, 1),
		behavior: func(*Entry) error { panic("boom") },
	}

	if _, err := s.Enqueue(entryFor(s, freeID, "app")); err != nil {
		t.Fatal(err)
	}
	startExecutor(t, s, runner, fake)
	waitForEmptySlot(t, s)

	if _, remaining := s.CheckQuota(s.Principal(freeID, "u")); remaining != 5 {
		t.Errorf("remaining after panicked run = %d, want 5", remaining)
	}
}

func TestExecutorTickerBackstop(t *testing.T) {
	t.Parallel()
	fake := clock.Fake(time.Unix(1000, 0))
	s := newTestState(t, fake)
	runner := &recordingRunner{executed: make(chan *Entry, 1)}

	startExecutor(t, s, runner, fake)

	// Swallow the wake signal before the loop can see it, simulating
	// a missed wakeup; the ticker must still pick the entry up.
	if _, err := s.Enqueue(entryFor(s, freeID, "app")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-s.wake:
		// Signal stolen: the loop now depends on the ticker.
		fake.WaitForWaiters(1)
		fake.Advance(3 * time.Second)
	default:
		// The loop consumed the signal first; dispatch is already
		// underway, which is also correct.
	}

	testutil.RequireReceive(t, runner.executed, 5*time.Second, "ticker-driven dispatch")
}
