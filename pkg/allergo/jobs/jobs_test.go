package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitTerminal(t *testing.T, m *Manager, id string) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.Status.Terminal() {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return State{}
}

func TestJobDone(t *testing.T) {
	m := NewManager(nil)
	id := m.Submit(context.Background(), 4, func(ctx context.Context, tr *Tracker) (any, error) {
		for i := 1; i <= 4; i++ {
			tr.SetCompleted(i)
		}
		tr.SetETA(-1)
		return "ok", nil
	})
	if len(id) != 26 {
		t.Fatalf("id = %q, want a ULID", id)
	}
	st := waitTerminal(t, m, id)
	if st.Status != StatusDone || st.Result != "ok" || st.Percent != 100 {
		t.Fatalf("state = %+v", st)
	}
	if st.ETAMinutes == nil || *st.ETAMinutes != 0 {
		t.Fatalf("eta = %v", st.ETAMinutes)
	}
	if st.StartedAt == nil || st.FinishedAt == nil {
		t.Fatalf("timestamps missing: %+v", st)
	}
}

func TestJobSurvivesCallerCancel(t *testing.T) {
	m := NewManager(nil)
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	id := m.Submit(ctx, 1, func(ctx context.Context, tr *Tracker) (any, error) {
		<-release
		return nil, ctx.Err()
	})
	cancel()
	close(release)
	if st := waitTerminal(t, m, id); st.Status != StatusDone {
		t.Fatalf("status = %s, want done", st.Status)
	}
}

func TestJobErrorAndPanic(t *testing.T) {
	m := NewManager(nil)
	failed := m.Submit(context.Background(), 0, func(context.Context, *Tracker) (any, error) {
		return nil, errors.New("store unavailable")
	})
	panicked := m.Submit(context.Background(), 0, func(context.Context, *Tracker) (any, error) {
		panic("boom")
	})
	if st := waitTerminal(t, m, failed); st.Status != StatusError || st.Error != "store unavailable" {
		t.Fatalf("failed = %+v", st)
	}
	if st := waitTerminal(t, m, panicked); st.Status != StatusError || st.Error != "panic: boom" {
		t.Fatalf("panicked = %+v", st)
	}
}

func TestJobCancelKeepsPartialResult(t *testing.T) {
	m := NewManager(nil)
	started := make(chan struct{})
	proceed := make(chan struct{})
	id := m.Submit(context.Background(), 10, func(ctx context.Context, tr *Tracker) (any, error) {
		var done []int
		for i := 0; i < 10; i++ {
			if i == 3 {
				close(started)
				<-proceed
			}
			if tr.CancelRequested() {
				return done, ErrCancelled
			}
			done = append(done, i)
			tr.SetCompleted(len(done))
		}
		return done, nil
	})

	<-started
	if !m.Cancel(id) {
		t.Fatal("Cancel on running job not accepted")
	}
	close(proceed)

	st := waitTerminal(t, m, id)
	if st.Status != StatusCancelled || !st.CancelRequested {
		t.Fatalf("state = %+v", st)
	}
	if got := st.Result.([]int); len(got) != 3 || st.Completed != 3 || st.Percent != 30 {
		t.Fatalf("partial = %v completed %d percent %v", got, st.Completed, st.Percent)
	}
	if m.Cancel(id) {
		t.Fatal("Cancel on finished job accepted")
	}
}

func TestStatusUnknownAndPrune(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.Status("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("err = %v", err)
	}
	if m.Cancel("nope") {
		t.Fatal("Cancel on unknown job accepted")
	}

	id := m.Submit(context.Background(), 0, func(context.Context, *Tracker) (any, error) { return nil, nil })
	waitTerminal(t, m, id)
	if n := m.Prune(time.Now().Add(-time.Hour)); n != 0 {
		t.Fatalf("pruned %d recent jobs", n)
	}
	if n := m.Prune(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, err := m.Status(id); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("pruned job still present")
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		completed, total int
		want             float64
	}{
		{0, 0, 0},
		{1, 3, 33.3},
		{5, 4, 100},
		{-1, 4, 0},
	}
	for _, tc := range tests {
		if got := percent(tc.completed, tc.total); got != tc.want {
			t.Errorf("percent(%d, %d) = %v, want %v", tc.completed, tc.total, got, tc.want)
		}
	}
}

func TestSubmitPrunesExpiredJobs(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
	noop := func(context.Context, *Tracker) (any, error) { return nil, nil }

	m := NewManager(nil, WithClock(clock), WithRetention(10*time.Minute))
	old := m.Submit(context.Background(), 0, noop)
	waitTerminal(t, m, old)

	advance(5 * time.Minute)
	recent := m.Submit(context.Background(), 0, noop)
	waitTerminal(t, m, recent)
	if _, err := m.Status(old); err != nil {
		t.Fatalf("job inside retention pruned: %v", err)
	}

	advance(6 * time.Minute)
	m.Submit(context.Background(), 0, noop)
	if _, err := m.Status(old); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expired job kept: %v", err)
	}
	if _, err := m.Status(recent); err != nil {
		t.Fatalf("recent job pruned: %v", err)
	}

	keep := NewManager(nil, WithClock(clock), WithRetention(0))
	id := keep.Submit(context.Background(), 0, noop)
	waitTerminal(t, keep, id)
	advance(24 * time.Hour)
	keep.Submit(context.Background(), 0, noop)
	if _, err := keep.Status(id); err != nil {
		t.Fatalf("job pruned with retention disabled: %v", err)
	}
}
