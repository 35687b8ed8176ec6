package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/metrics"
	"github.com/energizer-project/edgeagent/internal/util"
)

type fakePruner struct {
	cutoffs []time.Time
	removed int64
	err     error
}

func (f *fakePruner) Prune(cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.removed, f.err
}

func newTestScheduler(t *testing.T, p Pruner) *Scheduler {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load failed: %v", err)
	}
	s := NewScheduler(cfg, p, metrics.New())
	s.now = func() time.Time { return time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestNextCleanup(t *testing.T) {
	s := newTestScheduler(t, nil)
	loc := time.UTC

	tests := []struct {
		clock string
		now   time.Time
		want  time.Time
	}{
		{"04:00", time.Date(2026, 3, 15, 3, 0, 0, 0, loc), time.Date(2026, 3, 15, 4, 0, 0, 0, loc)},
		{"04:00", time.Date(2026, 3, 15, 4, 0, 0, 0, loc), time.Date(2026, 3, 16, 4, 0, 0, 0, loc)},
		{"23:45", time.Date(2026, 3, 31, 23, 50, 0, 0, loc), time.Date(2026, 4, 1, 23, 45, 0, 0, loc)},
		{"garbage", time.Date(2026, 3, 15, 12, 0, 0, 0, loc), time.Date(2026, 3, 16, 4, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		s.cfg.Database.CleanupTime = tt.clock
		if got := s.nextCleanup(tt.now); !got.Equal(tt.want) {
			t.Errorf("nextCleanup(%s, %v) = %v, want %v", tt.clock, tt.now, got, tt.want)
		}
	}
}

func TestRunCleanup(t *testing.T) {
	p := &fakePruner{removed: 5}
	s := newTestScheduler(t, p)

	if n := s.RunCleanup(); n != 5 {
		t.Errorf("removed = %d", n)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if len(p.cutoffs) != 1 || !p.cutoffs[0].Equal(want) {
		t.Errorf("cutoffs = %v, want %v", p.cutoffs, want)
	}

	p.err = errors.New("disk full")
	if n := s.RunCleanup(); n != 0 {
		t.Errorf("failed prune reported %d", n)
	}

	s.cfg.Database.RetentionDays = 0
	s.RunCleanup()
	if len(p.cutoffs) != 2 {
		t.Error("cleanup ran with retention disabled")
	}

	if n := newTestScheduler(t, nil).RunCleanup(); n != 0 {
		t.Errorf("cleanup without journal = %d", n)
	}
}

func TestSampleResources(t *testing.T) {
	s := newTestScheduler(t, nil)
	calls := 0
	s.sample = func() (*util.ResourceUsage, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("unsupported")
		}
		return &util.ResourceUsage{CPUPercent: 10, MemoryPercent: 20}, nil
	}

	s.SampleResources()
	s.SampleResources()
	if calls != 2 {
		t.Errorf("calls = %d", calls)
	}
}

func TestStartStopsWithContext(t *testing.T) {
	s := newTestScheduler(t, &fakePruner{})
	s.sampleInterval = time.Millisecond
	s.sample = func() (*util.ResourceUsage, error) { return &util.ResourceUsage{}, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
