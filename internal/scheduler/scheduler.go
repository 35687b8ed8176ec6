// Package scheduler runs the agent's periodic background tasks: journal
// retention and host resource sampling.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/metrics"
	"github.com/energizer-project/edgeagent/internal/util"
)

// DefaultSampleInterval is how often host resource usage is sampled.
const DefaultSampleInterval = time.Minute

// Pruner removes journal rows older than a cutoff.
type Pruner interface {
	Prune(cutoff time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg     *config.Config
	journal Pruner
	metrics *metrics.Metrics

	sampleInterval time.Duration
	sample         func() (*util.ResourceUsage, error)
	now            func() time.Time
}

// NewScheduler creates a task scheduler. journal may be nil when the journal
// is disabled.
func NewScheduler(cfg *config.Config, journal Pruner, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:            cfg,
		journal:        journal,
		metrics:        m,
		sampleInterval: DefaultSampleInterval,
		sample:         util.GetResourceUsage,
		now:            time.Now,
	}
}

// Start runs all scheduled tasks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	if s.journal != nil && s.cfg.GetDatabase().RetentionDays > 0 {
		go s.runCleanupLoop(ctx)
	}
	go s.runSampleLoop(ctx)

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runCleanupLoop(ctx context.Context) {
	for {
		nextRun := s.nextCleanup(s.now())
		sleep := nextRun.Sub(s.now())

		log.Info().
			Time("next_run", nextRun).
			Dur("sleep", sleep).
			Msg("journal cleanup scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
			s.RunCleanup()
		}
	}
}

// RunCleanup prunes journal rows older than the retention window.
func (s *Scheduler) RunCleanup() int64 {
	days := s.cfg.GetDatabase().RetentionDays
	if s.journal == nil || days <= 0 {
		return 0
	}

	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	removed, err := s.journal.Prune(cutoff)
	if err != nil {
		log.Warn().Err(err).Time("cutoff", cutoff).Msg("journal cleanup failed")
		return 0
	}

	s.metrics.JournalPruned(removed)
	log.Info().
		Int64("removed", removed).
		Int("retention_days", days).
		Msg("journal cleanup completed")
	return removed
}

// nextCleanup returns the next occurrence of the configured cleanup time
// strictly after now.
func (s *Scheduler) nextCleanup(now time.Time) time.Time {
	hour, minute, err := config.ParseClock(s.cfg.GetDatabase().CleanupTime)
	if err != nil {
		hour, minute = 4, 0
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) runSampleLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sampleInterval)
	defer ticker.Stop()

	s.SampleResources()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleResources()
		}
	}
}

// SampleResources records current host CPU and memory usage.
func (s *Scheduler) SampleResources() {
	usage, err := s.sample()
	if err != nil {
		log.Debug().Err(err).Msg("resource sample failed")
		return
	}

	s.metrics.SetHostUsage(usage.CPUPercent, usage.MemoryPercent)
	log.Debug().
		Float64("cpu_percent", usage.CPUPercent).
		Float64("memory_percent", usage.MemoryPercent).
		Uint64("memory_used_mb", usage.MemoryUsedMB).
		Msg("resource usage sampled")
}
