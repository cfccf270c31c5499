// Package scheduler runs the periodic maintenance jobs: sweeping expired
// conversation states, purging superseded learnings past retention, and
// compacting old decision-log files. Correctness never depends on any of
// them; lazy expiry at read time already guarantees behavior, the jobs
// only reclaim storage.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"banto/internal/async"
	"banto/internal/logging"
)

// StateSweeper reclaims expired conversation state rows.
type StateSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// LearningPurger hard-deletes superseded learnings older than the cutoff.
type LearningPurger interface {
	PurgeSuperseded(ctx context.Context, before time.Time) (int, error)
}

// DecisionCompactor drops decision-log files wholly before the cutoff.
type DecisionCompactor interface {
	Compact(ctx context.Context, before time.Time) (int, error)
}

// Config holds the cron specs and retention windows. An empty spec
// disables that job; a retention of zero or less keeps data forever.
type Config struct {
	Enabled               bool
	StateSweep            string
	LearningRetention     string
	LearningRetentionDays int
	DecisionCompaction    string
	DecisionRetentionDays int
	JobTimeout            time.Duration
}

// Scheduler manages the maintenance jobs using robfig/cron. A job still
// running when its next tick fires is skipped, never stacked.
type Scheduler struct {
	cron      *cron.Cron
	states    StateSweeper
	learnings LearningPurger
	decisions DecisionCompactor
	cfg       Config
	logger    logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	entryIDs map[string]cron.EntryID
	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a maintenance scheduler. Any nil target disables its job.
func New(cfg Config, states StateSweeper, learnings LearningPurger, decisions DecisionCompactor, logger logging.Logger) *Scheduler {
	logger = logging.OrNop(logger)
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	return &Scheduler{
		cron:      c,
		states:    states,
		learnings: learnings,
		decisions: decisions,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		entryIDs:  make(map[string]cron.EntryID),
		stopped:   make(chan struct{}),
	}
}

// WithClock replaces the scheduler's clock for cutoff computation. Cron
// ticks still follow wall time.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start registers the configured jobs and starts the cron loop. The
// scheduler stops itself when ctx is cancelled. A malformed cron spec is
// a config bug and fails Start outright.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("scheduler disabled by config")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states != nil && s.cfg.StateSweep != "" {
		if err := s.registerLocked("state_sweep", s.cfg.StateSweep, s.sweepStates); err != nil {
			return err
		}
	}
	if s.learnings != nil && s.cfg.LearningRetention != "" {
		if err := s.registerLocked("learning_retention", s.cfg.LearningRetention, s.purgeLearnings); err != nil {
			return err
		}
	}
	if s.decisions != nil && s.cfg.DecisionCompaction != "" {
		if err := s.registerLocked("decision_compaction", s.cfg.DecisionCompaction, s.compactDecisions); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started with %d jobs", len(s.entryIDs))

	async.Go(s.logger, "scheduler.ctxwatch", func() {
		<-ctx.Done()
		s.Stop()
	})
	return nil
}

// Stop gracefully stops the scheduler, waiting for a running job to
// finish. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("scheduler stopped")
	})
}

// Done is closed once the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// JobCount reports how many jobs are registered.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entryIDs)
}

// JobNames lists the registered job names.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entryIDs))
	for name := range s.entryIDs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) registerLocked(name, spec string, job func()) error {
	if _, exists := s.entryIDs[name]; exists {
		return nil
	}
	entryID, err := s.cron.AddFunc(spec, job)
	if err != nil {
		return fmt.Errorf("invalid cron spec for %s: %w", name, err)
	}
	s.entryIDs[name] = entryID
	s.logger.Info("scheduler: registered %s (schedule=%s)", name, spec)
	return nil
}

// Summary reports what one maintenance pass reclaimed.
type Summary struct {
	StatesRemoved      int `json:"states_removed"`
	LearningsPurged    int `json:"learnings_purged"`
	DecisionsCompacted int `json:"decisions_compacted"`
}

// RunNow executes every configured job once, immediately. The admin
// surface and CLI use it; cron schedules are untouched.
func (s *Scheduler) RunNow(ctx context.Context) Summary {
	var summary Summary
	if s.states != nil {
		summary.StatesRemoved = s.sweepStatesCtx(ctx)
	}
	if s.learnings != nil {
		summary.LearningsPurged = s.purgeLearningsCtx(ctx)
	}
	if s.decisions != nil {
		summary.DecisionsCompacted = s.compactDecisionsCtx(ctx)
	}
	return summary
}

func (s *Scheduler) sweepStates() {
	ctx, cancel := s.jobContext()
	defer cancel()
	s.sweepStatesCtx(ctx)
}

func (s *Scheduler) sweepStatesCtx(ctx context.Context) int {
	removed, err := s.states.DeleteExpired(ctx, s.now())
	if err != nil {
		s.logger.Warn("scheduler: state sweep failed: %v", err)
		return 0
	}
	if removed > 0 {
		s.logger.Info("scheduler: swept %d expired states", removed)
	}
	return removed
}

func (s *Scheduler) purgeLearnings() {
	ctx, cancel := s.jobContext()
	defer cancel()
	s.purgeLearningsCtx(ctx)
}

func (s *Scheduler) purgeLearningsCtx(ctx context.Context) int {
	if s.cfg.LearningRetentionDays <= 0 {
		return 0
	}
	cutoff := s.now().AddDate(0, 0, -s.cfg.LearningRetentionDays)
	purged, err := s.learnings.PurgeSuperseded(ctx, cutoff)
	if err != nil {
		s.logger.Warn("scheduler: learning purge failed: %v", err)
		return 0
	}
	if purged > 0 {
		s.logger.Info("scheduler: purged %d superseded learnings older than %d days", purged, s.cfg.LearningRetentionDays)
	}
	return purged
}

func (s *Scheduler) compactDecisions() {
	ctx, cancel := s.jobContext()
	defer cancel()
	s.compactDecisionsCtx(ctx)
}

func (s *Scheduler) compactDecisionsCtx(ctx context.Context) int {
	if s.cfg.DecisionRetentionDays <= 0 {
		return 0
	}
	cutoff := s.now().AddDate(0, 0, -s.cfg.DecisionRetentionDays)
	removed, err := s.decisions.Compact(ctx, cutoff)
	if err != nil {
		s.logger.Warn("scheduler: decision compaction failed: %v", err)
		return 0
	}
	if removed > 0 {
		s.logger.Info("scheduler: compacted %d decision entries older than %d days", removed, s.cfg.DecisionRetentionDays)
	}
	return removed
}

func (s *Scheduler) jobContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.JobTimeout)
}
