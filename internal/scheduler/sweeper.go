package scheduler

import (
	"log/slog"
	"sync"

	cron "github.com/netresearch/go-cron"
)

// DefaultCleanupSchedule sweeps closable sessions every five minutes.
const DefaultCleanupSchedule = "*/5 * * * *"

// SessionCleaner removes sessions that can close.
type SessionCleaner interface {
	CleanupCompleted() []string
}

// Sweeper runs session cleanup on a cron schedule.
type Sweeper struct {
	cleaner SessionCleaner
	expr    *CronExpr

	mu      sync.Mutex
	cron    *cron.Cron
	onSweep func(removed []string)
}

// NewSweeper validates spec and creates a stopped Sweeper. onSweep may be nil.
func NewSweeper(cleaner SessionCleaner, spec string, onSweep func(removed []string)) (*Sweeper, error) {
	if spec == "" {
		spec = DefaultCleanupSchedule
	}
	expr, err := ParseCron(spec)
	if err != nil {
		return nil, err
	}
	return &Sweeper{cleaner: cleaner, expr: expr, onSweep: onSweep}, nil
}

// Start schedules the sweep.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(s.expr.String(), s.Sweep); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	slog.Info("session sweeper started", "schedule", s.expr.String())
	return nil
}

// Stop halts the schedule and waits for a running sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	slog.Info("session sweeper stopped")
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep() {
	removed := s.cleaner.CleanupCompleted()
	if len(removed) > 0 {
		slog.Info("sessions swept", "count", len(removed))
	}
	if s.onSweep != nil {
		s.onSweep(removed)
	}
}
