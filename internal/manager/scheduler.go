package manager

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// retestScheduler re-runs the functional test on a cron schedule so cached
// results stay current while bridges run for long periods.
type retestScheduler struct {
	cron *cron.Cron
	log  zerolog.Logger
}

// StartRetest begins periodic retesting using a standard 5-field cron
// expression. Scheduled runs always force a re-probe. Only one schedule
// can be active at a time.
func (m *Manager) StartRetest(schedule string, opts TestOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched != nil {
		return fmt.Errorf("manager: retest schedule already active")
	}

	opts.Force = true
	s := &retestScheduler{
		cron: cron.New(),
		log:  m.log.With().Str("component", "retest").Logger(),
	}
	if _, err := s.cron.AddFunc(schedule, func() {
		s.log.Info().Msg("scheduled retest starting")
		if _, err := m.Test(context.Background(), opts); err != nil {
			s.log.Error().Err(err).Msg("scheduled retest failed")
			return
		}
		s.log.Info().Msg("scheduled retest finished")
	}); err != nil {
		return fmt.Errorf("manager: bad retest schedule %q: %w", schedule, err)
	}
	s.cron.Start()
	m.sched = s
	m.log.Info().Str("schedule", schedule).Msg("retest schedule active")
	return nil
}

// StopRetest cancels the retest schedule, waiting for an in-flight run to
// finish. Harmless when no schedule is active.
func (m *Manager) StopRetest() {
	m.mu.Lock()
	s := m.sched
	m.sched = nil
	m.mu.Unlock()
	if s == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.log.Info().Msg("retest schedule stopped")
}

// Close releases everything the manager owns: the retest schedule and all
// running bridges.
func (m *Manager) Close() {
	m.StopRetest()
	m.sup.StopAll()
}
