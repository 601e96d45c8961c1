package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const taskSchedule = "@every 1m"

// Supervisor owns every service loop, the watchdog and the task runner.
type Supervisor struct {
	services []*Service
	tasks    *TaskRunner
	log      *slog.Logger
	metrics  Metrics
	watchdog time.Duration
	cron     *cron.Cron
	now      func() time.Time
}

// NewSupervisor creates a Supervisor. tasks may be nil.
func NewSupervisor(services []*Service, tasks *TaskRunner, watchdog time.Duration, log *slog.Logger) *Supervisor {
	if watchdog <= 0 {
		watchdog = 5 * time.Minute
	}
	return &Supervisor{
		services: services,
		tasks:    tasks,
		log:      log.With("component", "supervisor"),
		metrics:  nopMetrics{},
		watchdog: watchdog,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		now:      time.Now,
	}
}

// SetMetrics installs a telemetry sink on the supervisor and everything it owns.
func (s *Supervisor) SetMetrics(m Metrics) {
	s.metrics = m
	for _, svc := range s.services {
		svc.SetMetrics(m)
	}
	if s.tasks != nil {
		s.tasks.SetMetrics(m)
	}
}

// Services returns the supervised loops.
func (s *Supervisor) Services() []*Service {
	return s.services
}

// Start launches every service and the periodic jobs. ctx bounds the
// lifetime of everything started, including loops restarted later.
func (s *Supervisor) Start(ctx context.Context) error {
	for _, svc := range s.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}

	if _, err := s.cron.AddFunc("@every "+s.watchdog.String(), func() { s.CheckWatchdog(ctx) }); err != nil {
		return fmt.Errorf("schedule watchdog: %w", err)
	}
	if s.tasks != nil {
		_, err := s.cron.AddFunc(taskSchedule, func() {
			if err := s.tasks.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("run scheduled tasks", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule task runner: %w", err)
		}
	}
	s.cron.Start()

	s.log.Info("supervisor started", "services", len(s.services), "watchdog", s.watchdog)
	return nil
}

// Stop halts the periodic jobs, waits for running ones, then stops every loop.
func (s *Supervisor) Stop() {
	<-s.cron.Stop().Done()
	for _, svc := range s.services {
		svc.Stop()
	}
	s.log.Info("supervisor stopped")
}

// CheckWatchdog restarts every loop that has stalled.
func (s *Supervisor) CheckWatchdog(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := s.now()
	for _, svc := range s.services {
		if !svc.Stalled(now) {
			continue
		}
		st := svc.Status()
		s.log.Warn("service stalled, restarting",
			"service", st.Service, "errors", st.Errors, "interval", st.Interval, "last_success", st.LastSuccess)
		s.metrics.WatchdogRestart(st.Service)
		if err := svc.Restart(ctx); err != nil {
			s.log.Error("restart service", "service", st.Service, "error", err)
		}
	}
}
