// Package scheduler runs one polling loop per notification service, adapts
// the polling interval to errors and upcoming expiries, and restarts loops
// that stop making progress.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wardenprime/internal/category"
	"wardenprime/internal/differ"
	"wardenprime/internal/model"
	"wardenprime/internal/notifier"
	"wardenprime/internal/source"
	"wardenprime/internal/storage"
)

// ErrAlreadyRunning is returned by Start when the loop is already active.
var ErrAlreadyRunning = errors.New("service already running")

// Dispatcher delivers a snapshot to subscriptions.
type Dispatcher interface {
	Dispatch(ctx context.Context, changed []category.Category, snap model.Snapshot, subs []model.Subscription, firstPass bool) []model.DispatchOutcome
}

// Metrics receives scheduler telemetry.
type Metrics interface {
	ObservePass(service model.Service, err error, elapsed time.Duration)
	ObserveOutcome(service model.Service, result model.DispatchResult)
	ObserveInterval(service model.Service, d time.Duration)
	WatchdogRestart(service model.Service)
	ObserveTask(action model.TaskAction, err error)
}

type nopMetrics struct{}

func (nopMetrics) ObservePass(model.Service, error, time.Duration) {}
func (nopMetrics) ObserveOutcome(model.Service, model.DispatchResult) {}
func (nopMetrics) ObserveInterval(model.Service, time.Duration) {}
func (nopMetrics) WatchdogRestart(model.Service) {}
func (nopMetrics) ObserveTask(model.TaskAction, error) {}

// Config holds the timing parameters of a service loop.
type Config struct {
	// BaseInterval is the healthy polling interval.
	BaseInterval time.Duration
	// MaxInterval caps the interval after repeated errors.
	MaxInterval time.Duration
	// Horizon is how far ahead an expiry pulls the next pass forward.
	// Zero means twice BaseInterval.
	Horizon time.Duration
	// Grace is added after an expiry so the upstream has rotated.
	Grace time.Duration
	// MinWait is the shortest wait between passes.
	MinWait time.Duration
	// StallFactor times the current interval without success triggers a
	// watchdog restart.
	StallFactor int
}

// DefaultConfig returns the defaults for the given base interval.
func DefaultConfig(base time.Duration) Config {
	return Config{
		BaseInterval: base,
		MaxInterval:  10 * time.Minute,
		Grace:        5 * time.Second,
		MinWait:      5 * time.Second,
		StallFactor:  3,
	}
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = time.Minute
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = c.BaseInterval
	}
	if c.Horizon <= 0 {
		c.Horizon = 2 * c.BaseInterval
	}
	if c.StallFactor <= 0 {
		c.StallFactor = 3
	}
	return c
}

// Status is a point-in-time view of a service loop.
type Status struct {
	Service     model.Service
	Running     bool
	Interval    time.Duration
	Errors      int
	LastSuccess time.Time
}

// Service polls one source and dispatches its changes.
type Service struct {
	source     source.Source
	store      storage.Storage
	dispatcher Dispatcher
	log        *slog.Logger
	metrics    Metrics
	cfg        Config
	now        func() time.Time

	// Owned by the pass; never touched while a loop is running elsewhere.
	previous  model.Snapshot
	firstPass bool

	mu          sync.Mutex
	running     bool
	interval    time.Duration
	errors      int
	lastSuccess time.Time
	startedAt   time.Time
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewService creates a stopped service loop.
func NewService(src source.Source, store storage.Storage, d Dispatcher, log *slog.Logger, cfg Config) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		source:     src,
		store:      store,
		dispatcher: d,
		log:        log.With("service", src.Service()),
		metrics:    nopMetrics{},
		cfg:        cfg,
		now:        time.Now,
		firstPass:  true,
		interval:   cfg.BaseInterval,
	}
}

// SetMetrics installs a telemetry sink.
func (s *Service) SetMetrics(m Metrics) {
	s.metrics = m
}

// Name returns the service this loop polls.
func (s *Service) Name() model.Service {
	return s.source.Service()
}

// Start launches the polling loop. The first pass runs immediately.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAt = s.now()

	go s.loop(loopCtx, s.done)
	s.log.Info("service started", "interval", s.interval)
	return nil
}

// Stop cancels the loop, aborting any in-flight request, and waits for it
// to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	s.mu.Unlock()
}

// Restart stops the loop, forgets the previous snapshot and all backoff
// state, and starts again under ctx. The next pass is treated as the first.
func (s *Service) Restart(ctx context.Context) error {
	s.Stop()

	s.previous = model.Snapshot{}
	s.firstPass = true

	s.mu.Lock()
	s.interval = s.cfg.BaseInterval
	s.errors = 0
	s.lastSuccess = time.Time{}
	s.mu.Unlock()

	return s.Start(ctx)
}

// Stalled reports whether the running loop has gone StallFactor intervals
// without a successful pass.
func (s *Service) Stalled(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return false
	}
	ref := s.lastSuccess
	if ref.IsZero() {
		ref = s.startedAt
	}
	return now.Sub(ref) > time.Duration(s.cfg.StallFactor)*s.interval
}

// Status returns the current loop state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Service:     s.source.Service(),
		Running:     s.running,
		Interval:    s.interval,
		Errors:      s.errors,
		LastSuccess: s.lastSuccess,
	}
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait, _ := s.Pass(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Pass fetches, diffs and dispatches once, and returns the wait before the
// next pass.
func (s *Service) Pass(ctx context.Context) (time.Duration, error) {
	start := s.now()
	svc := s.source.Service()
	log := s.log.With("pass", uuid.NewString())

	snap, err := s.source.Fetch(ctx)
	if err != nil {
		wait := s.onError()
		s.metrics.ObservePass(svc, err, s.now().Sub(start))
		if ctx.Err() == nil {
			log.Warn("fetch failed", "error", err, "next_in", wait)
		}
		return wait, fmt.Errorf("fetch %s: %w", svc, err)
	}

	changed := differ.Diff(snap, s.previous)
	// Vanished categories let their subscriptions clear a stale delivery.
	changed = append(changed, differ.Removed(snap, s.previous)...)
	retry := false
	if len(changed) > 0 {
		subs, err := storage.FindMatching(ctx, s.store, svc, changed)
		if err != nil {
			wait := s.onError()
			s.metrics.ObservePass(svc, err, s.now().Sub(start))
			log.Error("list subscriptions", "error", err, "next_in", wait)
			return wait, fmt.Errorf("list subscriptions: %w", err)
		}

		outcomes := s.dispatcher.Dispatch(ctx, changed, snap, subs, s.firstPass)
		failed := 0
		for _, o := range outcomes {
			s.metrics.ObserveOutcome(svc, o.Result)
			if o.Result != model.ResultFailed {
				continue
			}
			failed++
			if !errors.Is(o.Err, notifier.ErrChannelUnavailable) {
				retry = true
			}
		}
		log.Debug("dispatched", "changed", len(changed), "subscriptions", len(outcomes), "failed", failed)
	}

	// A transient delivery failure keeps the old baseline so the change is
	// reported again next pass; delivered subscriptions skip it by
	// signature. An unavailable channel is not retried until the next change.
	if !retry {
		s.previous = snap
	}
	s.firstPass = false

	wait := s.onSuccess(snap)
	s.metrics.ObservePass(svc, nil, s.now().Sub(start))
	return wait, nil
}

func (s *Service) onError() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errors++
	s.interval *= 2
	if s.interval > s.cfg.MaxInterval {
		s.interval = s.cfg.MaxInterval
	}
	s.metrics.ObserveInterval(s.source.Service(), s.interval)
	return s.interval
}

func (s *Service) onSuccess(snap model.Snapshot) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.errors = 0
	s.lastSuccess = now
	s.interval /= 2
	if s.interval < s.cfg.BaseInterval {
		s.interval = s.cfg.BaseInterval
	}
	s.metrics.ObserveInterval(s.source.Service(), s.interval)

	wait := s.interval
	if next, ok := snap.NextExpiry(now); ok {
		until := next.Sub(now)
		if until <= s.cfg.Horizon {
			tight := until + s.cfg.Grace
			if tight < s.cfg.MinWait {
				tight = s.cfg.MinWait
			}
			if tight < wait {
				wait = tight
			}
		}
	}
	return wait
}
