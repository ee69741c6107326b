package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/reportsched/internal/logging"
)

const drainPollInterval = 50 * time.Millisecond

type ServiceConfig struct {
	PollInterval    time.Duration
	MaxConcurrent   int64
	ClaimsPerSecond float64
	Clock           Clock
}

// Service polls for due schedules on a fixed interval and executes them.
// Ticks never overlap within one process; a tick that is still running when
// the next one fires causes that one to be skipped.
type Service struct {
	poller   *Poller
	executor *Executor
	interval time.Duration
	clock    Clock
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	log      *zap.SugaredLogger
	inFlight atomic.Int64

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(poller *Poller, executor *Executor, cfg ServiceConfig, log *zap.SugaredLogger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	limit := rate.Inf
	if cfg.ClaimsPerSecond > 0 {
		limit = rate.Limit(cfg.ClaimsPerSecond)
	}
	burst := int(cfg.MaxConcurrent)

	return &Service{
		poller:   poller,
		executor: executor,
		interval: cfg.PollInterval,
		clock:    cfg.Clock,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:  rate.NewLimiter(limit, burst),
		log:      logging.Named(log, "scheduler"),
	}
}

// Start begins ticking. ctx bounds polling and claiming; runs that have
// already started are not cancelled by it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	cl := logging.CronLogger{Log: s.log}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	tickCtx := s.ctx
	s.cron.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		_, _ = s.Tick(tickCtx)
	}))
	s.cron.Start()
	s.log.Infow("Scheduler started", "interval", s.interval)
}

// Stop stops ticking and waits, until ctx expires, for in-flight runs to
// finish. It returns ctx's error when runs were still in flight; their
// outcomes are recorded only if the store stays open until they finish.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	select {
	case <-c.Stop().Done():
		s.log.Infow("Scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warnw("Scheduler stop timed out with runs in flight",
			logging.FieldCount, s.InFlight(),
			logging.FieldError, ctx.Err())
		return ctx.Err()
	}
}

// InFlight is the number of executions currently running.
func (s *Service) InFlight() int64 {
	return s.inFlight.Load()
}

// Drain waits until no executions are running or ctx expires.
func (s *Service) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for s.InFlight() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Tick polls once and executes every due schedule, a bounded number at a
// time. A storage failure while listing is logged and returned; the next tick
// retries.
func (s *Service) Tick(ctx context.Context) ([]Outcome, error) {
	start := time.Now()
	due, err := s.poller.ListDue(ctx, s.clock.Now())
	if err != nil {
		s.log.Warnw("Failed to list due schedules", logging.FieldError, err)
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	runCtx := context.WithoutCancel(ctx)
	outcomes := make([]Outcome, len(due))
	var wg sync.WaitGroup
	for i := range due {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		s.inFlight.Add(1)
		go func(i int, id uint) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer s.inFlight.Add(-1)
			out, err := s.executor.Execute(runCtx, id)
			if err != nil {
				s.log.Warnw("Schedule execution error", logging.FieldScheduleID, id, logging.FieldError, err)
				return
			}
			outcomes[i] = out
		}(i, due[i].ID)
	}
	wg.Wait()

	done := outcomes[:0]
	for _, out := range outcomes {
		if out.Status != "" {
			done = append(done, out)
		}
	}
	s.log.Debugw("Tick finished",
		logging.FieldCount, len(due),
		logging.FieldDurationMS, time.Since(start).Milliseconds())
	return done, nil
}
