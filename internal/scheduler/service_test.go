package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
)

func (h *harness) service(gen Generator, cfg ServiceConfig) *Service {
	cfg.Clock = h.clock.Now
	return NewService(NewPoller(h.store, 0), h.executor(gen, nil), cfg, logging.Nop())
}

type concurrencyGauge struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	total   int
}

func (p *concurrencyGauge) Generate(context.Context, models.ReportRequest) error {
	p.mu.Lock()
	p.active++
	p.total++
	if p.active > p.maxSeen {
		p.maxSeen = p.active
	}
	p.mu.Unlock()

	time.Sleep(30 * time.Millisecond)

	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	return nil
}

func TestServiceTickRunsDueSchedulesBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.create(t, dailyDownload())
	}
	notDue := h.create(t, weeklyEmail())

	gauge := &concurrencyGauge{}
	svc := h.service(gauge, ServiceConfig{MaxConcurrent: 2, ClaimsPerSecond: 1000})

	h.clock.Set(monday9.Add(24 * time.Hour))
	outcomes, err := svc.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, outcomes, 5)
	for _, out := range outcomes {
		assert.Equal(t, OutcomeSucceeded, out.Status)
		assert.NotEqual(t, notDue.ID, out.ScheduleID)
	}
	assert.Equal(t, 5, gauge.total)
	assert.LessOrEqual(t, gauge.maxSeen, 2)

	// Nothing is due until tomorrow.
	outcomes, err = svc.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, 5, gauge.total)
}

func TestServiceTickStorageError(t *testing.T) {
	h := newHarness(t)
	svc := h.service(&recordingGenerator{}, ServiceConfig{})
	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = svc.Tick(context.Background())
	assert.True(t, errors.Is(err, errors.ErrStorageUnavailable))
}

func TestServiceStartStop(t *testing.T) {
	h := newHarness(t)
	h.create(t, dailyDownload())
	h.clock.Set(monday9.Add(24 * time.Hour))

	var runs int32
	gen := GeneratorFunc(func(context.Context, models.ReportRequest) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	svc := h.service(gen, ServiceConfig{PollInterval: time.Second, ClaimsPerSecond: 100})

	svc.Start(context.Background())
	svc.Start(context.Background()) // second start is ignored
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) == 1 }, 5*time.Second, 20*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))
	require.NoError(t, svc.Stop(stopCtx))

	require.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.Equal(t, int64(1), h.reload(t, 1).RunCount)
}

func TestServiceStopTimesOutThenDrains(t *testing.T) {
	h := newHarness(t)
	s := h.create(t, dailyDownload())
	h.clock.Set(monday9.Add(24 * time.Hour))

	release := make(chan struct{})
	gen := GeneratorFunc(func(context.Context, models.ReportRequest) error {
		<-release
		return nil
	})
	svc := h.service(gen, ServiceConfig{PollInterval: time.Second, ClaimsPerSecond: 100})
	svc.Start(context.Background())
	require.Eventually(t, func() bool { return svc.InFlight() == 1 }, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := svc.Stop(stopCtx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	shortCtx, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.Error(t, svc.Drain(shortCtx), "the run is still blocked")

	close(release)
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelDrain()
	require.NoError(t, svc.Drain(drainCtx))
	assert.Zero(t, svc.InFlight())

	got := h.reload(t, s.ID)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, int64(1), got.SuccessCount)
}
