package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/reportsched/internal/database"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/testutil"
)

// Monday.
var monday9 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

type harness struct {
	db      *gorm.DB
	store   *database.ScheduleStore
	clock   *testutil.Clock
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.NewTestDB(t)
	return newHarnessOn(t, db, testutil.NewClock(monday9))
}

func newHarnessOn(t *testing.T, db *gorm.DB, clock *testutil.Clock) *harness {
	t.Helper()
	store := database.NewScheduleStore(db)
	return &harness{
		db:      db,
		store:   store,
		clock:   clock,
		manager: NewManager(store, clock.Now, logging.Nop()),
	}
}

func (h *harness) executor(gen Generator, alerter Alerter) *Executor {
	return NewExecutor(h.store, gen, ExecutorConfig{
		WorkerID: "test-worker",
		Clock:    h.clock.Now,
		Alerter:  alerter,
	}, logging.Nop())
}

func (h *harness) create(t *testing.T, cfg Config) *models.ReportSchedule {
	t.Helper()
	s, err := h.manager.Create(context.Background(), CreateRequest{
		UserID:     1,
		TemplateID: 3,
		Name:       "ops summary",
		Config:     cfg,
	})
	require.NoError(t, err)
	return s
}

func (h *harness) reload(t *testing.T, id uint) *models.ReportSchedule {
	t.Helper()
	var s models.ReportSchedule
	require.NoError(t, h.db.Unscoped().First(&s, id).Error)
	return &s
}

func weeklyEmail() Config {
	return Config{
		Frequency:      models.FrequencyWeekly,
		TimeOfDay:      "09:00",
		Timezone:       "UTC",
		Recipients:     []string{"ops@example.com"},
		DeliveryMethod: models.DeliveryEmail,
		IncludeFile:    true,
	}
}

func dailyDownload() Config {
	return Config{
		Frequency:      models.FrequencyDaily,
		TimeOfDay:      "09:00",
		Timezone:       "UTC",
		DeliveryMethod: models.DeliveryDownload,
	}
}

type recordingGenerator struct {
	mu   sync.Mutex
	reqs []models.ReportRequest
	err  error
}

func (g *recordingGenerator) Generate(_ context.Context, req models.ReportRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reqs = append(g.reqs, req)
	return g.err
}

func (g *recordingGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reqs)
}

type recordingAlerter struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (a *recordingAlerter) NotifyFailure(_ context.Context, _ models.ReportSchedule, out Outcome) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, out)
	return a.err
}

func requireInstant(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	require.Truef(t, want.Equal(*got), "want %s, got %s", want, *got)
}
