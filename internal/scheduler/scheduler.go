// Package scheduler runs recurring report schedules.
//
// The Manager creates and changes schedules, the Poller finds the ones that
// are due, and the Executor claims a due window, invokes report generation
// and records the outcome. Service ties the three together on a periodic
// tick. Exclusion between concurrent workers relies entirely on the Store's
// conditional claim, so any number of processes may run a Service against the
// same database.
package scheduler

import (
	"context"
	"time"

	"github.com/reportsched/internal/models"
)

// Store is the persistence the scheduler needs.
type Store interface {
	Get(ctx context.Context, id uint) (*models.ReportSchedule, error)
	Create(ctx context.Context, s *models.ReportSchedule) error
	UpdateConfig(ctx context.Context, s *models.ReportSchedule) error
	SetStatus(ctx context.Context, id uint, status models.Status, nextRunAt *time.Time) error
	SoftDelete(ctx context.Context, id uint, at time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]models.ReportSchedule, error)
	Claim(ctx context.Context, req models.ClaimRequest) (*models.Execution, error)
	RecordOutcome(ctx context.Context, r models.RunResult) error
	ListForUser(ctx context.Context, userID uint, limit, offset int) ([]models.ReportSchedule, int64, error)
	ListExecutions(ctx context.Context, scheduleID uint, limit int) ([]models.Execution, error)
}

// Generator produces and delivers one report. A nil error is success; the
// text of a non-nil error becomes the failure reason.
type Generator interface {
	Generate(ctx context.Context, req models.ReportRequest) error
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req models.ReportRequest) error

func (f GeneratorFunc) Generate(ctx context.Context, req models.ReportRequest) error {
	return f(ctx, req)
}

// Alerter is told about failed executions.
type Alerter interface {
	NotifyFailure(ctx context.Context, s models.ReportSchedule, out Outcome) error
}

// Clock returns the current time.
type Clock func() time.Time

// Now reads c in UTC. A nil Clock reads the system clock.
func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// Skip reasons.
const (
	ReasonNotDue   = "not due"
	ReasonDisabled = "schedule is not enabled"
	ReasonClaimed  = "claimed by another worker"
)

// Outcome is the result of one Execute call.
type Outcome struct {
	ScheduleID   uint          `json:"schedule_id"`
	ExecutionID  string        `json:"execution_id,omitempty"`
	Status       OutcomeStatus `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	ScheduledFor time.Time     `json:"scheduled_for"`
	NextRunAt    time.Time     `json:"next_run_at"`
}
