package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/recurrence"
)

type ExecutorConfig struct {
	WorkerID string
	Clock    Clock
	// Alerter, when set, is notified of failed runs.
	Alerter Alerter
}

// Executor runs one due window of a schedule: claim, generate, record.
type Executor struct {
	store    Store
	gen      Generator
	alerter  Alerter
	clock    Clock
	workerID string
	log      *zap.SugaredLogger
}

func NewExecutor(store Store, gen Generator, cfg ExecutorConfig, log *zap.SugaredLogger) *Executor {
	return &Executor{
		store:    store,
		gen:      gen,
		alerter:  cfg.Alerter,
		clock:    cfg.Clock,
		workerID: cfg.WorkerID,
		log:      logging.Named(log, "executor"),
	}
}

// Execute claims the current due window of schedule id and runs it. A
// schedule that is not due, not enabled, or already claimed by another
// worker yields a skipped outcome and a nil error. Generation failures are
// reported in the outcome, not as an error; the returned error is reserved
// for storage and lookup problems.
func (e *Executor) Execute(ctx context.Context, id uint) (Outcome, error) {
	sched, err := e.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}

	now := e.clock.Now()
	out := Outcome{ScheduleID: id, Status: OutcomeSkipped}
	if sched.NextRunAt != nil {
		out.ScheduledFor = *sched.NextRunAt
		out.NextRunAt = *sched.NextRunAt
	}
	if !sched.Enabled() {
		out.Reason = ReasonDisabled
		return out, nil
	}
	if !sched.DueAt(now) {
		out.Reason = ReasonNotDue
		return out, nil
	}

	rule, err := recurrence.ForSchedule(sched)
	if err != nil {
		return Outcome{}, errors.Wrapf(err, "schedule %d has an invalid rule", id)
	}
	next := rule.Next(now)

	exec, err := e.store.Claim(ctx, models.ClaimRequest{
		ScheduleID:   id,
		Version:      sched.Version,
		Now:          now,
		ScheduledFor: *sched.NextRunAt,
		NextRunAt:    next,
		WorkerID:     e.workerID,
	})
	if errors.Is(err, errors.ErrClaimConflict) {
		e.log.Debugw("Claim lost", logging.FieldScheduleID, id, logging.FieldWorkerID, e.workerID)
		out.Reason = ReasonClaimed
		return out, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	out.ExecutionID = exec.ID
	out.NextRunAt = next

	start := time.Now()
	genErr := e.generate(ctx, models.NewReportRequest(sched, exec))
	result := models.RunResult{
		ScheduleID:  id,
		ExecutionID: exec.ID,
		Succeeded:   genErr == nil,
		FinishedAt:  e.clock.Now(),
	}
	if genErr != nil {
		result.Reason = genErr.Error()
		out.Status = OutcomeFailed
		out.Reason = result.Reason
	} else {
		out.Status = OutcomeSucceeded
	}

	fields := []interface{}{
		logging.FieldScheduleID, id,
		logging.FieldExecutionID, exec.ID,
		logging.FieldWorkerID, e.workerID,
		logging.FieldScheduled, out.ScheduledFor,
		logging.FieldNextRunAt, next,
		logging.FieldDurationMS, time.Since(start).Milliseconds(),
	}
	// Generation already ran; a cancelled caller must not lose its outcome.
	recordCtx := context.WithoutCancel(ctx)
	if err := e.store.RecordOutcome(recordCtx, result); err != nil {
		e.log.Errorw("Failed to record execution outcome", append(fields, logging.FieldError, err)...)
		return out, err
	}

	if genErr != nil {
		e.log.Warnw("Report generation failed", append(fields, logging.FieldReason, out.Reason)...)
		e.alert(recordCtx, sched, out)
	} else {
		e.log.Infow("Report generated", fields...)
	}
	return out, nil
}

func (e *Executor) generate(ctx context.Context, req models.ReportRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("report generation panicked: %v", r)
		}
	}()
	return e.gen.Generate(ctx, req)
}

func (e *Executor) alert(ctx context.Context, sched *models.ReportSchedule, out Outcome) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.NotifyFailure(ctx, *sched, out); err != nil {
		e.log.Warnw("Failed to send failure alert",
			logging.FieldScheduleID, sched.ID,
			logging.FieldExecutionID, out.ExecutionID,
			logging.FieldError, err)
	}
}
