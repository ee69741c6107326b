package database

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/models"
)

// ScheduleStore persists report schedules and their executions. Every state
// change is a single conditional UPDATE so concurrent workers, in this process
// or another, cannot both win the same due window.
type ScheduleStore struct {
	db *gorm.DB
}

func NewScheduleStore(db *gorm.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func (s *ScheduleStore) Get(ctx context.Context, id uint) (*models.ReportSchedule, error) {
	var sched models.ReportSchedule
	if err := s.db.WithContext(ctx).First(&sched, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.Storage(err, "get schedule")
	}
	return &sched, nil
}

func (s *ScheduleStore) Create(ctx context.Context, sched *models.ReportSchedule) error {
	return errors.Storage(s.db.WithContext(ctx).Create(sched).Error, "create schedule")
}

// UpdateConfig replaces the configuration, anchor and next run of a schedule
// that has not been deleted. The status is left alone.
func (s *ScheduleStore) UpdateConfig(ctx context.Context, sched *models.ReportSchedule) error {
	res := s.db.WithContext(ctx).Model(&models.ReportSchedule{}).
		Where("id = ? AND status <> ?", sched.ID, models.StatusDeleted).
		Updates(map[string]interface{}{
			"template_id":     sched.TemplateID,
			"name":            sched.Name,
			"frequency":       sched.Frequency,
			"time_of_day":     sched.TimeOfDay,
			"timezone":        sched.Timezone,
			"recipients":      sched.Recipients,
			"delivery_method": sched.DeliveryMethod,
			"webhook_url":     sched.WebhookURL,
			"include_file":    sched.IncludeFile,
			"anchor_at":       sched.AnchorAt,
			"next_run_at":     sched.NextRunAt,
			"version":         gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return errors.Storage(res.Error, "update schedule")
	}
	if res.RowsAffected == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// SetStatus moves a live schedule to enabled or disabled. nextRunAt, when
// non-nil, replaces the stored next run; a disable passes nil and keeps it.
func (s *ScheduleStore) SetStatus(ctx context.Context, id uint, status models.Status, nextRunAt *time.Time) error {
	if status == models.StatusDeleted {
		return errors.Newf("use SoftDelete to delete schedule %d", id)
	}
	updates := map[string]interface{}{
		"status":  status,
		"version": gorm.Expr("version + 1"),
	}
	if nextRunAt != nil {
		updates["next_run_at"] = *nextRunAt
	}
	res := s.db.WithContext(ctx).Model(&models.ReportSchedule{}).
		Where("id = ? AND status <> ?", id, models.StatusDeleted).
		Updates(updates)
	if res.Error != nil {
		return errors.Storage(res.Error, "set schedule status")
	}
	if res.RowsAffected == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// SoftDelete marks a schedule deleted. The row is kept for its history.
func (s *ScheduleStore) SoftDelete(ctx context.Context, id uint, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.ReportSchedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.StatusDeleted,
			"deleted_at": at,
			"version":    gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return errors.Storage(res.Error, "delete schedule")
	}
	if res.RowsAffected == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// ListDue returns at most limit enabled schedules whose next run is at or
// before now, earliest first.
func (s *ScheduleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]models.ReportSchedule, error) {
	var due []models.ReportSchedule
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", models.StatusEnabled, now.UTC()).
		Order("next_run_at ASC, id ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, errors.Storage(err, "list due schedules")
	}
	return due, nil
}

// Claim advances a due schedule and opens its execution in one transaction.
// It returns ErrClaimConflict when the schedule is no longer enabled, no
// longer due, or was changed since it was read.
func (s *ScheduleStore) Claim(ctx context.Context, req models.ClaimRequest) (*models.Execution, error) {
	exec := &models.Execution{
		ScheduleID:   req.ScheduleID,
		ScheduledFor: req.ScheduledFor.UTC(),
		NextRunAt:    req.NextRunAt.UTC(),
		WorkerID:     req.WorkerID,
		Status:       models.ExecutionRunning,
		StartedAt:    req.Now.UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ReportSchedule{}).
			Where("id = ? AND version = ? AND status = ? AND next_run_at <= ?",
				req.ScheduleID, req.Version, models.StatusEnabled, req.Now.UTC()).
			Updates(map[string]interface{}{
				"next_run_at": req.NextRunAt.UTC(),
				"version":     gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return errors.Storage(res.Error, "claim schedule")
		}
		if res.RowsAffected == 0 {
			return errors.ErrClaimConflict
		}
		return errors.Storage(tx.Create(exec).Error, "open execution")
	})
	if err != nil {
		if !errors.IsAny(err, errors.ErrClaimConflict, errors.ErrStorageUnavailable) {
			err = errors.Storage(err, "claim schedule")
		}
		return nil, err
	}
	return exec, nil
}

// RecordOutcome bumps the run counters and closes the execution. The
// schedule row is matched by id alone, so a run that finishes after its
// schedule was disabled or deleted is still counted; status is never touched.
func (s *ScheduleStore) RecordOutcome(ctx context.Context, r models.RunResult) error {
	var success, failure int
	status := models.ExecutionSucceeded
	lastError := ""
	if r.Succeeded {
		success = 1
	} else {
		failure = 1
		status = models.ExecutionFailed
		lastError = r.Reason
	}
	at := r.FinishedAt.UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Unscoped().Model(&models.ReportSchedule{}).
			Where("id = ?", r.ScheduleID).
			Updates(map[string]interface{}{
				"run_count":     gorm.Expr("run_count + 1"),
				"success_count": gorm.Expr("success_count + ?", success),
				"failure_count": gorm.Expr("failure_count + ?", failure),
				"last_run_at":   at,
				"last_error":    lastError,
			})
		if res.Error != nil {
			return errors.Storage(res.Error, "record outcome")
		}
		if res.RowsAffected == 0 {
			return errors.ErrNotFound
		}
		if r.ExecutionID == "" {
			return nil
		}
		return errors.Storage(tx.Model(&models.Execution{}).
			Where("id = ?", r.ExecutionID).
			Updates(map[string]interface{}{
				"status":      status,
				"reason":      r.Reason,
				"finished_at": at,
			}).Error, "close execution")
	})
	if err != nil && !errors.IsAny(err, errors.ErrNotFound, errors.ErrStorageUnavailable) {
		err = errors.Storage(err, "record outcome")
	}
	return err
}

// ListForUser pages through live schedules newest first. userID 0 lists
// every owner.
func (s *ScheduleStore) ListForUser(ctx context.Context, userID uint, limit, offset int) ([]models.ReportSchedule, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.ReportSchedule{})
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, errors.Storage(err, "count schedules")
	}

	var scheds []models.ReportSchedule
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&scheds).Error; err != nil {
		return nil, 0, errors.Storage(err, "list schedules")
	}
	return scheds, total, nil
}

// ListExecutions returns the most recent executions of a schedule, including
// one that was since deleted.
func (s *ScheduleStore) ListExecutions(ctx context.Context, scheduleID uint, limit int) ([]models.Execution, error) {
	var execs []models.Execution
	err := s.db.WithContext(ctx).
		Where("schedule_id = ?", scheduleID).
		Order("started_at DESC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, errors.Storage(err, "list executions")
	}
	return execs, nil
}
