package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution is the audit record of one claimed run of a schedule. A row left
// in ExecutionRunning belongs to a worker that never reported back.
type Execution struct {
	ID           string          `json:"id" gorm:"primaryKey;size:36"`
	ScheduleID   uint            `json:"schedule_id" gorm:"not null;index"`
	ScheduledFor time.Time       `json:"scheduled_for" gorm:"not null"`
	NextRunAt    time.Time       `json:"next_run_at" gorm:"not null"`
	WorkerID     string          `json:"worker_id"`
	Status       ExecutionStatus `json:"status" gorm:"not null"`
	Reason       string          `json:"reason,omitempty"`
	StartedAt    time.Time       `json:"started_at" gorm:"not null"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

func (Execution) TableName() string {
	return "schedule_executions"
}

func (e *Execution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

// ClaimRequest asks the store to advance a due schedule to NextRunAt and open
// an execution for ScheduledFor. It succeeds only while the stored version
// still equals Version.
type ClaimRequest struct {
	ScheduleID   uint
	Version      int64
	Now          time.Time
	ScheduledFor time.Time
	NextRunAt    time.Time
	WorkerID     string
}

// RunResult closes an execution opened by a claim.
type RunResult struct {
	ScheduleID  uint
	ExecutionID string
	Succeeded   bool
	Reason      string
	FinishedAt  time.Time
}
