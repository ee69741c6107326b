package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// Frequencies lists every recognised frequency in display order.
var Frequencies = []Frequency{
	FrequencyDaily,
	FrequencyWeekly,
	FrequencyMonthly,
	FrequencyQuarterly,
	FrequencyYearly,
}

func (f Frequency) Valid() bool {
	for _, v := range Frequencies {
		if f == v {
			return true
		}
	}
	return false
}

type DeliveryMethod string

const (
	DeliveryEmail    DeliveryMethod = "email"
	DeliveryDownload DeliveryMethod = "download"
	DeliveryWebhook  DeliveryMethod = "webhook"
)

func (d DeliveryMethod) Valid() bool {
	switch d {
	case DeliveryEmail, DeliveryDownload, DeliveryWebhook:
		return true
	}
	return false
}

// Status is the lifecycle state of a schedule. A schedule is in exactly one
// state, so combinations such as deleted-but-enabled cannot be stored.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
	StatusDeleted  Status = "deleted"
)

// ReportSchedule is a persistent configuration for recurring report
// generation together with its run state.
type ReportSchedule struct {
	gorm.Model
	UserID         uint                        `json:"user_id" gorm:"not null;index:idx_report_schedules_user_status,priority:1"`
	TemplateID     uint                        `json:"template_id" gorm:"not null"`
	Name           string                      `json:"name" gorm:"not null"`
	Frequency      Frequency                   `json:"frequency" gorm:"not null"`
	TimeOfDay      string                      `json:"time_of_day" gorm:"size:5;not null"` // HH:MM
	Timezone       string                      `json:"timezone" gorm:"not null;default:UTC"`
	Recipients     datatypes.JSONSlice[string] `json:"recipients"`
	DeliveryMethod DeliveryMethod              `json:"delivery_method" gorm:"not null"`
	WebhookURL     string                      `json:"webhook_url,omitempty"`
	IncludeFile    bool                        `json:"include_file"`
	Status         Status                      `json:"status" gorm:"not null;index:idx_report_schedules_due,priority:1;index:idx_report_schedules_user_status,priority:2"`
	AnchorAt       time.Time                   `json:"anchor_at" gorm:"not null"`
	NextRunAt      *time.Time                  `json:"next_run_at" gorm:"index:idx_report_schedules_due,priority:2"`
	LastRunAt      *time.Time                  `json:"last_run_at"`
	RunCount       int64                       `json:"run_count" gorm:"not null;default:0"`
	SuccessCount   int64                       `json:"success_count" gorm:"not null;default:0"`
	FailureCount   int64                       `json:"failure_count" gorm:"not null;default:0"`
	LastError      string                      `json:"last_error,omitempty"`
	Version        int64                       `json:"-" gorm:"not null;default:0"`
}

func (ReportSchedule) TableName() string {
	return "report_schedules"
}

func (s *ReportSchedule) Enabled() bool {
	return s.Status == StatusEnabled
}

// DueAt reports whether the schedule should run at now.
func (s *ReportSchedule) DueAt(now time.Time) bool {
	return s.Enabled() && s.NextRunAt != nil && !s.NextRunAt.After(now)
}
