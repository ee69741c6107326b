package models

import "time"

// ReportRequest is what a claimed execution asks the report generator to
// produce and deliver.
type ReportRequest struct {
	ScheduleID     uint           `json:"schedule_id"`
	ExecutionID    string         `json:"execution_id"`
	UserID         uint           `json:"user_id"`
	TemplateID     uint           `json:"template_id"`
	Name           string         `json:"name"`
	Frequency      Frequency      `json:"frequency"`
	Timezone       string         `json:"timezone"`
	Recipients     []string       `json:"recipients"`
	DeliveryMethod DeliveryMethod `json:"delivery_method"`
	WebhookURL     string         `json:"webhook_url,omitempty"`
	IncludeFile    bool           `json:"include_file"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	StartedAt      time.Time      `json:"started_at"`
}

// NewReportRequest describes the run of s claimed by exec.
func NewReportRequest(s *ReportSchedule, exec *Execution) ReportRequest {
	return ReportRequest{
		ScheduleID:     s.ID,
		ExecutionID:    exec.ID,
		UserID:         s.UserID,
		TemplateID:     s.TemplateID,
		Name:           s.Name,
		Frequency:      s.Frequency,
		Timezone:       s.Timezone,
		Recipients:     append([]string(nil), s.Recipients...),
		DeliveryMethod: s.DeliveryMethod,
		WebhookURL:     s.WebhookURL,
		IncludeFile:    s.IncludeFile,
		ScheduledFor:   exec.ScheduledFor,
		StartedAt:      exec.StartedAt,
	}
}
