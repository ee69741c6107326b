// Package notify delivers rendered reports by email, webhook or to a
// download directory.
package notify

import (
	"context"
	"time"
)

// Report is a rendered report ready for delivery.
type Report struct {
	ScheduleID   uint
	ExecutionID  string
	Name         string
	Subject      string
	HTML         []byte
	FileName     string
	IncludeFile  bool
	Recipients   []string
	WebhookURL   string
	ScheduledFor time.Time
	GeneratedAt  time.Time
}

// Deliverer sends a report to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, r *Report) error
}
