package logging

// Standard field names for structured logging.
const (
	FieldComponent   = "component"
	FieldScheduleID  = "schedule_id"
	FieldExecutionID = "execution_id"
	FieldUserID      = "user_id"
	FieldWorkerID    = "worker_id"
	FieldStatus      = "status"
	FieldReason      = "reason"
	FieldNextRunAt   = "next_run_at"
	FieldScheduled   = "scheduled_for"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldDurationMS  = "duration_ms"
	FieldError       = "error"
	FieldCount       = "count"
	FieldAddress     = "address"
)
