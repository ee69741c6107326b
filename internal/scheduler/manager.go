package scheduler

import (
	"context"
	"net/mail"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/recurrence"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Config is the user-editable recurrence and delivery configuration of a
// schedule.
type Config struct {
	Frequency      models.Frequency      `json:"frequency"`
	TimeOfDay      string                `json:"time_of_day"`
	Timezone       string                `json:"timezone"`
	Recipients     []string              `json:"recipients"`
	DeliveryMethod models.DeliveryMethod `json:"delivery_method"`
	WebhookURL     string                `json:"webhook_url,omitempty"`
	IncludeFile    bool                  `json:"include_file"`
}

func (c Config) normalize() Config {
	c.Frequency = models.Frequency(strings.ToLower(strings.TrimSpace(string(c.Frequency))))
	c.TimeOfDay = strings.TrimSpace(c.TimeOfDay)
	c.Timezone = strings.TrimSpace(c.Timezone)
	c.DeliveryMethod = models.DeliveryMethod(strings.ToLower(strings.TrimSpace(string(c.DeliveryMethod))))
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	recipients := make([]string, 0, len(c.Recipients))
	for _, r := range c.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	c.Recipients = recipients
	return c
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	v := &errors.ValidationError{}
	c.validate(v)
	return v.OrNil()
}

func (c Config) validate(v *errors.ValidationError) {
	if !c.Frequency.Valid() {
		v.Add("frequency", "must be one of daily, weekly, monthly, quarterly, yearly")
	}
	if _, err := recurrence.ParseTimeOfDay(c.TimeOfDay); err != nil {
		v.Add("time_of_day", "must be HH:MM in 24-hour time")
	}
	if _, err := recurrence.LoadLocation(c.Timezone); err != nil {
		v.Add("timezone", "%q is not a recognised IANA timezone", c.Timezone)
	}

	switch c.DeliveryMethod {
	case models.DeliveryEmail:
		if len(c.Recipients) == 0 {
			v.Add("recipients", "at least one recipient is required for email delivery")
		}
	case models.DeliveryWebhook:
		if !validWebhookURL(c.WebhookURL) {
			v.Add("webhook_url", "must be an absolute http or https URL")
		}
	case models.DeliveryDownload:
	default:
		v.Add("delivery_method", "must be one of email, download, webhook")
	}
	for _, r := range c.Recipients {
		if addr, err := mail.ParseAddress(r); err != nil || addr.Address == "" {
			v.Add("recipients", "%q is not a valid email address", r)
		}
	}
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

type CreateRequest struct {
	UserID     uint   `json:"user_id"`
	TemplateID uint   `json:"template_id"`
	Name       string `json:"name"`
	Config
}

// EditRequest replaces a schedule's configuration. An empty Name or zero
// TemplateID keeps the current value.
type EditRequest struct {
	TemplateID uint   `json:"template_id"`
	Name       string `json:"name"`
	Config
}

// Manager owns the lifecycle of schedules: create, enable, disable, edit and
// delete. Every change that affects when a schedule runs recomputes its next
// run from the current time.
type Manager struct {
	store Store
	clock Clock
	log   *zap.SugaredLogger
}

func NewManager(store Store, clock Clock, log *zap.SugaredLogger) *Manager {
	return &Manager{store: store, clock: clock, log: logging.Named(log, "manager")}
}

func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.ReportSchedule, error) {
	cfg := req.Config.normalize()
	name := strings.TrimSpace(req.Name)

	v := &errors.ValidationError{}
	if name == "" {
		v.Add("name", "is required")
	}
	if req.TemplateID == 0 {
		v.Add("template_id", "is required")
	}
	if req.UserID == 0 {
		v.Add("user_id", "is required")
	}
	cfg.validate(v)
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	next, err := recurrence.NextRun(cfg.Frequency, cfg.TimeOfDay, cfg.Timezone, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "compute next run")
	}

	sched := &models.ReportSchedule{
		UserID:     req.UserID,
		TemplateID: req.TemplateID,
		Name:       name,
		Status:     models.StatusEnabled,
		AnchorAt:   now,
		NextRunAt:  &next,
	}
	applyConfig(sched, cfg)
	if err := m.store.Create(ctx, sched); err != nil {
		return nil, err
	}

	m.log.Infow("Report schedule created",
		logging.FieldScheduleID, sched.ID,
		logging.FieldUserID, sched.UserID,
		"frequency", sched.Frequency,
		logging.FieldNextRunAt, next)
	return sched, nil
}

// SetEnabled enables or disables a schedule. Enabling a disabled schedule
// computes a fresh next run from now, so missed windows are not replayed.
// Requesting the current state changes nothing.
func (m *Manager) SetEnabled(ctx context.Context, id uint, enabled bool) (*models.ReportSchedule, error) {
	sched, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case enabled && sched.Status == models.StatusEnabled,
		!enabled && sched.Status == models.StatusDisabled:
		return sched, nil
	case enabled:
		rule, err := recurrence.ForSchedule(sched)
		if err != nil {
			return nil, errors.Wrapf(err, "schedule %d has an invalid rule", id)
		}
		next := rule.Next(m.clock.Now())
		if err := m.store.SetStatus(ctx, id, models.StatusEnabled, &next); err != nil {
			return nil, err
		}
		m.log.Infow("Report schedule enabled", logging.FieldScheduleID, id, logging.FieldNextRunAt, next)
	default:
		if err := m.store.SetStatus(ctx, id, models.StatusDisabled, nil); err != nil {
			return nil, err
		}
		m.log.Infow("Report schedule disabled", logging.FieldScheduleID, id)
	}
	return m.store.Get(ctx, id)
}

// Edit validates and applies a new configuration. The schedule is re-anchored
// at now and its next run recomputed. A run already claimed still records its
// outcome.
func (m *Manager) Edit(ctx context.Context, id uint, req EditRequest) (*models.ReportSchedule, error) {
	cfg := req.Config.normalize()
	v := &errors.ValidationError{}
	cfg.validate(v)
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	sched, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	next, err := recurrence.NextRun(cfg.Frequency, cfg.TimeOfDay, cfg.Timezone, now, now)
	if err != nil {
		return nil, errors.Wrap(err, "compute next run")
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		sched.Name = name
	}
	if req.TemplateID != 0 {
		sched.TemplateID = req.TemplateID
	}
	applyConfig(sched, cfg)
	sched.AnchorAt = now
	sched.NextRunAt = &next

	if err := m.store.UpdateConfig(ctx, sched); err != nil {
		return nil, err
	}
	m.log.Infow("Report schedule edited", logging.FieldScheduleID, id, logging.FieldNextRunAt, next)
	return m.store.Get(ctx, id)
}

// SoftDelete marks a schedule deleted. Its history is kept.
func (m *Manager) SoftDelete(ctx context.Context, id uint) error {
	if err := m.store.SoftDelete(ctx, id, m.clock.Now()); err != nil {
		return err
	}
	m.log.Infow("Report schedule deleted", logging.FieldScheduleID, id)
	return nil
}

func (m *Manager) Get(ctx context.Context, id uint) (*models.ReportSchedule, error) {
	return m.store.Get(ctx, id)
}

// ListForUser pages through a user's schedules, newest first. userID 0 lists
// every user's schedules.
func (m *Manager) ListForUser(ctx context.Context, userID uint, limit, offset int) ([]models.ReportSchedule, int64, error) {
	return m.store.ListForUser(ctx, userID, clampLimit(limit), max(offset, 0))
}

// History returns the most recent executions of a live schedule.
func (m *Manager) History(ctx context.Context, id uint, limit int) ([]models.Execution, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListExecutions(ctx, id, clampLimit(limit))
}

func applyConfig(s *models.ReportSchedule, cfg Config) {
	s.Frequency = cfg.Frequency
	s.TimeOfDay = cfg.TimeOfDay
	s.Timezone = cfg.Timezone
	s.Recipients = cfg.Recipients
	s.DeliveryMethod = cfg.DeliveryMethod
	s.WebhookURL = cfg.WebhookURL
	s.IncludeFile = cfg.IncludeFile
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
