// Package alert tells operators about failed report executions over Slack
// and email.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/notify"
	"github.com/reportsched/internal/scheduler"
)

type Config struct {
	SlackToken     string
	SlackChannel   string
	SlackAPIURL    string
	SMTPHost       string
	SMTPPort       int
	EmailFrom      string
	EmailUsername  string
	EmailPassword  string
	EmailReceivers []string
}

func (c *Config) slackEnabled() bool {
	return c.SlackToken != "" && c.SlackChannel != ""
}

func (c *Config) emailEnabled() bool {
	return c.SMTPHost != "" && c.EmailFrom != "" && len(c.EmailReceivers) > 0
}

// Manager implements scheduler.Alerter. Each channel is used only when it is
// configured.
type Manager struct {
	slackClient *slack.Client
	mailer      notify.MailSender
	config      *Config
	log         *zap.SugaredLogger
}

func NewManager(config *Config, log *zap.SugaredLogger) *Manager {
	return NewManagerWithSender(config, gomail.NewDialer(config.SMTPHost, config.SMTPPort, config.EmailUsername, config.EmailPassword), log)
}

func NewManagerWithSender(config *Config, mailer notify.MailSender, log *zap.SugaredLogger) *Manager {
	var opts []slack.Option
	if config.SlackAPIURL != "" {
		opts = append(opts, slack.OptionAPIURL(config.SlackAPIURL))
	}
	return &Manager{
		slackClient: slack.New(config.SlackToken, opts...),
		mailer:      mailer,
		config:      config,
		log:         logging.Named(log, "alert"),
	}
}

// Enabled reports whether any channel is configured.
func (am *Manager) Enabled() bool {
	return am.config.slackEnabled() || am.config.emailEnabled()
}

var _ scheduler.Alerter = (*Manager)(nil)

// NotifyFailure sends a failure alert through every configured channel and
// returns the combined error of those that failed.
func (am *Manager) NotifyFailure(ctx context.Context, s models.ReportSchedule, out scheduler.Outcome) error {
	var result error
	if am.config.slackEnabled() {
		if err := am.sendSlackAlert(ctx, &s, out); err != nil {
			result = errors.CombineErrors(result, errors.Wrap(err, "slack alert"))
		}
	}
	if am.config.emailEnabled() {
		if err := am.sendEmailAlert(&s, out); err != nil {
			result = errors.CombineErrors(result, errors.Wrap(err, "email alert"))
		}
	}
	if result == nil {
		am.log.Debugw("Failure alert sent", logging.FieldScheduleID, s.ID, logging.FieldExecutionID, out.ExecutionID)
	}
	return result
}

func (am *Manager) sendSlackAlert(ctx context.Context, s *models.ReportSchedule, out scheduler.Outcome) error {
	attachment := slack.Attachment{
		Color: "#ff0000",
		Title: fmt.Sprintf("Report schedule failed: %s", s.Name),
		Text:  out.Reason,
		Fields: []slack.AttachmentField{
			{
				Title: "Schedule",
				Value: strconv.FormatUint(uint64(s.ID), 10),
				Short: true,
			},
			{
				Title: "Execution",
				Value: out.ExecutionID,
				Short: true,
			},
			{
				Title: "Window",
				Value: out.ScheduledFor.Format(time.RFC3339),
				Short: true,
			},
			{
				Title: "Next Run",
				Value: out.NextRunAt.Format(time.RFC3339),
				Short: true,
			},
			{
				Title: "Failures",
				Value: strconv.FormatInt(s.FailureCount+1, 10),
				Short: true,
			},
		},
		Footer: "reportsched",
		Ts:     json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
	}

	_, _, err := am.slackClient.PostMessageContext(ctx,
		am.config.SlackChannel,
		slack.MsgOptionAttachments(attachment),
	)
	return err
}

func (am *Manager) sendEmailAlert(s *models.ReportSchedule, out scheduler.Outcome) error {
	m := gomail.NewMessage()
	m.SetHeader("From", am.config.EmailFrom)
	m.SetHeader("To", am.config.EmailReceivers...)
	m.SetHeader("Subject", "Report schedule failed: "+s.Name)

	body := fmt.Sprintf(`
		Schedule: %s (#%d)
		Execution: %s
		Window: %s
		Next Run: %s
		Reason: %s
	`, s.Name, s.ID, out.ExecutionID,
		out.ScheduledFor.Format(time.RFC3339),
		out.NextRunAt.Format(time.RFC3339),
		out.Reason)

	m.SetBody("text/plain", body)

	return am.mailer.DialAndSend(m)
}
