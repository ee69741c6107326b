package alert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/reportsched/internal/errors"
	"github.com/reportsched/internal/logging"
	"github.com/reportsched/internal/models"
	"github.com/reportsched/internal/scheduler"
)

type fakeMailer struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeMailer) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

type slackRecorder struct {
	mu       sync.Mutex
	channels []string
	payloads []string
}

func newSlackServer(t *testing.T, rec *slackRecorder) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat.postMessage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		rec.mu.Lock()
		rec.channels = append(rec.channels, r.Form.Get("channel"))
		rec.payloads = append(rec.payloads, r.Form.Get("attachments"))
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C123","ts":"1700000000.000100"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func failedRun() (models.ReportSchedule, scheduler.Outcome) {
	s := models.ReportSchedule{Name: "Weekly ops", FailureCount: 2}
	s.ID = 12
	return s, scheduler.Outcome{
		ScheduleID:   12,
		ExecutionID:  "exec-9",
		Status:       scheduler.OutcomeFailed,
		Reason:       "template 3 is missing",
		ScheduledFor: time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC),
		NextRunAt:    time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
	}
}

func TestNotifyFailureSlackAndEmail(t *testing.T) {
	rec := &slackRecorder{}
	srv := newSlackServer(t, rec)
	mailer := &fakeMailer{}
	am := NewManagerWithSender(&Config{
		SlackToken:     "xoxb-test",
		SlackChannel:   "#reports",
		SlackAPIURL:    srv.URL + "/",
		SMTPHost:       "smtp.example.com",
		EmailFrom:      "alerts@example.com",
		EmailReceivers: []string{"oncall@example.com"},
	}, mailer, logging.Nop())
	require.True(t, am.Enabled())

	s, out := failedRun()
	require.NoError(t, am.NotifyFailure(context.Background(), s, out))

	require.Len(t, rec.channels, 1)
	assert.Equal(t, "#reports", rec.channels[0])
	assert.Contains(t, rec.payloads[0], "template 3 is missing")
	assert.Contains(t, rec.payloads[0], "exec-9")

	require.Len(t, mailer.sent, 1)
	assert.Equal(t, []string{"oncall@example.com"}, mailer.sent[0].GetHeader("To"))
	assert.Equal(t, []string{"Report schedule failed: Weekly ops"}, mailer.sent[0].GetHeader("Subject"))
}

func TestNotifyFailureSkipsUnconfiguredChannels(t *testing.T) {
	mailer := &fakeMailer{}
	am := NewManagerWithSender(&Config{SlackToken: "xoxb-test"}, mailer, nil)
	assert.False(t, am.Enabled())

	s, out := failedRun()
	require.NoError(t, am.NotifyFailure(context.Background(), s, out))
	assert.Empty(t, mailer.sent)
}

func TestNotifyFailureReportsChannelErrors(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("dial tcp: connection refused")}
	am := NewManagerWithSender(&Config{
		SMTPHost:       "smtp.example.com",
		EmailFrom:      "alerts@example.com",
		EmailReceivers: []string{"oncall@example.com"},
	}, mailer, nil)

	s, out := failedRun()
	err := am.NotifyFailure(context.Background(), s, out)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "connection refused"))
}
