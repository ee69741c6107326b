package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

func sampleReport() *Report {
	at := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	return &Report{
		ScheduleID:   42,
		ExecutionID:  "exec-1",
		Name:         "Weekly ops",
		Subject:      "Weekly ops report (2024-01-08)",
		HTML:         []byte("<h1>Weekly ops</h1>"),
		FileName:     "weekly-ops-20240108.html",
		IncludeFile:  true,
		Recipients:   []string{"ops@example.com", "lead@example.com"},
		ScheduledFor: at,
		GeneratedAt:  at.Add(time.Minute),
	}
}

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestEmailDeliverer(t *testing.T) {
	sender := &fakeSender{}
	d := NewEmailDelivererWithSender(sender, "reports@example.com")

	require.NoError(t, d.Deliver(context.Background(), sampleReport()))
	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Equal(t, []string{"reports@example.com"}, m.GetHeader("From"))
	assert.Equal(t, []string{"ops@example.com", "lead@example.com"}, m.GetHeader("To"))
	assert.Equal(t, []string{"Weekly ops report (2024-01-08)"}, m.GetHeader("Subject"))

	var buf bytes.Buffer
	_, err := m.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "weekly-ops-20240108.html")
}

func TestEmailDelivererWithoutAttachment(t *testing.T) {
	sender := &fakeSender{}
	r := sampleReport()
	r.IncludeFile = false
	require.NoError(t, NewEmailDelivererWithSender(sender, "reports@example.com").Deliver(context.Background(), r))

	var buf bytes.Buffer
	_, err := sender.sent[0].WriteTo(&buf)
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "weekly-ops-20240108.html")
}

func TestEmailDelivererErrors(t *testing.T) {
	sender := &fakeSender{err: errors.New("connection refused")}
	d := NewEmailDelivererWithSender(sender, "reports@example.com")

	err := d.Deliver(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	r := sampleReport()
	r.Recipients = nil
	assert.Error(t, d.Deliver(context.Background(), r))
}

func TestWebhookDeliverer(t *testing.T) {
	var got slack.WebhookMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := sampleReport()
	r.WebhookURL = srv.URL + "/hooks/abc"
	require.NoError(t, NewWebhookDeliverer(srv.Client(), "reportsched").Deliver(context.Background(), r))

	assert.Equal(t, "reportsched", got.Username)
	assert.Equal(t, r.Subject, got.Text)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "Weekly ops", got.Attachments[0].Title)
	assert.Equal(t, "42", got.Attachments[0].Fields[0].Value)
}

func TestWebhookDelivererRejectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := sampleReport()
	r.WebhookURL = srv.URL
	assert.Error(t, NewWebhookDeliverer(nil, "").Deliver(context.Background(), r))

	r.WebhookURL = ""
	assert.Error(t, NewWebhookDeliverer(nil, "").Deliver(context.Background(), r))
}

func TestDownloadDeliverer(t *testing.T) {
	dir := t.TempDir()
	d := NewDownloadDeliverer(dir)
	r := sampleReport()

	require.NoError(t, d.Deliver(context.Background(), r))
	path := filepath.Join(dir, "42", "weekly-ops-20240108.html")
	assert.Equal(t, path, d.Path(r))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, r.HTML, data)

	// File names cannot escape the schedule directory.
	r.FileName = "../../escape.html"
	require.NoError(t, d.Deliver(context.Background(), r))
	assert.True(t, strings.HasPrefix(d.Path(r), filepath.Join(dir, "42")))

	r.FileName = ""
	assert.Error(t, d.Deliver(context.Background(), r))
}
