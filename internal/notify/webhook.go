package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"
)

// WebhookDeliverer posts a Slack-compatible incoming-webhook message
// announcing the report.
type WebhookDeliverer struct {
	client   *http.Client
	username string
}

func NewWebhookDeliverer(client *http.Client, username string) *WebhookDeliverer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookDeliverer{client: client, username: username}
}

func (w *WebhookDeliverer) Deliver(ctx context.Context, r *Report) error {
	if r.WebhookURL == "" {
		return fmt.Errorf("report %q has no webhook url", r.Name)
	}

	msg := &slack.WebhookMessage{
		Username: w.username,
		Text:     r.Subject,
		Attachments: []slack.Attachment{
			{
				Color: "#36a64f",
				Title: r.Name,
				Fields: []slack.AttachmentField{
					{Title: "Schedule", Value: strconv.FormatUint(uint64(r.ScheduleID), 10), Short: true},
					{Title: "Execution", Value: r.ExecutionID, Short: true},
					{Title: "Period", Value: r.ScheduledFor.Format(time.RFC3339), Short: true},
					{Title: "Generated", Value: r.GeneratedAt.Format(time.RFC3339), Short: true},
				},
				Footer: "reportsched",
				Ts:     json.Number(strconv.FormatInt(r.GeneratedAt.Unix(), 10)),
			},
		},
	}

	if err := slack.PostWebhookCustomHTTPContext(ctx, r.WebhookURL, w.client, msg); err != nil {
		return fmt.Errorf("failed to post report webhook: %w", err)
	}
	return nil
}
