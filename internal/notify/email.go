package notify

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/gomail.v2"
)

// MailSender is the part of *gomail.Dialer used for delivery.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailDeliverer struct {
	sender MailSender
	from   string
}

func NewEmailDeliverer(host string, port int, username, password, from string) *EmailDeliverer {
	return NewEmailDelivererWithSender(gomail.NewDialer(host, port, username, password), from)
}

func NewEmailDelivererWithSender(sender MailSender, from string) *EmailDeliverer {
	return &EmailDeliverer{sender: sender, from: from}
}

func (e *EmailDeliverer) Deliver(ctx context.Context, r *Report) error {
	if len(r.Recipients) == 0 {
		return fmt.Errorf("report %q has no recipients", r.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", r.Recipients...)
	m.SetHeader("Subject", r.Subject)
	m.SetBody("text/html", string(r.HTML))
	if r.IncludeFile && r.FileName != "" {
		body := r.HTML
		m.Attach(r.FileName, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(body)
			return err
		}))
	}

	if err := e.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send report email: %w", err)
	}
	return nil
}
