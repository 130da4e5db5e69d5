// Package notify emails run summaries.
package notify

import (
	"context"
	"fmt"
	"lmsfetch/internal/config"
	"lmsfetch/internal/pipeline"
	"net"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("lmsfetch/notify")

type sendFunc func(mail *email.Email, addr string, auth smtp.Auth) error

func defaultSend(mail *email.Email, addr string, auth smtp.Auth) error {
	return mail.Send(addr, auth)
}

type Mailer struct {
	config config.NotifyConfig
	send   sendFunc
}

func NewMailer(cfg config.NotifyConfig) Mailer {
	return Mailer{config: cfg, send: defaultSend}
}

// ShouldNotify reports whether a summary is worth an email, runs that neither changed nor
// failed anything are not.
func ShouldNotify(summary pipeline.Summary) bool {
	return summary.Changed() || summary.HasFailures()
}

func (m Mailer) Build(summary pipeline.Summary) *email.Email {
	totals := summary.Totals()

	mail := email.NewEmail()
	mail.From = m.config.From
	if mail.From == "" {
		mail.From = m.config.SmtpUser
	}
	mail.To = m.config.To
	mail.Subject = fmt.Sprintf(
		"lmsfetch: %d new or updated, %d failed",
		totals.Succeeded,
		totals.Failed,
	)
	if summary.Error != "" {
		mail.Subject = "lmsfetch: run failed"
	}
	mail.Text = []byte(summary.Text())
	return mail
}

func (m Mailer) auth() smtp.Auth {
	if m.config.SmtpUser == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(m.config.SmtpAddr)
	if err != nil {
		host = m.config.SmtpAddr
	}
	return smtp.PlainAuth("", m.config.SmtpUser, m.config.SmtpPassword, host)
}

// Send emails the summary to every configured recipient.
func (m Mailer) Send(ctx context.Context, summary pipeline.Summary) error {
	_, span := tracer.Start(ctx, "notify:Send")
	defer span.End()

	mail := m.Build(summary)
	err := m.send(mail, m.config.SmtpAddr, m.auth())
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = m.send(mail, m.config.SmtpAddr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return fmt.Errorf("send summary to %s: %w", m.config.SmtpAddr, err)
	}
	return nil
}
