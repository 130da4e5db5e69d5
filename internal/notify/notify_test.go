package notify

import (
	"context"
	"errors"
	"lmsfetch/internal/config"
	"lmsfetch/internal/pipeline"
	"net/smtp"
	"strings"
	"testing"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/require"
)

var testConfig = config.NotifyConfig{
	SmtpAddr:     "smtp.example.edu:587",
	SmtpUser:     "bot@example.edu",
	SmtpPassword: "hunter2",
	To:           []string{"alice@example.edu"},
}

func TestBuild(t *testing.T) {
	mail := NewMailer(testConfig).Build(pipeline.Summary{
		Courses: []pipeline.CourseSummary{
			{Course: "CS101", Succeeded: 3, Failed: 1},
		},
	})
	require.Equal(t, "bot@example.edu", mail.From)
	require.Equal(t, []string{"alice@example.edu"}, mail.To)
	require.Equal(t, "lmsfetch: 3 new or updated, 1 failed", mail.Subject)
	require.Contains(t, string(mail.Text), "CS101")
	require.NotContains(t, string(mail.Text), "hunter2")
}

func TestShouldNotify(t *testing.T) {
	require.False(t, ShouldNotify(pipeline.Summary{
		Courses: []pipeline.CourseSummary{{Course: "CS101", Skipped: 4}},
	}))
	require.True(t, ShouldNotify(pipeline.Summary{
		Courses: []pipeline.CourseSummary{{Course: "CS101", Succeeded: 1}},
	}))
	require.True(t, ShouldNotify(pipeline.Summary{Error: "login rejected"}))
}

func TestSendFallsBackWithoutAuth(t *testing.T) {
	var auths []smtp.Auth
	mailer := NewMailer(testConfig)
	mailer.send = func(mail *email.Email, addr string, auth smtp.Auth) error {
		require.Equal(t, "smtp.example.edu:587", addr)
		auths = append(auths, auth)
		if auth != nil {
			return errors.New("smtp: server doesn't support AUTH")
		}
		return nil
	}

	err := mailer.Send(context.Background(), pipeline.Summary{})
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, auths, 2)
	require.Nil(t, auths[1])
}

func TestSendError(t *testing.T) {
	mailer := NewMailer(testConfig)
	mailer.send = func(mail *email.Email, addr string, auth smtp.Auth) error {
		return errors.New("connection refused")
	}

	err := mailer.Send(context.Background(), pipeline.Summary{})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "connection refused"))
}
