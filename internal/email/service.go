// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"circles/api/internal/store"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends an HTML email with a plain text alternative.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-circles"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type RecoveryPartnerData struct {
	AppName       string
	PartnerName   string
	RequesterName string
	ExpiresAt     string
}

// NotifyRecoveryPartner tells partner that requester asked them to approve a
// password reset. The message never carries the recovery token; the
// requester hands it over out of band.
func (s *Service) NotifyRecoveryPartner(_ context.Context, partner, requester store.User, expiresAt time.Time) error {
	if partner.Email == "" {
		return fmt.Errorf("partner %s has no email", partner.ID)
	}
	data := RecoveryPartnerData{
		AppName:       s.appName(),
		PartnerName:   partner.DisplayName(),
		RequesterName: requester.DisplayName(),
		ExpiresAt:     expiresAt.UTC().Format("Jan 2, 2006 15:04 MST"),
	}
	html, err := renderTemplate(recoveryPartnerTemplate, data)
	if err != nil {
		return fmt.Errorf("render recovery partner template: %w", err)
	}
	text := fmt.Sprintf(
		"Hi %s,\r\n\r\n%s asked you to approve a password reset on %s. "+
			"If they contact you with a recovery code, sign in and approve it before %s. "+
			"If you don't recognise this request, ignore this email.",
		data.PartnerName, data.RequesterName, data.AppName, data.ExpiresAt,
	)
	subject := fmt.Sprintf("%s asked you to approve a password reset", data.RequesterName)
	return s.SendHTMLEmail([]string{partner.Email}, subject, text, html)
}

func (s *Service) appName() string {
	if s.config.FromName != "" {
		return s.config.FromName
	}
	return "Circles"
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const recoveryPartnerTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Password reset approval</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.PartnerName}},</p>

    <p><strong>{{.RequesterName}}</strong> named you as their recovery partner and asked you to approve a password reset.</p>

    <p>If they contact you with a recovery code, sign in to {{.AppName}} and approve it.</p>

    <div class="warning">
        <strong>Important:</strong> The request expires on {{.ExpiresAt}}. Only approve it if you are sure the request came from {{.RequesterName}}.
    </div>

    <div class="footer">
        <p>If you don't recognise this request, you can safely ignore this email.</p>
    </div>
</body>
</html>`
