package delivery

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"

	"gopkg.in/gomail.v2"

	"leadnurture/nurture"
)

// Dialer is the part of gomail.Dialer the email sender needs
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	Subject   string
}

var emailTemplate = template.Must(template.New("step").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .footer { margin-top: 30px; font-size: 12px; color: #7f8c8d; }
    </style>
</head>
<body>
    {{range .Paragraphs}}<p>{{.}}</p>
    {{end}}
    <div class="footer">{{.FromName}}</div>
</body>
</html>`))

// EmailSender delivers steps by SMTP to the email stored on the lead
type EmailSender struct {
	dialer Dialer
	leads  nurture.LeadDirectory
	cfg    EmailConfig
}

// NewEmailSender builds a sender on a real SMTP dialer
func NewEmailSender(cfg EmailConfig, leads nurture.LeadDirectory) *EmailSender {
	return NewEmailSenderWithDialer(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg, leads)
}

func NewEmailSenderWithDialer(d Dialer, cfg EmailConfig, leads nurture.LeadDirectory) *EmailSender {
	if cfg.Subject == "" {
		cfg.Subject = "Un mensaje para ti"
	}
	return &EmailSender{dialer: d, leads: leads, cfg: cfg}
}

func (s *EmailSender) Send(ctx context.Context, msg nurture.Message) (nurture.Receipt, error) {
	lead, err := s.leads.Lookup(ctx, msg.CreatorID, msg.FollowerID)
	if err != nil {
		if nurture.IsNotFound(err) {
			return nurture.Receipt{}, &nurture.DeliveryError{Platform: "email", Err: nurture.ErrNoDestination}
		}
		return nurture.Receipt{}, err
	}
	if strings.TrimSpace(lead.Email) == "" {
		return nurture.Receipt{}, &nurture.DeliveryError{Platform: "email", Err: nurture.ErrNoDestination}
	}

	var body bytes.Buffer
	err = emailTemplate.Execute(&body, map[string]interface{}{
		"Paragraphs": strings.Split(msg.Text, "\n"),
		"FromName":   s.cfg.FromName,
	})
	if err != nil {
		return nurture.Receipt{}, fmt.Errorf("error executing template: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(s.cfg.FromEmail, s.cfg.FromName))
	m.SetHeader("To", lead.Email)
	m.SetHeader("Subject", s.cfg.Subject)
	m.SetHeader("X-Enrollment-ID", msg.EnrollmentID)
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", body.String())

	// gomail has no context support; give up waiting when ctx expires
	done := make(chan error, 1)
	go func() { done <- s.dialer.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return nurture.Receipt{}, &nurture.DeliveryError{Platform: "email", Err: err}
		}
		return nurture.Receipt{Delivered: true, PlatformUsed: "email"}, nil
	case <-ctx.Done():
		return nurture.Receipt{}, &nurture.DeliveryError{Platform: "email", Err: ctx.Err()}
	}
}
