package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"mime"
	"net/http"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/darkden-lab/dispatchd/internal/dispatch"
)

// EmailConfig holds the configuration for the email channel.
type EmailConfig struct {
	Provider    string `yaml:"provider"`     // "smtp" or "sendgrid"
	SMTPHost    string `yaml:"smtp_host"`    // SMTP only
	SMTPPort    string `yaml:"smtp_port"`    // SMTP only
	SMTPUser    string `yaml:"smtp_user"`    // SMTP only
	SMTPPass    string `yaml:"smtp_pass"`    // SMTP only
	SendGridKey string `yaml:"sendgrid_key"` // SendGrid only
	SendGridURL string `yaml:"sendgrid_url"` // SendGrid only, defaults to the v3 API
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
}

// EmailSender delivers email intents using SMTP or SendGrid.
type EmailSender struct {
	config EmailConfig
	mailer mailer
}

// mailer abstracts the sending mechanism for testing.
type mailer interface {
	send(ctx context.Context, from, to, subject, htmlBody string) error
}

// NewEmailSender creates an EmailSender from the given config.
func NewEmailSender(config EmailConfig) (*EmailSender, error) {
	if config.FromAddress == "" {
		return nil, fmt.Errorf("from_address is required for email channel")
	}
	s := &EmailSender{config: config}

	switch config.Provider {
	case "smtp":
		if config.SMTPHost == "" || config.SMTPPort == "" {
			return nil, fmt.Errorf("smtp_host and smtp_port are required for SMTP provider")
		}
		s.mailer = &smtpMailer{config: config}
	case "sendgrid":
		if config.SendGridKey == "" {
			return nil, fmt.Errorf("sendgrid_key is required for SendGrid provider")
		}
		url := config.SendGridURL
		if url == "" {
			url = "https://api.sendgrid.com/v3/mail/send"
		}
		s.mailer = &sendGridMailer{config: config, url: url, client: &http.Client{Timeout: 30 * time.Second}}
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", config.Provider)
	}

	return s, nil
}

func (s *EmailSender) Channel() dispatch.Channel { return dispatch.ChannelEmail }

func (s *EmailSender) Send(ctx context.Context, in dispatch.Intent) error {
	subject := in.Subject
	if subject == "" {
		subject = "Notification"
	}
	htmlBody, err := renderEmailTemplate(subject, in.Message)
	if err != nil {
		return fmt.Errorf("render email template: %w", err)
	}

	from := (&mail.Address{Name: s.config.FromName, Address: s.config.FromAddress}).String()

	if err := s.mailer.send(ctx, from, in.Recipient, subject, htmlBody); err != nil {
		return fmt.Errorf("send to %s: %w", in.Recipient, err)
	}
	return nil
}

// smtpMailer sends email via SMTP. net/smtp has no context support; the
// executor's timeout bounds the call instead.
type smtpMailer struct {
	config EmailConfig
}

func (m *smtpMailer) send(_ context.Context, from, to, subject, htmlBody string) error {
	msg, err := smtpMessage(from, to, subject, htmlBody)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if m.config.SMTPUser != "" {
		auth = smtp.PlainAuth("", m.config.SMTPUser, m.config.SMTPPass, m.config.SMTPHost)
	}

	addr := m.config.SMTPHost + ":" + m.config.SMTPPort
	return smtp.SendMail(addr, auth, m.config.FromAddress, []string{to}, msg)
}

// smtpMessage builds the raw message. Header values never carry CR or LF:
// the recipient must be a bare address, and the subject is RFC 2047 encoded
// whenever it holds anything but printable ASCII.
func smtpMessage(from, to, subject, htmlBody string) ([]byte, error) {
	if strings.ContainsAny(from+to, "\r\n") {
		return nil, fmt.Errorf("address contains a line break")
	}
	if _, err := mail.ParseAddress(to); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String()), nil
}

// sendGridMailer sends email via the SendGrid v3 API.
type sendGridMailer struct {
	config EmailConfig
	url    string
	client *http.Client
}

func (m *sendGridMailer) send(ctx context.Context, _, to, subject, htmlBody string) error {
	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{
			{"to": []map[string]string{{"email": to}}},
		},
		"from":    map[string]string{"email": m.config.FromAddress, "name": m.config.FromName},
		"subject": subject,
		"content": []map[string]string{
			{"type": "text/html", "value": htmlBody},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.config.SendGridKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	return nil
}

var emailTmpl = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head><style>
body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; margin: 0; padding: 20px; background: #f5f5f5; }
.card { background: #fff; border-radius: 8px; padding: 24px; max-width: 600px; margin: 0 auto; box-shadow: 0 1px 3px rgba(0,0,0,0.1); border-left: 4px solid #0d9488; }
.title { font-size: 18px; font-weight: 600; margin-bottom: 8px; }
.body { color: #555; line-height: 1.6; }
</style></head>
<body>
<div class="card">
  <div class="title">{{.Subject}}</div>
  <div class="body">{{.Message}}</div>
</div>
</body>
</html>`))

func renderEmailTemplate(subject, message string) (string, error) {
	var buf bytes.Buffer
	data := struct{ Subject, Message string }{subject, message}
	if err := emailTmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
