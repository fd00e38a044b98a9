package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/smtp"

	"harvest-stack/internal/models"
	"harvest-stack/shared/config"
)

//go:embed templates/alert.html
var templates embed.FS

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Sender mails failure alerts for harvest runs
type Sender struct {
	config *config.EmailConfig
	send   sendFunc
	tmpl   *template.Template
}

func NewSender(cfg *config.EmailConfig) (*Sender, error) {
	tmpl, err := template.New("alert.html").Funcs(template.FuncMap{
		"committed": func(r *models.RunReport) bool {
			for _, f := range r.Flows {
				if f.Key != "" && f.State != "done" {
					return true
				}
			}
			return false
		},
	}).ParseFS(templates, "templates/alert.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse alert template: %w", err)
	}

	return &Sender{
		config: cfg,
		send:   smtp.SendMail,
		tmpl:   tmpl,
	}, nil
}

// SendFailureAlert mails report if it describes a failed run. Successful
// runs and unconfigured senders are a no-op.
func (s *Sender) SendFailureAlert(report *models.RunReport) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}
	if !report.Failed() || !s.config.Enabled() {
		return nil
	}

	subject := fmt.Sprintf("Harvest failed - run %s (%s)", report.RunID, report.Started.Format("Jan 2, 2006"))

	body, err := s.generateBody(report)
	if err != nil {
		return fmt.Errorf("failed to generate email body: %w", err)
	}

	return s.SendHTML(subject, body)
}

// SendHTML sends an email with custom HTML content
func (s *Sender) SendHTML(subject, htmlBody string) error {
	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.SMTPServer)
	}

	to := []string{s.config.ToEmail}
	msg := []byte(fmt.Sprintf("To: %s\r\nFrom: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=UTF-8\r\n\r\n%s",
		s.config.ToEmail, s.config.FromEmail, subject, htmlBody))

	addr := fmt.Sprintf("%s:%d", s.config.SMTPServer, s.config.SMTPPort)
	if err := s.send(addr, auth, s.config.FromEmail, to, msg); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", s.config.ToEmail, err)
	}
	return nil
}

func (s *Sender) generateBody(report *models.RunReport) (string, error) {
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}
