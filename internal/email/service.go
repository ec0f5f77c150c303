// Package email delivers transactional mail over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds the SMTP connection settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service sends mail through a single SMTP relay.
type Service struct {
	config Config
	addr   string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	return &Service{
		config: config,
		addr:   config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
	}
}

// IsConfigured reports whether enough SMTP settings are present to send.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SuggestionReviewData feeds the suggestion review template.
type SuggestionReviewData struct {
	AppName       string
	ReviewerName  string
	SuggesterName string
	ObjectTitle   string
	ReviewURL     string
}

// SendSuggestionReviewEmail tells a reviewer that a suggestion is waiting.
func (s *Service) SendSuggestionReviewEmail(to, reviewerName, suggesterName, objectTitle, reviewURL string) error {
	data := SuggestionReviewData{
		AppName:       "Quiver",
		ReviewerName:  reviewerName,
		SuggesterName: suggesterName,
		ObjectTitle:   objectTitle,
		ReviewURL:     reviewURL,
	}

	html, err := renderTemplate(suggestionReviewEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render suggestion review template: %w", err)
	}

	subject := fmt.Sprintf("%s suggested a change to %s", suggesterName, objectTitle)
	plain := fmt.Sprintf("%s has suggested a change to %s.\n\nReview it here: %s\n",
		suggesterName, objectTitle, reviewURL)

	return s.send([]string{to}, subject, plain, html)
}

// send delivers a multipart/alternative message with plain and HTML parts.
func (s *Service) send(to []string, subject, plainBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	const boundary = "boundary-quiver"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(plainBody)
	msg.WriteString("\r\n\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	msg.WriteString(htmlBody)
	msg.WriteString("\r\n\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.addr, s.auth, s.config.From, to, msg.Bytes())
}

func (s *Service) fromHeader() string {
	if s.config.FromName == "" {
		return s.config.From
	}
	return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
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

const suggestionReviewEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Suggestion waiting for review</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Hi {{.ReviewerName}},</h2>

    <p><strong>{{.SuggesterName}}</strong> has suggested a change to <strong>{{.ObjectTitle}}</strong> and it is waiting for your review.</p>

    <p>
        <a href="{{.ReviewURL}}" class="button">Review Suggestion</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.ReviewURL}}</p>

    <div class="footer">
        <p>You are receiving this because you can review suggestions in this collection. You can turn these emails off in your organization settings.</p>
    </div>
</body>
</html>`
