package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// EmailConfig holds the configuration for the email sender.
type EmailConfig struct {
	Provider       string // "smtp" or "sendgrid"
	FromAddress    string
	FromName       string
	DefaultSubject string

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPass     string
	SMTPStartTLS bool

	SendGridKey     string
	SendGridBaseURL string
}

const defaultSubject = "Appointment reminder"

// EmailSender sends reminders via SMTP or SendGrid.
type EmailSender struct {
	config EmailConfig
	sender mailTransport
}

// mailTransport abstracts the sending mechanism for testing.
type mailTransport interface {
	send(ctx context.Context, to, subject, body string) error
}

func NewEmailSender(config EmailConfig, client *http.Client) (*EmailSender, error) {
	if config.FromAddress == "" {
		return nil, errors.New("from address is required")
	}
	if config.DefaultSubject == "" {
		config.DefaultSubject = defaultSubject
	}
	s := &EmailSender{config: config}

	switch config.Provider {
	case "smtp":
		if config.SMTPHost == "" {
			return nil, errors.New("smtp host is required for SMTP provider")
		}
		if config.SMTPPort == 0 {
			config.SMTPPort = 587
		}
		s.sender = &smtpTransport{config: config}
	case "sendgrid":
		if config.SendGridKey == "" {
			return nil, errors.New("sendgrid key is required for SendGrid provider")
		}
		if client == nil {
			client = &http.Client{}
		}
		s.sender = &sendGridTransport{config: config, client: client}
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", config.Provider)
	}
	return s, nil
}

func (s *EmailSender) Send(ctx context.Context, d Delivery) (bool, error) {
	subject := strings.TrimSpace(d.Subject)
	if subject == "" {
		subject = s.config.DefaultSubject
	}
	if err := s.sender.send(ctx, d.Destination, subject, d.Body); err != nil {
		return false, fmt.Errorf("send to %s: %w", d.Destination, err)
	}
	return true, nil
}

func (c EmailConfig) from() string {
	if c.FromName == "" {
		return c.FromAddress
	}
	return mime.QEncoding.Encode("utf-8", c.FromName) + " <" + c.FromAddress + ">"
}

// smtpTransport speaks SMTP on a connection bounded by the ctx deadline.
type smtpTransport struct {
	config EmailConfig
}

func (t *smtpTransport) send(ctx context.Context, to, subject, body string) error {
	addr := net.JoinHostPort(t.config.SMTPHost, strconv.Itoa(t.config.SMTPPort))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, t.config.SMTPHost)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if t.config.SMTPStartTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errors.New("server does not support STARTTLS")
		}
		if err := c.StartTLS(&tls.Config{ServerName: t.config.SMTPHost}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if t.config.SMTPUser != "" {
		auth := smtp.PlainAuth("", t.config.SMTPUser, t.config.SMTPPass, t.config.SMTPHost)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.Mail(t.config.FromAddress); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(buildMessage(t.config.from(), to, subject, body)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildMessage(from, to, subject, body string) []byte {
	var b bytes.Buffer
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// sendGridTransport sends email via the SendGrid v3 API.
type sendGridTransport struct {
	config EmailConfig
	client *http.Client
}

func (t *sendGridTransport) send(ctx context.Context, to, subject, body string) error {
	payload := map[string]any{
		"personalizations": []map[string]any{
			{"to": []map[string]string{{"email": to}}},
		},
		"from":    map[string]string{"email": t.config.FromAddress, "name": t.config.FromName},
		"subject": subject,
		"content": []map[string]string{
			{"type": "text/plain", "value": body},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	base := strings.TrimRight(t.config.SendGridBaseURL, "/")
	if base == "" {
		base = "https://api.sendgrid.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v3/mail/send", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.config.SendGridKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	return nil
}
