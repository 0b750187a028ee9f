package monitor

import (
	"fmt"
	"net/smtp"
	"strings"
)

// NotificationChannel delivers alerts outside of NATS
type NotificationChannel interface {
	Send(alert Alert) error
}

// EmailConfig configures EmailChannel
type EmailConfig struct {
	Host       string   `mapstructure:"host"`
	Port       int      `mapstructure:"port"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	From       string   `mapstructure:"from"`
	Recipients []string `mapstructure:"recipients"`
}

// EmailChannel mails alerts over SMTP
type EmailChannel struct {
	config EmailConfig
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an email channel
func NewEmailChannel(config EmailConfig) (*EmailChannel, error) {
	if config.Host == "" || config.From == "" || len(config.Recipients) == 0 {
		return nil, fmt.Errorf("email channel requires host, from and recipients")
	}
	if config.Port == 0 {
		config.Port = 587
	}
	return &EmailChannel{config: config, send: smtp.SendMail}, nil
}

// Send implements NotificationChannel
func (c *EmailChannel) Send(alert Alert) error {
	var auth smtp.Auth
	if c.config.Username != "" {
		auth = smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	if err := c.send(addr, auth, c.config.From, c.config.Recipients, c.message(alert)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

func (c *EmailChannel) message(alert Alert) []byte {
	state := "RAISED"
	if alert.ResolvedAt != nil {
		state = "RESOLVED"
	}
	subject := fmt.Sprintf("[%s] %s %s", strings.ToUpper(string(alert.Severity)), state, alert.Metric)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.config.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", alert.Message)
	fmt.Fprintf(&b, "metric: %s\r\nvalue: %g\r\nthreshold: %g\r\nraised: %s\r\n",
		alert.Metric, alert.Value, alert.Threshold, alert.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	if alert.ResolvedAt != nil {
		fmt.Fprintf(&b, "resolved: %s\r\n", alert.ResolvedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return []byte(b.String())
}
