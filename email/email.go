// Package email sends transactional mail: the one-time password for
// account recovery and the purchase confirmation. Delivery is best
// effort; callers treat a send failure as non-fatal and log it.
package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// Sender delivers one plain-text message built from a title line and
// body paragraphs.
type Sender interface {
	Send(ctx context.Context, to, subject, title string, paragraphs ...string) error
}

// SMTPConfig carries the settings for the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers mail over authenticated SMTP with STARTTLS.
type SMTPSender struct {
	cfg SMTPConfig
}

var _ Sender = (*SMTPSender)(nil)

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg}
}

func (s *SMTPSender) Send(ctx context.Context, to, subject, title string, paragraphs ...string) error {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return fmt.Errorf("setting sender address: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("setting recipient address: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, renderBody(title, paragraphs))

	client, err := mail.NewClient(s.cfg.Host,
		mail.WithPort(s.cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(s.cfg.Username),
		mail.WithPassword(s.cfg.Password),
		mail.WithTLSPolicy(mail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	defer client.Close()

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	return nil
}

func renderBody(title string, paragraphs []string) string {
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n\n")
	for _, p := range paragraphs {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

// Message is one recorded send, used by the fake.
type Message struct {
	To         string
	Subject    string
	Title      string
	Paragraphs []string
}

// Fake records messages instead of delivering them. It is safe for
// concurrent use through the channel; tests drain Sent.
type Fake struct {
	Sent chan Message
	// Err, when set, is returned by every Send after recording.
	Err error
}

var _ Sender = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{Sent: make(chan Message, 16)}
}

func (f *Fake) Send(_ context.Context, to, subject, title string, paragraphs ...string) error {
	f.Sent <- Message{To: to, Subject: subject, Title: title, Paragraphs: paragraphs}
	return f.Err
}
