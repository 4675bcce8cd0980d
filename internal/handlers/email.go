package handlers

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/davidroman0O/tokenflow/internal/definition"
	"github.com/davidroman0O/tokenflow/internal/registry"
)

type Message struct {
	To      []string
	Subject string
	Body    string
}

// Sender delivers rendered emails.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// SMTPSender sends through a plain SMTP relay.
type SMTPSender struct {
	Addr string
	From string
	Auth smtp.Auth
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", s.From)
	fmt.Fprintf(&sb, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&sb, "Subject: %s\r\n", msg.Subject)
	sb.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	sb.WriteString(msg.Body)
	return smtp.SendMail(s.Addr, s.Auth, s.From, msg.To, []byte(sb.String()))
}

// Email renders the templates of an email node and hands the message to a
// Sender.
type Email struct {
	sender Sender
}

func NewEmail(sender Sender) *Email {
	return &Email{sender: sender}
}

func (e *Email) Execute(tc *registry.TaskContext) (map[string]any, error) {
	cfg, ok := tc.Config.(*definition.EmailConfig)
	if !ok {
		return nil, registry.PermanentFault(registry.CodeHandlerError, "email handler on %T", tc.Config)
	}
	if e.sender == nil {
		return nil, registry.PermanentFault(registry.CodeHandlerError, "no email sender configured")
	}
	env := templateEnv(tc)

	to, err := render("to", cfg.To, env)
	if err != nil {
		return nil, err
	}
	subject, err := render("subject", cfg.Subject, env)
	if err != nil {
		return nil, err
	}
	body, err := render("body", cfg.Body, env)
	if err != nil {
		return nil, err
	}

	var rcpt []string
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			rcpt = append(rcpt, addr)
		}
	}
	if len(rcpt) == 0 {
		return nil, missing("to")
	}

	if err := e.sender.Send(tc, Message{To: rcpt, Subject: subject, Body: body}); err != nil {
		return nil, registry.NewFault("EMAIL_SEND", "%v", err)
	}
	return map[string]any{"to": strings.Join(rcpt, ","), "subject": subject}, nil
}
