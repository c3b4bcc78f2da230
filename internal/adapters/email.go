package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/unchainedshop/workqueue/internal/director"
)

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	// MaxParallel caps concurrent deliveries to protect rate-limited
	// SMTP relays. Zero means uncapped.
	MaxParallel int
}

type emailInput struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (in emailInput) validate() error {
	if in.To == "" {
		return errors.New("email input missing required field 'to'")
	}
	return nil
}

// Email delivers a message via SMTP for work type "send-email".
type Email struct {
	cfg EmailConfig
}

// NewEmail creates the email adapter from config.
func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg}
}

func (a *Email) WorkType() string            { return "send-email" }
func (a *Email) MaxParallelAllocations() int { return a.cfg.MaxParallel }
func (a *Email) External() bool              { return false }

func (a *Email) DoWork(ctx context.Context, input json.RawMessage, _ director.WorkAPI, workID string) (json.RawMessage, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "adapter.send_email")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	var in emailInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, spanFail(span, "invalid input", fmt.Errorf("invalid email input: %w", err))
	}
	if err := in.validate(); err != nil {
		return nil, spanFail(span, "invalid input", err)
	}
	span.SetAttributes(attribute.String("email.to", in.To))

	// SendMail blocks with no context support, so it runs detached and
	// is abandoned when the item timeout expires.
	sent := make(chan error, 1)
	go func() {
		sent <- a.send(in)
	}()

	select {
	case err := <-sent:
		if err != nil {
			return nil, spanFail(span, "smtp send failed", fmt.Errorf("smtp send to %s: %w", in.To, err))
		}
		return json.RawMessage(fmt.Sprintf(`{"delivered":true,"to":%q}`, in.To)), nil
	case <-ctx.Done():
		return nil, spanFail(span, "timeout", fmt.Errorf("email send abandoned: %w", ctx.Err()))
	}
}

func (a *Email) send(in emailInput) error {
	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	return smtp.SendMail(addr, auth, a.cfg.From, []string{in.To}, mimeMessage(a.cfg.From, in))
}

func mimeMessage(from string, in emailInput) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", in.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", in.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(in.Body)
	return []byte(b.String())
}

// spanFail records err on the span and passes it through.
func spanFail(span trace.Span, status string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
	return err
}
