package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unchainedshop/workqueue/internal/director"
)

// webhookInput is the expected JSON structure of the work item input.
type webhookInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Webhook makes an outbound HTTP call for work type "webhook".
type Webhook struct {
	client *http.Client
}

// NewWebhook creates the webhook adapter.
func NewWebhook() *Webhook {
	return &Webhook{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (a *Webhook) WorkType() string            { return "webhook" }
func (a *Webhook) MaxParallelAllocations() int { return 0 }
func (a *Webhook) External() bool              { return false }

func (a *Webhook) DoWork(ctx context.Context, input json.RawMessage, _ director.WorkAPI, workID string) (json.RawMessage, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "adapter.webhook")
	defer span.End()
	span.SetAttributes(attribute.String("work.id", workID))

	var in webhookInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, spanFail(span, "invalid input", fmt.Errorf("invalid webhook input: %w", err))
	}
	if in.URL == "" {
		return nil, spanFail(span, "invalid input", errors.New("webhook input missing required field 'url'"))
	}
	if in.Method == "" {
		in.Method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("webhook.url", in.URL),
		attribute.String("webhook.method", in.Method),
	)

	var bodyReader io.Reader
	if in.Body != "" {
		bodyReader = strings.NewReader(in.Body)
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, bodyReader)
	if err != nil {
		return nil, spanFail(span, "build request failed", fmt.Errorf("build webhook request: %w", err))
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, spanFail(span, "http call failed", fmt.Errorf("webhook call to %s: %w", in.URL, err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, spanFail(span, "bad status code",
			fmt.Errorf("webhook %s returned status %d", in.URL, resp.StatusCode))
	}
	return json.RawMessage(fmt.Sprintf(`{"status_code":%d}`, resp.StatusCode)), nil
}
