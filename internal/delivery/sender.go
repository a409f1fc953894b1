package delivery

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/agentgate/internal/tracing"
)

const DefaultTimeout = 5 * time.Second

// Headers names the outbound webhook headers.
type Headers struct {
	Event     string
	Signature string // sha256=<hex>
	Delivery  string
}

var DefaultHeaders = Headers{
	Event:     "X-Webhook-Event",
	Signature: "X-Webhook-Signature",
	Delivery:  "X-Webhook-Delivery",
}

// Outcome is the result of one HTTP attempt.
type Outcome struct {
	Delivered  bool
	HTTPStatus int
	Reason     string
	Err        error
	Latency    time.Duration
}

func (o Outcome) ErrorString() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Sender performs single webhook POSTs.
type Sender struct {
	client  *http.Client
	timeout time.Duration
	headers Headers
}

func NewSender(client *http.Client, timeout time.Duration, headers Headers) *Sender {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{client: client, timeout: timeout, headers: headers}
}

// Send POSTs t.Body to t.URL. Any 2xx response is a delivery.
func (s *Sender) Send(ctx context.Context, t Task) Outcome {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, "delivery.attempt",
		attribute.String("delivery_id", t.DeliveryID),
		attribute.String("event_id", t.EventID),
		attribute.String("event_type", t.EventType),
		attribute.String("subscription_id", t.SubscriptionID),
		attribute.String("url", t.URL),
		attribute.Int("attempt", t.Attempt+1),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(t.Body))
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Outcome{Err: err, Reason: "invalid_request"}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "agentgate-webhooks/1")
	req.Header.Set(s.headers.Event, t.EventType)
	req.Header.Set(s.headers.Signature, t.Signature)
	req.Header.Set(s.headers.Delivery, t.DeliveryID)
	tracing.InjectHTTP(ctx, req.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := s.client.Do(req)
	out := Outcome{Latency: time.Since(start), Err: doErr}
	if doErr == nil {
		out.HTTPStatus = resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}
	out.Delivered = doErr == nil && out.HTTPStatus >= 200 && out.HTTPStatus < 300

	span.SetAttributes(
		attribute.Int("http.status_code", out.HTTPStatus),
		attribute.Int64("http.latency_ms", out.Latency.Milliseconds()),
	)
	if !out.Delivered {
		out.Reason = ClassifyReason(doErr, out.HTTPStatus)
		span.SetAttributes(attribute.String("failure_reason", out.Reason))
		if doErr != nil {
			tracing.SetSpanError(ctx, doErr)
		}
	}
	return out
}

// ClassifyReason maps a failed attempt to a metric label.
func ClassifyReason(doErr error, status int) string {
	if doErr != nil {
		var netErr net.Error
		if errors.Is(doErr, context.DeadlineExceeded) || (errors.As(doErr, &netErr) && netErr.Timeout()) {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
