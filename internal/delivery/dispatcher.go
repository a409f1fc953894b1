// Package delivery fans emitted events out to webhook subscriptions: one
// synchronous signed POST per matching subscription, then in-memory retries
// on a fixed backoff ladder.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/agentgate/internal/clock"
	"github.com/austindbirch/agentgate/internal/event"
	"github.com/austindbirch/agentgate/internal/logging"
	"github.com/austindbirch/agentgate/internal/metrics"
	"github.com/austindbirch/agentgate/internal/subscription"
	"github.com/austindbirch/agentgate/internal/tracing"
)

// Dispatcher emits events. Delivery failures never reach the emitter.
type Dispatcher struct {
	subs       subscription.Store
	deliveries *subscription.DeliveryLog
	activity   *event.ActivityLog
	registry   *event.Registry
	clock      clock.Clock
	logger     *logging.Logger

	client  *http.Client
	timeout time.Duration
	headers Headers
	backoff []time.Duration

	sender  *Sender
	retries *RetryScheduler
}

type Option func(*Dispatcher)

func WithActivityLog(a *event.ActivityLog) Option {
	return func(d *Dispatcher) { d.activity = a }
}

func WithDeliveryLog(l *subscription.DeliveryLog) Option {
	return func(d *Dispatcher) { d.deliveries = l }
}

func WithRegistry(r *event.Registry) Option {
	return func(d *Dispatcher) { d.registry = r }
}

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithTimeout bounds each delivery attempt.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

func WithHeaders(h Headers) Option {
	return func(d *Dispatcher) { d.headers = h }
}

func WithBackoff(schedule []time.Duration) Option {
	return func(d *Dispatcher) { d.backoff = schedule }
}

func NewDispatcher(subs subscription.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		subs:    subs,
		clock:   clock.Real{},
		logger:  logging.Nop(),
		timeout: DefaultTimeout,
		headers: DefaultHeaders,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.activity == nil {
		d.activity = event.NewActivityLog(event.DefaultActivitySize, d.logger)
	}
	if d.deliveries == nil {
		d.deliveries = subscription.NewDeliveryLog(subscription.DefaultDeliveryLogSize)
	}
	if d.registry == nil {
		d.registry = event.DefaultRegistry()
	}
	d.sender = NewSender(d.client, d.timeout, d.headers)
	d.retries = NewRetryScheduler(d.clock, d.backoff, d.retry)
	return d
}

func (d *Dispatcher) Activity() *event.ActivityLog          { return d.activity }
func (d *Dispatcher) Deliveries() *subscription.DeliveryLog { return d.deliveries }
func (d *Dispatcher) Registry() *event.Registry             { return d.registry }
func (d *Dispatcher) Retries() *RetryScheduler              { return d.retries }
func (d *Dispatcher) Subscriptions() subscription.Store     { return d.subs }

// Emit builds, validates and publishes an event. The only errors returned
// are for a malformed type or a payload rejected by the registry.
func (d *Dispatcher) Emit(ctx context.Context, eventType string, payload any) (event.Event, error) {
	ev, err := event.New(eventType, payload, d.clock.Now())
	if err != nil {
		return event.Event{}, err
	}
	if err := d.registry.Validate(ev); err != nil {
		return event.Event{}, err
	}
	d.Publish(ctx, ev)
	return ev, nil
}

// Publish appends ev to the activity log, then makes the first delivery
// attempt to every matching subscription concurrently and waits for them.
func (d *Dispatcher) Publish(ctx context.Context, ev event.Event) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracing.StartSpan(ctx, "dispatch.emit",
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", ev.Type),
	)
	defer span.End()

	d.activity.Append(ctx, ev)
	metrics.RecordEventEmitted(ev.Type)

	subs, err := d.subs.Matching(ctx, ev.Type)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithEvent(ev.Type).WithError(err).Error("Failed to resolve subscriptions")
		return
	}
	span.SetAttributes(attribute.Int("subscriptions", len(subs)))
	if len(subs) == 0 {
		return
	}

	body, err := EncodeEnvelope(ev)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		d.logger.WithContext(ctx).WithEvent(ev.Type).WithError(err).Error("Failed to encode envelope")
		return
	}

	carrier := tracing.CarrierFromContext(ctx)
	var g errgroup.Group
	for _, sub := range subs {
		t := NewTask(ev, body, sub, carrier)
		g.Go(func() error {
			d.attempt(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
}

// attempt runs one delivery of t and records it. On failure it arms the
// next retry unless the schedule is exhausted or the subscription is gone.
func (d *Dispatcher) attempt(ctx context.Context, t Task) subscription.Attempt {
	out := d.sender.Send(ctx, t)
	t.Attempt++
	now := d.clock.Now().UTC()

	rec := subscription.Attempt{
		DeliveryID: t.DeliveryID,
		EventID:    t.EventID,
		Event:      t.EventType,
		Attempt:    t.Attempt,
		Delivered:  out.Delivered,
		HTTPStatus: out.HTTPStatus,
		Reason:     out.Reason,
		Error:      out.ErrorString(),
		Signature:  t.Signature,
		DurationMS: out.Latency.Milliseconds(),
		Timestamp:  now,
	}

	status := "failed"
	if out.Delivered {
		status = "delivered"
	}
	metrics.RecordDelivery(status, out.Latency)

	entry := d.logger.WithContext(ctx).
		WithSubscription(t.SubscriptionID).
		WithEvent(t.EventType).
		WithFields(map[string]any{"delivery_id": t.DeliveryID, "attempt": t.Attempt, "http_status": out.HTTPStatus})

	err := d.subs.RecordOutcome(ctx, t.SubscriptionID, out.Delivered, now)
	gone := errors.Is(err, subscription.ErrNotFound)
	if err != nil && !gone {
		entry.WithError(err).Warn("Failed to record delivery outcome")
	}
	// history of a deleted subscription has already been dropped
	if !gone {
		d.deliveries.Append(t.SubscriptionID, rec)
	}

	switch {
	case out.Delivered:
		entry.Info("Webhook delivered")
		return rec
	case gone:
		entry.Info("Subscription removed, dropping delivery")
		return rec
	}

	fireAt, err := d.retries.Schedule(t, out.Reason)
	switch {
	case err == nil:
		entry.WithFields(map[string]any{"reason": out.Reason, "next_attempt_at": fireAt.Format(time.RFC3339)}).
			WithError(out.Err).Warn("Webhook delivery failed, retry scheduled")
	case errors.Is(err, ErrBackoffExhausted):
		metrics.RecordRetryAbandoned()
		entry.WithFields(NewAbandoned(t, out, now).Fields()).Error("Webhook delivery abandoned")
	default:
		entry.WithError(err).Warn("Webhook delivery failed, retry not scheduled")
	}
	return rec
}

// retry runs on the scheduler's timer. ctx is cancelled if the subscription
// is deleted while the attempt is in flight.
func (d *Dispatcher) retry(ctx context.Context, t Task) {
	ctx = tracing.ContextFromCarrier(ctx, t.TraceHeaders)
	if _, err := d.subs.Lookup(ctx, t.SubscriptionID); errors.Is(err, subscription.ErrNotFound) {
		d.logger.WithContext(ctx).WithSubscription(t.SubscriptionID).WithEvent(t.EventType).
			Debug("Subscription removed before retry")
		return
	}
	d.attempt(ctx, t)
}

// Unsubscribe deletes a subscription, disarms its retries and drops its
// delivery history.
func (d *Dispatcher) Unsubscribe(ctx context.Context, id string) error {
	if err := d.subs.Delete(ctx, id); err != nil {
		return err
	}
	cancelled := d.retries.CancelSubscription(id)
	d.deliveries.Drop(id)
	d.logger.WithContext(ctx).WithSubscription(id).WithField("cancelled_retries", cancelled).Info("Subscription deleted")
	return nil
}

// Test sends a webhook.test event to one subscription through the normal
// delivery path and returns the first attempt.
func (d *Dispatcher) Test(ctx context.Context, id string) (subscription.Attempt, error) {
	sub, err := d.subs.Lookup(ctx, id)
	if err != nil {
		return subscription.Attempt{}, err
	}
	ev, err := event.New(event.WebhookTest, event.WebhookTestPayload{
		SubscriptionID: sub.ID,
		Message:        "test delivery",
	}, d.clock.Now())
	if err != nil {
		return subscription.Attempt{}, err
	}

	ctx = context.WithoutCancel(ctx)
	ctx, span := tracing.StartSpan(ctx, "dispatch.test",
		attribute.String("event_id", ev.ID),
		attribute.String("subscription_id", sub.ID),
	)
	defer span.End()

	d.activity.Append(ctx, ev)
	metrics.RecordEventEmitted(ev.Type)

	body, err := EncodeEnvelope(ev)
	if err != nil {
		return subscription.Attempt{}, fmt.Errorf("encode envelope: %w", err)
	}
	return d.attempt(ctx, NewTask(ev, body, sub, tracing.CarrierFromContext(ctx))), nil
}

// Stop disarms every pending retry.
func (d *Dispatcher) Stop() {
	d.retries.Stop()
}
