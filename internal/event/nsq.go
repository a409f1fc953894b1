package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/agentgate/internal/tracing"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQMessage is the body published for each event.
type NSQMessage struct {
	Event
	TraceHeaders map[string]string `json:"traceHeaders,omitempty"`
}

// NSQSink mirrors the activity log to an NSQ topic.
type NSQSink struct {
	pub   Publisher
	topic string
	stop  func()
}

// NewNSQSink connects a producer to nsqd at addr.
func NewNSQSink(addr, topic string) (*NSQSink, error) {
	prod, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	if err := prod.Ping(); err != nil {
		prod.Stop()
		return nil, fmt.Errorf("nsq ping %s: %w", addr, err)
	}
	return &NSQSink{pub: prod, topic: topic, stop: prod.Stop}, nil
}

// NewPublisherSink wraps an existing publisher.
func NewPublisherSink(pub Publisher, topic string) *NSQSink {
	return &NSQSink{pub: pub, topic: topic, stop: func() {}}
}

func (s *NSQSink) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(NSQMessage{Event: ev, TraceHeaders: tracing.CarrierFromContext(ctx)})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(s.topic, b); err != nil {
		return fmt.Errorf("nsq publish %s: %w", s.topic, err)
	}
	return nil
}

func (s *NSQSink) Stop() {
	s.stop()
}
