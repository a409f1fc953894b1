package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakePublisher struct {
	topic string
	body  []byte
	err   error
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	f.topic = topic
	f.body = body
	return f.err
}

func TestNSQSinkPublish(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewPublisherSink(pub, "agent_events")
	ev, _ := New(PollCreated, RecordPayload{ID: "p1"}, now)

	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if pub.topic != "agent_events" {
		t.Errorf("topic = %q", pub.topic)
	}

	var msg NSQMessage
	if err := json.Unmarshal(pub.body, &msg); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if msg.ID != ev.ID || msg.Type != PollCreated || string(msg.Payload) != `{"id":"p1"}` {
		t.Errorf("message = %+v", msg)
	}

	pub.err = errors.New("nsqd down")
	if err := sink.Publish(context.Background(), ev); err == nil {
		t.Error("Publish() swallowed producer error")
	}
	sink.Stop()
}

func TestNewNSQSinkUnreachable(t *testing.T) {
	if _, err := NewNSQSink("127.0.0.1:1", "agent_events"); err == nil {
		t.Error("NewNSQSink() to closed port returned nil error")
	}
}
