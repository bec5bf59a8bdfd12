package events

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes messages to a Cloud Pub/Sub topic with the order id as ordering key.
type PubSubSink struct {
	topic *pubsub.Topic
}

// NewPubSubSink wraps topic. Message ordering is enabled on the topic handle.
func NewPubSubSink(topic *pubsub.Topic) (*PubSubSink, error) {
	if topic == nil {
		return nil, errors.New("events: pubsub topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubSink{topic: topic}, nil
}

// Send publishes msg and waits for the server id.
func (s *PubSubSink) Send(ctx context.Context, msg Message) error {
	result := s.topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Data,
		Attributes:  msg.Attributes,
		OrderingKey: msg.Key,
	})
	if _, err := result.Get(ctx); err != nil {
		if msg.Key != "" {
			// A failed publish pauses the ordering key until resumed.
			s.topic.ResumePublish(msg.Key)
		}
		return err
	}
	return nil
}

// Ping reports whether the topic is reachable.
func (s *PubSubSink) Ping(ctx context.Context) error {
	ok, err := s.topic.Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("events: topic %s does not exist", s.topic.ID())
	}
	return nil
}

// Close flushes pending messages.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	return nil
}
