package pubsub

import (
	"context"
	"errors"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// ErrTopicNotConfigured means the topic name could not be expanded; retrying
// will not help.
var ErrTopicNotConfigured = errors.New("pubsub topic not configured")

// Sender publishes synchronously with message ordering enabled. Publishers
// are created lazily and reused per topic.
type Sender struct {
	client *Client

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

func (c *Client) Sender() *Sender {
	return &Sender{client: c, publishers: map[string]*pubsub.Publisher{}}
}

// Send blocks until the server acknowledges msg and returns its server id.
func (s *Sender) Send(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	pub := s.publisher(topic)
	if pub == nil {
		return "", ErrTopicNotConfigured
	}
	id, err := pub.Publish(ctx, msg).Get(ctx)
	if err != nil && msg.OrderingKey != "" {
		// A failed ordered publish pauses the key until resumed.
		pub.ResumePublish(msg.OrderingKey)
	}
	return id, err
}

// Stop flushes and stops every publisher handed out so far.
func (s *Sender) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, pub := range s.publishers {
		pub.Stop()
		delete(s.publishers, name)
	}
}

func (s *Sender) publisher(topic string) *pubsub.Publisher {
	if s == nil || s.client == nil || s.client.ps == nil {
		return nil
	}
	fullName := TopicResourceName(s.client.projectID, topic)
	if fullName == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pub, ok := s.publishers[fullName]; ok {
		return pub
	}
	pub := s.client.ps.Publisher(fullName)
	pub.EnableMessageOrdering = true
	s.publishers[fullName] = pub
	return pub
}
