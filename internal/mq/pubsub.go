package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/accountdesk/apiserver/config"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PubSubClient maps channels to topics and subscribes through one
// subscription per channel, named by the configured suffix.
type PubSubClient struct {
	client *pubsub.Client
	subs   subscriptionOptions

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

type subscriptionOptions struct {
	suffix         string
	ackDeadline    time.Duration
	maxOutstanding int
}

// NewPubSubClient connects to the configured project.
func NewPubSubClient(ctx context.Context, cfg config.PubSubConfig) (*PubSubClient, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}

	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("new client: %w", err)
	}

	return &PubSubClient{
		client: client,
		subs: subscriptionOptions{
			suffix:         cfg.SubscriptionSuffix,
			ackDeadline:    cfg.AckDeadline,
			maxOutstanding: cfg.MaxOutstanding,
		},
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Publish sends a message to the topic named channel and returns the
// server-assigned id once the publish is acknowledged.
func (p *PubSubClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("pubsub channel is required")
	}

	topic, err := p.topic(ctx, channel)
	if err != nil {
		return "", err
	}
	return topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
}

// Subscribe receives from the channel's subscription until ctx is done.
// Messages whose handler fails are nacked for redelivery.
func (p *PubSubClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("pubsub channel is required")
	}

	topic, err := p.topic(ctx, channel)
	if err != nil {
		return err
	}
	sub, err := p.subscription(ctx, subscriptionName(channel, p.subs.suffix), topic)
	if err != nil {
		return err
	}
	if p.subs.maxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = p.subs.maxOutstanding
	}

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if err := handler(ctx, Message{ID: m.ID, Data: m.Data, Attributes: m.Attributes}); err != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
}

// Close flushes pending publishes and closes the client.
func (p *PubSubClient) Close() error {
	p.mu.Lock()
	for name, topic := range p.topics {
		topic.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	return p.client.Close()
}

// topic returns the cached handle for name, creating the topic on first
// use. Losing a creation race to another process is not an error.
func (p *PubSubClient) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if topic, ok := p.topics[name]; ok {
		return topic, nil
	}

	topic := p.client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", name, err)
	}
	if !exists {
		created, err := p.client.CreateTopic(ctx, name)
		switch {
		case err == nil:
			topic = created
		case !isAlreadyExists(err):
			return nil, fmt.Errorf("create topic %s: %w", name, err)
		}
	}
	p.topics[name] = topic
	return topic, nil
}

func (p *PubSubClient) subscription(ctx context.Context, name string, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	sub := p.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", name, err)
	}
	if exists {
		return sub, nil
	}

	created, err := p.client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: p.subs.ackDeadline,
	})
	if err != nil {
		if isAlreadyExists(err) {
			return sub, nil
		}
		return nil, fmt.Errorf("create subscription %s: %w", name, err)
	}
	return created, nil
}

func isAlreadyExists(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}

func subscriptionName(channel, suffix string) string {
	if suffix == "" {
		return channel
	}
	return channel + suffix
}
