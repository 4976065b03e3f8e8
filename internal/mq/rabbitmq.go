package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/accountdesk/apiserver/config"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQClient publishes through a single confirm-mode channel and opens
// a dedicated channel per subscription. Queues are declared once per
// process.
type RabbitMQClient struct {
	conn  *amqp.Connection
	queue queueOptions

	// pubMu serializes publishes; a channel in confirm mode is not safe
	// for concurrent publishers.
	pubMu sync.Mutex
	pub   *amqp.Channel

	declMu   sync.Mutex
	declared map[string]bool
}

type queueOptions struct {
	durable    bool
	autoDelete bool
	prefetch   int
}

// NewRabbitMQClient dials the broker and prepares the publishing channel.
func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	return &RabbitMQClient{
		conn: conn,
		pub:  pub,
		queue: queueOptions{
			durable:    cfg.QueueDurable,
			autoDelete: cfg.QueueAutoDelete,
			prefetch:   cfg.PrefetchCount,
		},
		declared: make(map[string]bool),
	}, nil
}

// Publish sends a message to the queue named channel through the default
// exchange and waits for the broker to confirm it.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}

	msg := publishingFor(data, attrs, r.queue.durable)

	r.pubMu.Lock()
	if err := r.declare(r.pub, channel); err != nil {
		r.pubMu.Unlock()
		return "", err
	}
	confirm, err := r.pub.PublishWithDeferredConfirmWithContext(ctx, "", channel, false, false, msg)
	r.pubMu.Unlock()
	if err != nil {
		return "", err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", err
	}
	if !acked {
		return "", fmt.Errorf("broker rejected message %s", msg.MessageId)
	}
	return msg.MessageId, nil
}

// Subscribe consumes the queue named channel until ctx is done. A message
// whose handler fails is requeued once; a second failure drops it.
func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}

	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer func() {
		_ = ch.Close()
	}()

	if r.queue.prefetch > 0 {
		if err := ch.Qos(r.queue.prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}
	if err := r.declare(ch, channel); err != nil {
		return err
	}

	tag := "consumer-" + uuid.NewString()
	deliveries, err := ch.ConsumeWithContext(ctx, channel, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", channel, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("rabbitmq delivery channel closed")
			}
			msg := Message{
				ID:         d.MessageId,
				Data:       d.Body,
				Attributes: headersToAttributes(d.Headers),
			}
			if d.ContentType != "" {
				if msg.Attributes == nil {
					msg.Attributes = make(map[string]string, 1)
				}
				msg.Attributes[AttrContentType] = d.ContentType
			}
			if err := handler(ctx, msg); err != nil {
				_ = d.Nack(false, !d.Redelivered)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close closes the publishing channel and the connection.
func (r *RabbitMQClient) Close() error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if r.pub != nil {
		_ = r.pub.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *RabbitMQClient) declare(ch *amqp.Channel, name string) error {
	r.declMu.Lock()
	defer r.declMu.Unlock()

	if r.declared[name] {
		return nil
	}
	if _, err := ch.QueueDeclare(name, r.queue.durable, r.queue.autoDelete, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	r.declared[name] = true
	return nil
}

// publishingFor builds the AMQP message for a publish. The content type
// attribute moves to the native property; all others become headers.
func publishingFor(data []byte, attrs map[string]string, durable bool) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType: "application/octet-stream",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Headers:     amqp.Table{},
		Body:        data,
	}
	for key, value := range attrs {
		if key == AttrContentType {
			msg.ContentType = value
			continue
		}
		msg.Headers[key] = value
	}
	if durable {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg
}

func headersToAttributes(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for key, value := range headers {
		switch v := value.(type) {
		case string:
			attrs[key] = v
		case []byte:
			attrs[key] = string(v)
		default:
			attrs[key] = fmt.Sprint(v)
		}
	}
	return attrs
}
