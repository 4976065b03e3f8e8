package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/accountdesk/apiserver/internal/mq"
	"github.com/accountdesk/apiserver/types"
)

const defaultPublishTimeout = 5 * time.Second

const (
	EventAccountRegistered = "account.registered"
	EventReportUploaded    = "account.report_uploaded"
)

// AccountEvent is the payload published for account lifecycle changes.
type AccountEvent struct {
	Type       string    `json:"type"`
	UserID     int       `json:"userId"`
	Email      string    `json:"email"`
	FileURL    string    `json:"fileUrl,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func newAccountEvent(eventType string, user types.User) AccountEvent {
	return AccountEvent{
		Type:       eventType,
		UserID:     user.ID,
		Email:      user.Email,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher is the broker operation the event publisher needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// EventPublisher sends account events to a broker channel. Publishing is
// best effort: failures are logged and never fail the calling operation.
// A nil *EventPublisher publishes nothing.
type EventPublisher struct {
	broker  Publisher
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

func NewEventPublisher(broker Publisher, channel string, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		broker:  broker,
		channel: channel,
		timeout: defaultPublishTimeout,
		logger:  logger,
	}
}

func (p *EventPublisher) publish(ctx context.Context, event AccountEvent) {
	if p == nil || p.broker == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to encode account event", "type", event.Type, "error", err)
		return
	}

	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	id, err := p.broker.Publish(publishCtx, p.channel, data, map[string]string{
		mq.AttrContentType: "application/json",
		"event_type":       event.Type,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "failed to publish account event",
			"type", event.Type,
			"user_id", event.UserID,
			"error", err,
		)
		return
	}
	p.logger.DebugContext(ctx, "account event published", "type", event.Type, "message_id", id)
}

// DecodeAccountEvent parses a message published by EventPublisher.
func DecodeAccountEvent(msg mq.Message) (AccountEvent, error) {
	var event AccountEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return AccountEvent{}, err
	}
	return event, nil
}
