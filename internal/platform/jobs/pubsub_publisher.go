package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/hmcts/ccpay-refunds-app-sub001/internal/services"
)

// PubSubMiddleOfficePublisher hands approved refunds to the reconciliation topic.
type PubSubMiddleOfficePublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.MiddleOfficePublisher = (*PubSubMiddleOfficePublisher)(nil)

// NewPubSubMiddleOfficePublisher constructs a Pub/Sub backed middle office publisher.
func NewPubSubMiddleOfficePublisher(topic *pubsub.Topic) (*PubSubMiddleOfficePublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub middle office publisher: topic is required")
	}
	return &PubSubMiddleOfficePublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishRefund blocks until the server acknowledges the message.
func (p *PubSubMiddleOfficePublisher) PublishRefund(ctx context.Context, msg services.MiddleOfficeMessage) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub middle office publisher: not initialised")
	}
	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal middle office message: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "refundReference", msg.RefundReference)
	setAttr(attrs, "originalRefundReference", msg.OriginalReference)
	setAttr(attrs, "paymentReference", msg.PaymentReference)
	setAttr(attrs, "serviceType", msg.ServiceType)

	if _, err := publish(ctx, p.topic, data, attrs, msg.RefundReference); err != nil {
		return fmt.Errorf("publish middle office message: %w", err)
	}
	return nil
}

// PubSubNotificationPublisher hands applicant notifications to the notification topic.
type PubSubNotificationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.NotificationPublisher = (*PubSubNotificationPublisher)(nil)

// NewPubSubNotificationPublisher constructs a Pub/Sub backed notification publisher.
func NewPubSubNotificationPublisher(topic *pubsub.Topic) (*PubSubNotificationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub notification publisher: topic is required")
	}
	return &PubSubNotificationPublisher{topic: topic, marshal: json.Marshal}, nil
}

func (p *PubSubNotificationPublisher) PublishNotification(ctx context.Context, msg services.NotificationMessage) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notification publisher: not initialised")
	}
	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "messageId", msg.ID)
	setAttr(attrs, "templateId", msg.TemplateID)
	setAttr(attrs, "notificationType", msg.Channel)
	setAttr(attrs, "refundReference", msg.Reference)
	setAttr(attrs, "language", msg.Language)

	if _, err := publish(ctx, p.topic, data, attrs, ""); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// publish sends one message; a non-empty orderingKey is only honoured when
// the topic has message ordering enabled.
func publish(ctx context.Context, topic *pubsub.Topic, data []byte, attrs map[string]string, orderingKey string) (string, error) {
	message := &pubsub.Message{Data: data, Attributes: attrs}
	if topic.EnableMessageOrdering {
		message.OrderingKey = strings.TrimSpace(orderingKey)
	}
	return topic.Publish(ctx, message).Get(ctx)
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
