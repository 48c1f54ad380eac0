package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lavka-ua/storefront/internal/domain"
	pkgkafka "github.com/lavka-ua/storefront/pkg/kafka"
	"github.com/lavka-ua/storefront/pkg/logger"
)

// Kafka topics for order events.
var (
	TopicOrderCreated       = pkgkafka.Topic("order", "created")
	TopicOrderPaid          = pkgkafka.Topic("order", "paid")
	TopicOrderPaymentFailed = pkgkafka.Topic("order", "payment_failed")
)

// SourceAPI identifies events published by the API.
const SourceAPI = "storefront-api"

// OrderCreatedData is the payload of order.created.
type OrderCreatedData struct {
	OrderID     string             `json:"order_id"`
	UserID      string             `json:"user_id,omitempty"`
	PaymentType domain.PaymentType `json:"payment_type"`
	TotalAmount domain.Money       `json:"total_amount"`
	Items       []domain.OrderItem `json:"items"`
}

// PaymentStatusData is the payload of order.paid and order.payment_failed.
type PaymentStatusData struct {
	OrderID     string               `json:"order_id"`
	UserID      string               `json:"user_id,omitempty"`
	Reference   string               `json:"reference"`
	Status      domain.PaymentStatus `json:"status"`
	TotalAmount domain.Money         `json:"total_amount"`
}

// Publisher is the part of pkg/kafka.Producer used here.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes order events.
type Producer struct {
	kafka  Publisher
	logger *slog.Logger
}

// NewProducer creates an order event producer.
func NewProducer(kafka Publisher, logger *slog.Logger) *Producer {
	return &Producer{kafka: kafka, logger: logger}
}

// PublishOrderCreated publishes order.created with the order snapshot.
func (p *Producer) PublishOrderCreated(ctx context.Context, o *domain.Order) error {
	data := OrderCreatedData{
		OrderID:     o.ID,
		UserID:      deref(o.UserID),
		PaymentType: o.PaymentType,
		TotalAmount: o.TotalAmount,
		Items:       o.Items,
	}
	return p.publish(ctx, TopicOrderCreated, o.ID, data)
}

// PublishPaymentStatus publishes order.paid or order.payment_failed.
func (p *Producer) PublishPaymentStatus(ctx context.Context, o *domain.Order, status domain.PaymentStatus) error {
	topic := TopicOrderPaid
	if status == domain.PaymentFailed {
		topic = TopicOrderPaymentFailed
	}
	data := PaymentStatusData{
		OrderID:     o.ID,
		UserID:      deref(o.UserID),
		Reference:   deref(o.InvoiceReference),
		Status:      status,
		TotalAmount: o.TotalAmount,
	}
	return p.publish(ctx, topic, o.ID, data)
}

func (p *Producer) publish(ctx context.Context, topic, orderID string, data any) error {
	ev, err := pkgkafka.NewEvent(topic, orderID, SourceAPI, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	ev.WithCorrelationID(logger.CorrelationIDFromContext(ctx))

	if err := p.kafka.Publish(ctx, topic, ev); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("order_id", orderID),
	)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
