package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ publishes to a durable topic exchange with publisher confirms and
// consumes through one durable queue per (group, topic) with manual acks.
type RabbitMQ struct {
	URL      string
	Exchange string

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewRabbitMQ returns an unconnected client.
func NewRabbitMQ(url, exchange string, logger *slog.Logger) *RabbitMQ {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitMQ{URL: url, Exchange: exchange, logger: logger}
}

// Connect dials the broker, declares the exchange and enables confirms on
// the publishing channel.
func (r *RabbitMQ) Connect() error {
	conn, err := amqp.Dial(r.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(r.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", r.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}

	r.conn = conn
	r.channel = ch
	return nil
}

// Publish sends msg with the topic as routing key and waits for the broker
// to confirm it.
func (r *RabbitMQ) Publish(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == nil {
		return ErrClosed
	}

	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		r.Exchange,
		msg.Topic,
		true,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         msg.Body,
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    time.Now().UTC(),
			Headers: amqp.Table{
				"event_type":   msg.Type,
				"aggregate_id": msg.Key,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("publish event %s: %w", msg.ID, err)
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm event %s: %w", msg.ID, err)
	}
	if !acked {
		return fmt.Errorf("event %s nacked by broker", msg.ID)
	}
	return nil
}

// Subscribe consumes topic on the queue "<group>.<topic>". Failed deliveries
// are nacked with requeue.
func (r *RabbitMQ) Subscribe(ctx context.Context, topic, group string, h Handler) error {
	if r.conn == nil {
		return ErrClosed
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	defer ch.Close()

	queue := group + "." + topic
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, topic, r.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	r.logger.Info("consumer started", slog.String("queue", queue))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("consumer stopped", slog.String("queue", queue))
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			r.handle(ctx, topic, d, h)
		}
	}
}

func (r *RabbitMQ) handle(ctx context.Context, topic string, d amqp.Delivery, h Handler) {
	msg := Message{
		ID:      d.MessageId,
		Topic:   topic,
		Type:    d.Type,
		Body:    d.Body,
		Attempt: 1,
	}
	if key, ok := d.Headers["aggregate_id"].(string); ok {
		msg.Key = key
	}
	if d.Redelivered {
		msg.Attempt = 2
	}

	if err := h(ctx, msg); err != nil {
		r.logger.Warn("delivery failed, requeueing",
			slog.String("topic", topic), slog.String("message_id", msg.ID), slog.Any("error", err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			r.logger.Error("nack failed", slog.String("message_id", msg.ID), slog.Any("error", nackErr))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		r.logger.Error("ack failed", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
}

// Close closes the channel and the connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	if r.channel != nil {
		errs = append(errs, r.channel.Close())
		r.channel = nil
	}
	if r.conn != nil {
		errs = append(errs, r.conn.Close())
		r.conn = nil
	}
	return errors.Join(errs...)
}
