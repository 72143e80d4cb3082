package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streadway/amqp"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/model"
)

const (
	DefaultAMQPQueue      = "alerts"
	DefaultReconnectDelay = 5 * time.Second
	// DefaultRequeueDelay paces redelivery while the delivery queue is full.
	DefaultRequeueDelay = time.Second

	contentTypeJSON = "application/json"
	contentTypeText = "text/plain"
)

// AlertMessage is the JSON body of an ingest message. A text/plain body
// is taken as the alert text with no links.
type AlertMessage struct {
	ChatID    int64                  `json:"chat_id,omitempty"`
	MessageID int64                  `json:"message_id,omitempty"`
	Text      string                 `json:"text"`
	Links     []model.LinkAnnotation `json:"links,omitempty"`
}

// MessageHandler receives decoded ingest messages.
type MessageHandler interface {
	Handle(ctx context.Context, raw model.RawInboundMessage) error
}

// AMQPSource feeds alerts published on a RabbitMQ queue into the relay.
type AMQPSource struct {
	URL            string
	Queue          string
	Handler        MessageHandler
	Log            *slog.Logger
	ReconnectDelay time.Duration
	RequeueDelay   time.Duration
}

// DeclareQueue declares the durable ingest queue.
func DeclareQueue(ch *amqp.Channel, name string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
}

// Publish sends one alert to the ingest queue.
func Publish(ch *amqp.Channel, queueName string, msg AlertMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return ch.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Run consumes until ctx is done, reconnecting after broker failures.
func (s *AMQPSource) Run(ctx context.Context) error {
	delay := s.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.Log.Error("amqp consumer stopped, reconnecting", "queue", s.queueName(), "error", err, "delay", delay)
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *AMQPSource) consume(ctx context.Context) error {
	conn, err := amqp.Dial(s.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := DeclareQueue(ch, s.queueName())
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // autoAck = false, the relay decides
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	s.Log.Info("amqp consumer running", "queue", q.Name)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			s.HandleDelivery(ctx, d)
		}
	}
}

// HandleDelivery decodes one delivery, passes it to the handler and
// settles it. Skips and drops are acked; a full queue or a cancelled
// context requeues the message on the broker, and a full queue also pauses
// the consumer for RequeueDelay.
func (s *AMQPSource) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	raw, err := decodeDelivery(d)
	if err != nil {
		s.Log.Warn("invalid ingest message dropped", "delivery_tag", d.DeliveryTag, "error", err)
		s.ack(d)
		return
	}

	err = s.Handler.Handle(ctx, raw)
	if err == nil || !requeueable(ctx, err) {
		s.ack(d)
		return
	}
	if nackErr := d.Nack(false, true); nackErr != nil {
		s.Log.Error("amqp nack failed", "delivery_tag", d.DeliveryTag, "error", nackErr)
		return
	}
	if errors.Is(err, appErrors.ErrQueueFull) {
		s.Log.Warn("delivery queue full, message returned to broker", "delivery_tag", d.DeliveryTag)
		_ = Sleep(ctx, s.requeueDelay())
	}
}

func (s *AMQPSource) requeueDelay() time.Duration {
	if s.RequeueDelay <= 0 {
		return DefaultRequeueDelay
	}
	return s.RequeueDelay
}

func requeueable(ctx context.Context, err error) bool {
	return errors.Is(err, appErrors.ErrQueueFull) || ctx.Err() != nil
}

func decodeDelivery(d amqp.Delivery) (model.RawInboundMessage, error) {
	received := d.Timestamp
	if received.IsZero() {
		received = time.Now()
	}
	if d.ContentType == contentTypeText {
		return model.RawInboundMessage{Text: string(d.Body), ReceivedAt: received}, nil
	}

	var msg AlertMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return model.RawInboundMessage{}, err
	}
	if msg.Text == "" {
		return model.RawInboundMessage{}, errors.New("empty text")
	}
	return model.RawInboundMessage{
		ChatID:     msg.ChatID,
		MessageID:  msg.MessageID,
		Text:       msg.Text,
		Links:      msg.Links,
		ReceivedAt: received,
	}, nil
}

func (s *AMQPSource) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		s.Log.Error("amqp ack failed", "delivery_tag", d.DeliveryTag, "error", err)
	}
}

func (s *AMQPSource) queueName() string {
	if s.Queue == "" {
		return DefaultAMQPQueue
	}
	return s.Queue
}
