// Package service holds the outbound notification collaborator.  Publishing
// is fire-and-forget: failures are logged and dropped so the request or
// drain that raised the event never waits on the broker.
package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/labcore/sample-custody/internal/queue"
)

const publishTimeout = 5 * time.Second

// AMQPNotifier publishes events to the notification queue on RabbitMQ.
type AMQPNotifier struct {
	url string
	log zerolog.Logger
	wg  sync.WaitGroup
}

// NewAMQPNotifier returns a notifier publishing to the broker at url.
func NewAMQPNotifier(url string, log zerolog.Logger) *AMQPNotifier {
	return &AMQPNotifier{url: url, log: log}
}

// Notify publishes ev in the background.  The caller's cancellation does
// not abort an in-flight publish.
func (n *AMQPNotifier) Notify(ctx context.Context, ev queue.Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := n.Publish(pctx, ev); err != nil {
			n.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("notification dropped")
		}
	}()
}

// Wait blocks until every in-flight publish has finished.
func (n *AMQPNotifier) Wait() { n.wg.Wait() }

// Publish sends ev to the notification queue and waits for the broker.
// Messages are marked as persistent.
func (n *AMQPNotifier) Publish(ctx context.Context, ev queue.Event) error {
	conn, err := amqp.Dial(n.url)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(
		queue.QueueName, // name
		true,            // durable
		false,           // autoDelete
		false,           // exclusive
		false,           // noWait
		nil,             // args
	); err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Type:         string(ev.Type),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	return ch.PublishWithContext(ctx,
		"",              // default exchange
		queue.QueueName, // routing key = queue name
		false,           // mandatory
		false,           // immediate
		pub,
	)
}

// LogNotifier writes events to a logger instead of a broker.  It is used
// when RABBITMQ_URL is unset.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev queue.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = queue.HandleMessage(body, n.Log)
}
