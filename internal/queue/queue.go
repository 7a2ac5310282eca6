package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/lawgraph/ingest/pkg/logger"
)

const (
	IngestQueue  = "ingest_queue"
	MissingQueue = "missing_refs"

	// MaxRetries is how often a message is redelivered through the retry
	// queue before it is dead-lettered.
	MaxRetries = 10

	retryTTL = int32(10000)
)

// Channel is the subset of *amqp091.Channel the queue helpers use.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

func Dial(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return conn, nil
}

// RetryName and DLQName derive the companion queues of a work queue.
func RetryName(queueName string) string { return queueName + "_retry" }

func DLQName(queueName string) string { return queueName + "_dlq" }

// SetupQueues declares every work queue together with its dead-letter queue
// and a retry queue that hands messages back to the work queue after a delay.
func SetupQueues(ch Channel, queueNames []string) error {
	for _, name := range queueNames {
		if _, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}

		if _, err := ch.QueueDeclare(DLQName(name), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare %s: %w", DLQName(name), err)
		}

		if _, err := ch.QueueDeclare(
			RetryName(name),
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             retryTTL,
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		); err != nil {
			return fmt.Errorf("declare %s: %w", RetryName(name), err)
		}
		logger.Debug("[Queue] Declared", "queue", name)
	}
	return nil
}

// PublishFIFO publishes a persistent message to queueName through the default
// exchange, declaring the queue first.
func PublishFIFO(ctx context.Context, ch Channel, queueName string, data []byte) error {
	return publish(ctx, ch, queueName, "text/plain", data, nil)
}

func publish(ctx context.Context, ch Channel, queueName, contentType string, data []byte, headers amqp091.Table) error {
	if contentType == "" {
		contentType = "text/plain"
	}
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	return ch.PublishWithContext(
		ctx,
		"",
		q.Name,
		false,
		false,
		amqp091.Publishing{
			ContentType:  contentType,
			Body:         data,
			Headers:      headers,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
}
