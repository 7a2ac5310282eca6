package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator"
	"github.com/rabbitmq/amqp091-go"

	"github.com/lawgraph/ingest/pkg/leaselock"
	"github.com/lawgraph/ingest/pkg/logger"
)

// ErrMalformed marks messages that can never succeed. They skip the retry
// queue.
var ErrMalformed = errors.New("malformed message")

var validate = validator.New()

// IngestMessage asks a worker to ingest one feed. Workers of zero keeps the
// configured pool size.
type IngestMessage struct {
	Input   string `json:"input" validate:"required"`
	Workers int    `json:"workers" validate:"gte=0,lte=256"`
}

func ParseIngestMessage(body []byte) (IngestMessage, error) {
	var msg IngestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// Leaser runs fn while holding an exclusive lease on key.
type Leaser interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// RunFunc ingests the feed a message names.
type RunFunc func(ctx context.Context, msg IngestMessage) error

type Handler struct {
	run    RunFunc
	leases Leaser
}

// NewHandlerParams configures a Handler. Without Leases runs are not
// guarded against a second worker ingesting the same input.
type NewHandlerParams struct {
	Run    RunFunc
	Leases Leaser
}

func NewHandler(params NewHandlerParams) *Handler {
	return &Handler{
		run:    params.Run,
		leases: params.Leases,
	}
}

// Handle decodes an ingest_queue message and runs it under the input's lease.
// A busy lease is returned as leaselock.ErrBusy so the message is retried
// later.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	msg, err := ParseIngestMessage(body)
	if err != nil {
		return err
	}
	logger.Info("[Queue] Ingest requested", "input", msg.Input, "workers", msg.Workers)

	if h.leases == nil {
		return h.run(ctx, msg)
	}
	return h.leases.WithLease(ctx, leaselock.InputKey(msg.Input), func(ctx context.Context) error {
		return h.run(ctx, msg)
	})
}

// Retries reads the x-retries header.
func Retries(headers amqp091.Table) int {
	switch v := headers["x-retries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError routes a failed delivery. Malformed messages and
// messages that used up their retries go to the dead-letter queue; everything
// else is republished to the retry queue with an incremented x-retries header.
// The delivery is acked once the copy is published and requeued otherwise.
func HandleProcessingError(ctx context.Context, ch Channel, msg amqp091.Delivery, queueName string, cause error) {
	retries := Retries(msg.Headers)

	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	target := RetryName(queueName)
	if errors.Is(cause, ErrMalformed) || retries >= MaxRetries {
		target = DLQName(queueName)
		headers["x-error"] = cause.Error()
		logger.Info("[Queue] Sending message to DLQ", "dlq", target, "retries", retries)
	} else {
		headers["x-retries"] = int32(retries + 1)
		logger.Info("[Queue] Scheduling retry", "retry_queue", target, "attempt", retries+1)
	}

	if err := publish(ctx, ch, target, msg.ContentType, msg.Body, headers); err != nil {
		logger.Error("[Queue] Failed to republish message", "queue", target, "err", err)
		if err := msg.Nack(false, true); err != nil {
			logger.Error("[Queue] Failed to nack message", "err", err)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
}
