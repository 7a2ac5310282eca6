package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lawgraph/ingest/pkg/common"
	"github.com/lawgraph/ingest/pkg/logger"
)

// MissingMessage is the body published for every unresolved reference.
type MissingMessage struct {
	RunID string `json:"run_id"`
	common.MissingReference
	Report string `json:"report"`
}

// MissingPublisher forwards missing references to the remediation queue.
// amqp channels are not safe for concurrent publishing, so publishes are
// serialized.
type MissingPublisher struct {
	mu    sync.Mutex
	ch    Channel
	queue string
}

func NewMissingPublisher(ch Channel) *MissingPublisher {
	return &MissingPublisher{ch: ch, queue: MissingQueue}
}

// PublishMissing publishes one JSON message per reference. It stops at the
// first failure.
func (p *MissingPublisher) PublishMissing(ctx context.Context, runID string, missing []common.MissingReference) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, m := range missing {
		body, err := json.Marshal(MissingMessage{RunID: runID, MissingReference: m, Report: m.String()})
		if err != nil {
			return fmt.Errorf("encode missing reference: %w", err)
		}
		if err := publish(ctx, p.ch, p.queue, "application/json", body, nil); err != nil {
			return fmt.Errorf("publish missing reference %d of %d: %w", i+1, len(missing), err)
		}
	}
	logger.Info("[Queue] Published missing references", "queue", p.queue, "run_id", runID, "count", len(missing))
	return nil
}
