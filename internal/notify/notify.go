// Package notify announces committed blocks on a queue topic.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/juno-intents/pool-ingest/internal/ingest"
	"github.com/juno-intents/pool-ingest/internal/pool"
	"github.com/juno-intents/pool-ingest/internal/queue"
)

const PayloadVersion = "pool.block.v1"

var ErrInvalidConfig = errors.New("notify: invalid config")

type Payload struct {
	Version        string           `json:"version"`
	RunID          string           `json:"runId,omitempty"`
	Block          uint64           `json:"block"`
	Timestamp      uint64           `json:"timestamp"`
	Transactions   int              `json:"transactions"`
	Events         map[string]int   `json:"events"`
	SkippedLogs    int              `json:"skippedLogs"`
	InsertedEvents int64            `json:"insertedEvents"`
	InsertedRows   map[string]int64 `json:"insertedRows"`
}

func BuildPayload(c ingest.Committed, runID string) Payload {
	events := make(map[string]int, len(pool.Kinds))
	for _, k := range pool.Kinds {
		events[k.String()] = c.Events[k]
	}
	rows := map[string]int64{
		"blocks":       c.Inserted.Blocks,
		"transactions": c.Inserted.Transactions,
	}
	for _, k := range pool.Kinds {
		rows[k.Table()] = c.Inserted.Events[k]
	}
	return Payload{
		Version:        PayloadVersion,
		RunID:          runID,
		Block:          c.Block.Number,
		Timestamp:      c.Block.Timestamp,
		Transactions:   c.Transactions,
		Events:         events,
		SkippedLogs:    c.Skipped,
		InsertedEvents: c.Inserted.EventsTotal(),
		InsertedRows:   rows,
	}
}

// Publisher sends one message per committed block, keyed by block number.
type Publisher struct {
	producer queue.Producer
	topic    string
	runID    string
}

func New(p queue.Producer, topic, runID string) (*Publisher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil producer", ErrInvalidConfig)
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("%w: empty topic", ErrInvalidConfig)
	}
	return &Publisher{producer: p, topic: topic, runID: runID}, nil
}

func (p *Publisher) Publish(ctx context.Context, c ingest.Committed) error {
	value, err := json.Marshal(BuildPayload(c, p.runID))
	if err != nil {
		return fmt.Errorf("notify: marshal block %d: %w", c.Block.Number, err)
	}
	msg := queue.Message{
		Topic: p.topic,
		Key:   []byte(strconv.FormatUint(c.Block.Number, 10)),
		Value: value,
	}
	if err := p.producer.Publish(ctx, msg); err != nil {
		return fmt.Errorf("notify: publish block %d: %w", c.Block.Number, err)
	}
	return nil
}
