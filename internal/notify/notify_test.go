package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/juno-intents/pool-ingest/internal/ingest"
	"github.com/juno-intents/pool-ingest/internal/pool"
	"github.com/juno-intents/pool-ingest/internal/queue"
)

func sampleCommitted() ingest.Committed {
	return ingest.Committed{
		Block:        pool.Block{Number: 42, Timestamp: 1_700_000_042},
		Transactions: 2,
		Events:       map[pool.Kind]int{pool.KindSwap: 3, pool.KindMint: 1},
		Skipped:      4,
		Inserted: pool.WriteResult{
			Blocks:       1,
			Transactions: 2,
			Events:       map[pool.Kind]int64{pool.KindSwap: 3, pool.KindMint: 1},
		},
	}
}

func TestBuildPayload(t *testing.T) {
	t.Parallel()

	p := BuildPayload(sampleCommitted(), "run-1")
	if p.Version != "pool.block.v1" {
		t.Fatalf("version: got=%q", p.Version)
	}
	if p.Block != 42 || p.Timestamp != 1_700_000_042 || p.Transactions != 2 || p.SkippedLogs != 4 {
		t.Fatalf("header fields: got=%+v", p)
	}
	if p.Events["swap"] != 3 || p.Events["mint"] != 1 || p.Events["collect"] != 0 {
		t.Fatalf("events: got=%v", p.Events)
	}
	if len(p.Events) != len(pool.Kinds) {
		t.Fatalf("events should list every kind: got=%v", p.Events)
	}
	if p.InsertedEvents != 4 || p.InsertedRows["swap_events"] != 3 || p.InsertedRows["blocks"] != 1 {
		t.Fatalf("inserted: got=%d %v", p.InsertedEvents, p.InsertedRows)
	}
}

type capturingProducer struct {
	msgs []queue.Message
	err  error
}

func (c *capturingProducer) Publish(_ context.Context, msg queue.Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capturingProducer) Close() error { return nil }

func TestPublisherKeysByBlock(t *testing.T) {
	t.Parallel()

	prod := &capturingProducer{}
	p, err := New(prod, " pool.blocks ", "run-7")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Publish(context.Background(), sampleCommitted()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(prod.msgs) != 1 {
		t.Fatalf("messages: got=%d want=1", len(prod.msgs))
	}
	msg := prod.msgs[0]
	if msg.Topic != "pool.blocks" || string(msg.Key) != "42" {
		t.Fatalf("topic/key: got=%q/%q", msg.Topic, msg.Key)
	}
	var got Payload
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RunID != "run-7" || got.Block != 42 {
		t.Fatalf("payload: got=%+v", got)
	}
}

func TestPublisherOverStdio(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	prod, err := queue.NewProducer(queue.ProducerConfig{Driver: queue.DriverStdio, Writer: &out})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	p, err := New(prod, "pool.blocks", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Publish(context.Background(), sampleCommitted()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	line := bytes.TrimSuffix(out.Bytes(), []byte("\n"))
	var got Payload
	if err := json.Unmarshal(line, &got); err != nil {
		t.Fatalf("unmarshal %q: %v", out.String(), err)
	}
	if got.Version != PayloadVersion {
		t.Fatalf("version: got=%q", got.Version)
	}
}

func TestPublisherErrors(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, "t", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil producer: got %v", err)
	}
	if _, err := New(&capturingProducer{}, "  ", ""); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty topic: got %v", err)
	}

	boom := errors.New("broker down")
	p, _ := New(&capturingProducer{err: boom}, "t", "")
	if err := p.Publish(context.Background(), sampleCommitted()); !errors.Is(err, boom) {
		t.Fatalf("expected producer error, got %v", err)
	}
}
