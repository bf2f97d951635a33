package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/juno-intents/pool-ingest/internal/chain"
	"github.com/juno-intents/pool-ingest/internal/metrics"
	"github.com/juno-intents/pool-ingest/internal/pool"
)

var (
	ErrInvalidConfig = errors.New("ingest: invalid config")

	ErrDecode           = errors.New("ingest: decode failed")
	ErrWrite            = errors.New("ingest: write failed")
	ErrRetriesExhausted = errors.New("ingest: fetch retries exhausted")
	ErrLeaseLost        = errors.New("ingest: writer lease lost")
)

type Fetcher interface {
	Fetch(ctx context.Context, number uint64) (chain.Block, error)
}

type Decoder interface {
	Decode(l chain.Log) (pool.Event, bool, error)
}

// Archiver receives every fetched block before it is decoded.
type Archiver interface {
	Archive(ctx context.Context, b chain.Block) error
}

// Publisher receives a report after each block commits.
type Publisher interface {
	Publish(ctx context.Context, c Committed) error
}

// Lease is held by the only process allowed to write to the store.
// Check renews it as needed and fails once it can no longer be held.
type Lease interface {
	Check(ctx context.Context) error
}

// Committed describes one block whose write transaction succeeded.
type Committed struct {
	Block        pool.Block
	Transactions int
	Events       map[pool.Kind]int
	Logs         int
	Skipped      int
	Inserted     pool.WriteResult
}

type Config struct {
	// StartBlock is where Follow begins when the store is empty.
	StartBlock uint64

	// BlockDelay is slept between consecutive blocks of a range.
	BlockDelay time.Duration
	// PollInterval is slept in Follow when the next block is past the head.
	PollInterval time.Duration

	// MaxAttempts bounds fetch attempts per block for transient failures.
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// Prefetch is how many blocks a range run may fetch ahead of the
	// block being written. Zero disables the fetch goroutine.
	Prefetch int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      2 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

func (c Config) validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be > 0", ErrInvalidConfig)
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff <= 0 {
		return fmt.Errorf("%w: backoff durations must be > 0", ErrInvalidConfig)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("%w: max backoff must be >= initial backoff", ErrInvalidConfig)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be >= 1", ErrInvalidConfig)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be > 0", ErrInvalidConfig)
	}
	if c.BlockDelay < 0 {
		return fmt.Errorf("%w: block delay must be >= 0", ErrInvalidConfig)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("%w: prefetch must be >= 0", ErrInvalidConfig)
	}
	return nil
}

type Option func(*Ingestor)

func WithMetrics(m *metrics.Metrics) Option {
	return func(in *Ingestor) { in.metrics = m }
}

func WithPublisher(p Publisher) Option {
	return func(in *Ingestor) { in.publisher = p }
}

func WithArchiver(a Archiver) Option {
	return func(in *Ingestor) { in.archiver = a }
}

// WithLease makes every block unit confirm the writer lease first.
func WithLease(l Lease) Option {
	return func(in *Ingestor) { in.lease = l }
}

// Ingestor drives fetch, decode and write for one block at a time.
type Ingestor struct {
	cfg     Config
	fetcher Fetcher
	decoder Decoder
	store   pool.Store
	log     *slog.Logger

	metrics   *metrics.Metrics
	publisher Publisher
	archiver  Archiver
	lease     Lease
}

func New(cfg Config, fetcher Fetcher, decoder Decoder, store pool.Store, log *slog.Logger, opts ...Option) (*Ingestor, error) {
	if fetcher == nil || decoder == nil || store == nil {
		return nil, fmt.Errorf("%w: nil fetcher, decoder or store", ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	in := &Ingestor{
		cfg:     cfg,
		fetcher: fetcher,
		decoder: decoder,
		store:   store,
		log:     log,
	}
	for _, o := range opts {
		o(in)
	}
	return in, nil
}

// holdLease fails with a BlockError for block n when the writer lease
// is gone. Nothing is fetched or written for n in that case.
func (in *Ingestor) holdLease(ctx context.Context, n uint64) error {
	if in.lease == nil {
		return nil
	}
	err := in.lease.Check(ctx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	in.metrics.Failed(metrics.StageLease)
	in.log.Error("writer lease lost", "block", n, "err", err)
	return &BlockError{Block: n, Err: fmt.Errorf("%w: %w", ErrLeaseLost, err)}
}

// BlockError reports the block at which ingestion stopped.
type BlockError struct {
	Block uint64
	Err   error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("ingest: block %d: %v", e.Block, e.Err)
}

func (e *BlockError) Unwrap() error { return e.Err }

// RangeError reports a range run that stopped before its last block.
type RangeError struct {
	From, To  uint64
	Failed    uint64
	Succeeded uint64
	Err       error
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("ingest: range [%d, %d]: block %d failed after %d blocks succeeded: %v", e.From, e.To, e.Failed, e.Succeeded, e.Err)
}

func (e *RangeError) Unwrap() error { return e.Err }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
