package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juno-intents/pool-ingest/internal/chain"
	"github.com/juno-intents/pool-ingest/internal/pool"
)

const publishTimeout = 10 * time.Second

func (in *Ingestor) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     in.cfg.InitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          in.cfg.BackoffMultiplier,
		MaxInterval:         in.cfg.MaxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

func (in *Ingestor) fetchOnce(ctx context.Context, n uint64) (chain.Block, outcome) {
	start := in.cfg.Now()
	b, err := in.fetcher.Fetch(ctx, n)
	in.metrics.Fetched(in.cfg.Now().Sub(start))
	switch {
	case err == nil:
		return b, outcome{kind: outcomeOK}
	case errors.Is(err, chain.ErrBlockNotAvailable):
		return chain.Block{}, outcome{kind: outcomeNotAvailable, err: err}
	default:
		return chain.Block{}, outcome{kind: outcomeTransient, err: err}
	}
}

// fetchWithRetry fetches block n, retrying transient failures with
// exponential backoff. A block past the head counts as transient here.
func (in *Ingestor) fetchWithRetry(ctx context.Context, n uint64) (chain.Block, error) {
	s := state{phase: phasePolling, next: n}
	bo := in.newBackOff()
	for {
		if err := ctx.Err(); err != nil {
			return chain.Block{}, err
		}
		b, o := in.fetchOnce(ctx, n)
		if o.kind != outcomeOK && ctx.Err() != nil {
			return chain.Block{}, ctx.Err()
		}
		s = step(s, o, in.cfg.MaxAttempts, false)
		switch s.phase {
		case phasePolling:
			return b, nil
		case phaseRetrying:
			if err := in.backOff(ctx, bo, s); err != nil {
				return chain.Block{}, err
			}
		default:
			in.metrics.Failed(o.stage())
			return chain.Block{}, &BlockError{Block: n, Err: s.err}
		}
	}
}

func (in *Ingestor) backOff(ctx context.Context, bo *backoff.ExponentialBackOff, s state) error {
	d := bo.NextBackOff()
	in.metrics.Retried()
	in.log.Warn("fetch failed, retrying",
		"block", s.next,
		"attempt", s.attempt,
		"max_attempts", in.cfg.MaxAttempts,
		"backoff", d,
		"err", s.err,
	)
	return in.cfg.Sleep(ctx, d)
}

// unit runs one fetch, decode and write attempt for block n.
func (in *Ingestor) unit(ctx context.Context, n uint64) outcome {
	b, o := in.fetchOnce(ctx, n)
	if o.kind != outcomeOK {
		return o
	}
	_, o = in.commit(ctx, b)
	return o
}

// commit decodes a fetched block and writes it in one store transaction.
// The write is not interrupted by ctx cancellation.
func (in *Ingestor) commit(ctx context.Context, b chain.Block) (Committed, outcome) {
	if in.archiver != nil {
		if err := in.archiver.Archive(ctx, b); err != nil {
			in.log.Warn("archive block", "block", b.Number, "err", err)
		}
	}

	data, skipped, err := in.decodeBlock(b)
	if err != nil {
		return Committed{}, outcome{kind: outcomeDecode, err: err}
	}
	in.metrics.Skipped(skipped)

	start := in.cfg.Now()
	res, err := in.store.WriteBlock(context.WithoutCancel(ctx), data)
	if err != nil {
		return Committed{}, outcome{kind: outcomeWrite, err: err}
	}
	in.metrics.Persisted(b.Number, res, in.cfg.Now().Sub(start))

	c := Committed{
		Block:        data.Block,
		Transactions: len(data.Transactions),
		Events:       data.CountByKind(),
		Logs:         b.LogCount(),
		Skipped:      skipped,
		Inserted:     res,
	}
	in.logCommitted(c)

	if in.publisher != nil {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		if err := in.publisher.Publish(pctx, c); err != nil {
			in.log.Warn("publish committed block", "block", b.Number, "err", err)
		}
		cancel()
	}
	return c, outcome{kind: outcomeOK}
}

func (in *Ingestor) decodeBlock(b chain.Block) (pool.BlockData, int, error) {
	data := pool.BlockData{Block: pool.Block{Number: b.Number, Timestamp: b.Timestamp}}
	skipped := 0
	for _, tx := range b.Transactions {
		var events []pool.Event
		for _, l := range tx.Logs {
			ev, ok, err := in.decoder.Decode(l)
			if err != nil {
				return pool.BlockData{}, 0, fmt.Errorf("block %d tx %s log %d: %w", b.Number, tx.Hash.Hex(), l.Index, err)
			}
			if !ok {
				skipped++
				continue
			}
			events = append(events, ev)
		}
		if len(events) == 0 {
			continue
		}
		data.Transactions = append(data.Transactions, pool.Transaction{
			Hash:        tx.Hash,
			BlockNumber: b.Number,
			Index:       tx.Index,
			Sender:      tx.Sender,
		})
		data.Events = append(data.Events, events...)
	}
	return data, skipped, nil
}

func (in *Ingestor) logCommitted(c Committed) {
	if len(c.Events) == 0 {
		in.log.Debug("block persisted", "block", c.Block.Number, "logs", c.Logs, "skipped_logs", c.Skipped)
		return
	}
	in.log.Info("block persisted",
		"block", c.Block.Number,
		"already_persisted", c.Inserted.Empty(),
		"transactions", c.Transactions,
		"logs", c.Logs,
		"initializations", c.Events[pool.KindInitialization],
		"swaps", c.Events[pool.KindSwap],
		"mints", c.Events[pool.KindMint],
		"burns", c.Events[pool.KindBurn],
		"collects", c.Events[pool.KindCollect],
		"skipped_logs", c.Skipped,
		"inserted_events", c.Inserted.EventsTotal(),
	)
}
