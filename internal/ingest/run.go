package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/juno-intents/pool-ingest/internal/chain"
)

// ProcessBlock ingests exactly one block. A block past the chain head is
// retried like any transient fetch failure and then reported.
func (in *Ingestor) ProcessBlock(ctx context.Context, n uint64) error {
	in.log.Info("processing block", "block", n)
	_, _, err := in.drive(ctx, n, n, true)
	return err
}

// ProcessRange ingests blocks from through to inclusive, in ascending
// order, and stops at the first block that cannot be ingested.
func (in *Ingestor) ProcessRange(ctx context.Context, from, to uint64) error {
	if from > to {
		return fmt.Errorf("%w: range start %d is after end %d", ErrInvalidConfig, from, to)
	}
	in.log.Info("processing range", "from", from, "to", to, "prefetch", in.cfg.Prefetch)

	var (
		done, at uint64
		err      error
	)
	if in.cfg.Prefetch > 0 && from < to {
		done, at, err = in.prefetchRange(ctx, from, to)
	} else {
		done, at, err = in.drive(ctx, from, to, true)
	}
	if err != nil {
		var be *BlockError
		if !errors.As(err, &be) {
			return err
		}
		return &RangeError{From: from, To: to, Failed: at, Succeeded: done, Err: err}
	}
	in.log.Info("range complete", "from", from, "to", to, "blocks", done)
	return nil
}

// ResumePoint returns the block Follow starts from: one past the highest
// persisted block, or StartBlock when nothing is persisted.
func (in *Ingestor) ResumePoint(ctx context.Context) (uint64, error) {
	latest, ok, err := in.store.LatestBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("ingest: read watermark: %w", err)
	}
	if !ok {
		return in.cfg.StartBlock, nil
	}
	in.metrics.SetWatermark(latest)
	if latest == math.MaxUint64 {
		return 0, fmt.Errorf("ingest: watermark %d has no successor", latest)
	}
	return latest + 1, nil
}

// Follow ingests blocks in order from the resume point and waits at the
// chain head. It returns only when ctx is done or a block fails fatally.
func (in *Ingestor) Follow(ctx context.Context) error {
	start, err := in.ResumePoint(ctx)
	if err != nil {
		return err
	}
	in.log.Info("following chain", "start_block", start, "poll_interval", in.cfg.PollInterval)
	_, _, err = in.drive(ctx, start, 0, false)
	return err
}

// drive runs the per-block loop from block from. When bounded it stops
// after last; otherwise it runs until ctx is done and waits at the head.
// It returns the number of blocks persisted and the block it stopped at.
func (in *Ingestor) drive(ctx context.Context, from, last uint64, bounded bool) (uint64, uint64, error) {
	s := state{phase: phasePolling, next: from}
	bo := in.newBackOff()
	var done uint64
	for {
		if err := ctx.Err(); err != nil {
			return done, s.next, err
		}
		n := s.next
		if err := in.holdLease(ctx, n); err != nil {
			return done, n, err
		}
		o := in.unit(ctx, n)
		if (o.kind == outcomeTransient || o.kind == outcomeNotAvailable) && ctx.Err() != nil {
			return done, n, ctx.Err()
		}

		s = step(s, o, in.cfg.MaxAttempts, !bounded)
		switch s.phase {
		case phasePolling:
			done++
			bo.Reset()
			if bounded && n == last {
				return done, n, nil
			}
			if bounded && in.cfg.BlockDelay > 0 {
				if err := in.cfg.Sleep(ctx, in.cfg.BlockDelay); err != nil {
					return done, s.next, err
				}
			}
		case phaseWaiting:
			in.metrics.Waited()
			in.log.Debug("block not available yet", "block", n, "poll_interval", in.cfg.PollInterval)
			if err := in.cfg.Sleep(ctx, in.cfg.PollInterval); err != nil {
				return done, n, err
			}
			s.phase = phasePolling
			bo.Reset()
		case phaseRetrying:
			if err := in.backOff(ctx, bo, s); err != nil {
				return done, n, err
			}
			s.phase = phasePolling
		default:
			in.metrics.Failed(o.stage())
			in.log.Error("block failed", "block", n, "phase", s.phase, "err", s.err)
			return done, n, &BlockError{Block: n, Err: s.err}
		}
	}
}

type fetched struct {
	n     uint64
	block chain.Block
	err   error
}

// prefetchRange overlaps fetching with writing. Blocks are still
// committed strictly in ascending order.
func (in *Ingestor) prefetchRange(ctx context.Context, from, to uint64) (uint64, uint64, error) {
	fctx, cancel := context.WithCancel(ctx)
	ch := make(chan fetched, in.cfg.Prefetch)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(ch)
		for n := from; ; n++ {
			b, err := in.fetchWithRetry(fctx, n)
			select {
			case ch <- fetched{n: n, block: b, err: err}:
			case <-fctx.Done():
				return
			}
			if err != nil || n == to {
				return
			}
		}
	}()
	defer func() {
		cancel()
		for range ch {
		}
		wg.Wait()
	}()

	var done uint64
	next := from
	for f := range ch {
		if err := ctx.Err(); err != nil {
			return done, f.n, err
		}
		if f.err != nil {
			return done, f.n, f.err
		}
		if err := in.holdLease(ctx, f.n); err != nil {
			return done, f.n, err
		}
		if _, o := in.commit(ctx, f.block); o.kind != outcomeOK {
			s := step(state{next: f.n}, o, in.cfg.MaxAttempts, false)
			in.metrics.Failed(o.stage())
			in.log.Error("block failed", "block", f.n, "err", s.err)
			return done, f.n, &BlockError{Block: f.n, Err: s.err}
		}
		done++
		next = f.n + 1
		if f.n == to {
			return done, to, nil
		}
		if in.cfg.BlockDelay > 0 {
			if err := in.cfg.Sleep(ctx, in.cfg.BlockDelay); err != nil {
				return done, next, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return done, next, err
	}
	return done, next, fmt.Errorf("ingest: prefetch stopped at block %d", next)
}
