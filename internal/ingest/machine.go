package ingest

import (
	"fmt"

	"github.com/juno-intents/pool-ingest/internal/metrics"
)

type phase uint8

const (
	phasePolling phase = iota
	phaseWaiting
	phaseRetrying
	phaseFatal
)

func (p phase) String() string {
	switch p {
	case phasePolling:
		return "polling"
	case phaseWaiting:
		return "waiting"
	case phaseRetrying:
		return "retrying"
	case phaseFatal:
		return "fatal"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// state is the position of the per-block control loop. attempt counts
// consecutive transient fetch failures for next.
type state struct {
	phase   phase
	next    uint64
	attempt int
	err     error
}

type outcomeKind uint8

const (
	outcomeOK outcomeKind = iota
	outcomeNotAvailable
	outcomeTransient
	outcomeDecode
	outcomeWrite
)

type outcome struct {
	kind outcomeKind
	err  error
}

func (o outcome) stage() string {
	switch o.kind {
	case outcomeDecode:
		return metrics.StageDecode
	case outcomeWrite:
		return metrics.StageWrite
	default:
		return metrics.StageFetch
	}
}

// step is the transition function of the control loop. It has no side
// effects: the caller sleeps for Waiting and Retrying, then resumes
// Polling at the same block.
func step(s state, o outcome, maxAttempts int, waitForHead bool) state {
	switch o.kind {
	case outcomeOK:
		return state{phase: phasePolling, next: s.next + 1}
	case outcomeNotAvailable:
		if waitForHead {
			return state{phase: phaseWaiting, next: s.next}
		}
		return retryOrFail(s, o, maxAttempts)
	case outcomeTransient:
		return retryOrFail(s, o, maxAttempts)
	case outcomeDecode:
		return state{phase: phaseFatal, next: s.next, attempt: s.attempt, err: fmt.Errorf("%w: %w", ErrDecode, o.err)}
	case outcomeWrite:
		return state{phase: phaseFatal, next: s.next, attempt: s.attempt, err: fmt.Errorf("%w: %w", ErrWrite, o.err)}
	default:
		return state{phase: phaseFatal, next: s.next, attempt: s.attempt, err: fmt.Errorf("ingest: unknown outcome %d", o.kind)}
	}
}

func retryOrFail(s state, o outcome, maxAttempts int) state {
	attempt := s.attempt + 1
	if attempt >= maxAttempts {
		return state{
			phase:   phaseFatal,
			next:    s.next,
			attempt: attempt,
			err:     fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, o.err),
		}
	}
	return state{phase: phaseRetrying, next: s.next, attempt: attempt, err: o.err}
}
