package pool

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore is an in-process Store with the same staging and commit
// semantics as the Postgres implementation.
type MemoryStore struct {
	mu     sync.Mutex
	blocks map[uint64]Block
	txs    map[common.Hash]Transaction
	events map[Kind]map[EventKey]Event

	// BeforeEvents, when set, runs after the block and its transactions are
	// staged and before any event is staged. A non-nil error aborts the
	// write and discards everything staged for the block.
	BeforeEvents func(data BlockData) error
}

func NewMemoryStore() *MemoryStore {
	events := make(map[Kind]map[EventKey]Event, len(Kinds))
	for _, k := range Kinds {
		events[k] = make(map[EventKey]Event)
	}
	return &MemoryStore{
		blocks: make(map[uint64]Block),
		txs:    make(map[common.Hash]Transaction),
		events: events,
	}
}

func (s *MemoryStore) WriteBlock(ctx context.Context, data BlockData) (WriteResult, error) {
	if err := ctx.Err(); err != nil {
		return WriteResult{}, err
	}
	if err := data.Validate(); err != nil {
		return WriteResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := WriteResult{Events: make(map[Kind]int64, len(Kinds))}

	var (
		stagedBlock  *Block
		stagedTxs    []Transaction
		stagedEvents []Event
	)
	if _, ok := s.blocks[data.Block.Number]; !ok {
		b := data.Block
		stagedBlock = &b
		res.Blocks = 1
	}
	for _, tx := range data.Transactions {
		if _, ok := s.txs[tx.Hash]; ok {
			continue
		}
		stagedTxs = append(stagedTxs, tx)
		res.Transactions++
	}

	if s.BeforeEvents != nil {
		if err := s.BeforeEvents(data); err != nil {
			return WriteResult{}, fmt.Errorf("%w: block %d: %v", ErrWrite, data.Block.Number, err)
		}
	}

	for _, ev := range data.Events {
		k := ev.Meta().Key()
		if _, ok := s.events[ev.Kind()][k]; ok {
			continue
		}
		stagedEvents = append(stagedEvents, ev)
		res.Events[ev.Kind()]++
	}

	// Commit.
	if stagedBlock != nil {
		s.blocks[stagedBlock.Number] = *stagedBlock
	}
	for _, tx := range stagedTxs {
		s.txs[tx.Hash] = tx
	}
	for _, ev := range stagedEvents {
		s.events[ev.Kind()][ev.Meta().Key()] = ev
	}
	return res, nil
}

func (s *MemoryStore) LatestBlock(ctx context.Context) (uint64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		latest uint64
		ok     bool
	)
	for n := range s.blocks {
		if !ok || n > latest {
			latest, ok = n, true
		}
	}
	return latest, ok, nil
}

// Blocks returns persisted blocks in ascending order.
func (s *MemoryStore) Blocks() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Transactions returns persisted transactions ordered by block and index.
func (s *MemoryStore) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// Events returns persisted events of one kind ordered by key.
func (s *MemoryStore) Events(kind Kind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.events[kind]
	out := make([]Event, 0, len(m))
	for _, ev := range m {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Meta(), out[j].Meta()
		if c := bytes.Compare(a.TxHash[:], b.TxHash[:]); c != 0 {
			return c < 0
		}
		return a.LogIndex < b.LogIndex
	})
	return out
}
