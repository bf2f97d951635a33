package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind identifies an event variant. Each kind is persisted in its own table.
type Kind uint8

const (
	KindInitialization Kind = iota + 1
	KindSwap
	KindMint
	KindBurn
	KindCollect
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{KindInitialization, KindSwap, KindMint, KindBurn, KindCollect}

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindSwap:
		return "swap"
	case KindMint:
		return "mint"
	case KindBurn:
		return "burn"
	case KindCollect:
		return "collect"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Table returns the name of the table holding events of this kind.
func (k Kind) Table() string {
	switch k {
	case KindInitialization:
		return "initialization_events"
	case KindSwap:
		return "swap_events"
	case KindMint:
		return "mint_events"
	case KindBurn:
		return "burn_events"
	case KindCollect:
		return "collect_events"
	default:
		return ""
	}
}

type Block struct {
	Number    uint64
	Timestamp uint64
}

type Transaction struct {
	Hash        common.Hash
	BlockNumber uint64
	Index       uint64
	Sender      common.Address
}

// EventKey is the primary key shared by all event tables.
type EventKey struct {
	TxHash   common.Hash
	LogIndex uint64
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s:%d", k.TxHash.Hex(), k.LogIndex)
}

// EventMeta carries the provenance every event variant shares.
type EventMeta struct {
	TxHash   common.Hash
	LogIndex uint64
	Contract common.Address
}

func (m EventMeta) Key() EventKey {
	return EventKey{TxHash: m.TxHash, LogIndex: m.LogIndex}
}

// Meta returns the shared provenance. Embedding EventMeta promotes it.
func (m EventMeta) Meta() EventMeta {
	return m
}

// Event is one decoded pool event. The set of implementations is closed:
// InitializationEvent, SwapEvent, MintEvent, BurnEvent, CollectEvent.
type Event interface {
	Kind() Kind
	Meta() EventMeta
	isEvent()
}

// InitializationEvent is emitted once when a pool's starting price is set.
// Creator is the sender of the emitting transaction.
type InitializationEvent struct {
	EventMeta
	Creator      common.Address
	SqrtPriceX96 *big.Int
	Tick         int32
}

type SwapEvent struct {
	EventMeta
	Sender       common.Address
	Recipient    common.Address
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
}

type MintEvent struct {
	EventMeta
	Sender    common.Address
	Owner     common.Address
	TickLower int32
	TickUpper int32
	Amount    *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

type BurnEvent struct {
	EventMeta
	Owner     common.Address
	TickLower int32
	TickUpper int32
	Amount    *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

type CollectEvent struct {
	EventMeta
	Owner     common.Address
	Recipient common.Address
	TickLower int32
	TickUpper int32
	Amount0   *big.Int
	Amount1   *big.Int
}

func (InitializationEvent) Kind() Kind { return KindInitialization }
func (SwapEvent) Kind() Kind           { return KindSwap }
func (MintEvent) Kind() Kind           { return KindMint }
func (BurnEvent) Kind() Kind           { return KindBurn }
func (CollectEvent) Kind() Kind        { return KindCollect }

func (InitializationEvent) isEvent() {}
func (SwapEvent) isEvent()           {}
func (MintEvent) isEvent()           {}
func (BurnEvent) isEvent()           {}
func (CollectEvent) isEvent()        {}

// BlockData is one unit of work for a Store: a block header, the
// transactions that emitted tracked events, and the decoded events.
type BlockData struct {
	Block        Block
	Transactions []Transaction
	Events       []Event
}

// Validate checks the ownership chain event -> transaction -> block.
func (d BlockData) Validate() error {
	txs := make(map[common.Hash]struct{}, len(d.Transactions))
	for _, tx := range d.Transactions {
		if tx.BlockNumber != d.Block.Number {
			return fmt.Errorf("%w: tx %s belongs to block %d, not %d", ErrInvalidBlockData, tx.Hash.Hex(), tx.BlockNumber, d.Block.Number)
		}
		if _, dup := txs[tx.Hash]; dup {
			return fmt.Errorf("%w: duplicate tx %s", ErrInvalidBlockData, tx.Hash.Hex())
		}
		txs[tx.Hash] = struct{}{}
	}

	keys := make(map[EventKey]struct{}, len(d.Events))
	for _, ev := range d.Events {
		if ev == nil {
			return fmt.Errorf("%w: nil event", ErrInvalidBlockData)
		}
		k := ev.Meta().Key()
		if _, ok := txs[k.TxHash]; !ok {
			return fmt.Errorf("%w: event %s has no parent tx", ErrInvalidBlockData, k)
		}
		if _, dup := keys[k]; dup {
			return fmt.Errorf("%w: duplicate event %s", ErrInvalidBlockData, k)
		}
		keys[k] = struct{}{}
		if err := checkAmounts(ev); err != nil {
			return fmt.Errorf("%w: event %s: %v", ErrInvalidBlockData, k, err)
		}
	}
	return nil
}

func checkAmounts(ev Event) error {
	var fields map[string]*big.Int
	switch e := ev.(type) {
	case InitializationEvent:
		fields = map[string]*big.Int{"sqrt_price_x96": e.SqrtPriceX96}
	case SwapEvent:
		fields = map[string]*big.Int{"amount0": e.Amount0, "amount1": e.Amount1, "sqrt_price_x96": e.SqrtPriceX96, "liquidity": e.Liquidity}
	case MintEvent:
		fields = map[string]*big.Int{"amount": e.Amount, "amount0": e.Amount0, "amount1": e.Amount1}
	case BurnEvent:
		fields = map[string]*big.Int{"amount": e.Amount, "amount0": e.Amount0, "amount1": e.Amount1}
	case CollectEvent:
		fields = map[string]*big.Int{"amount0": e.Amount0, "amount1": e.Amount1}
	default:
		return fmt.Errorf("unknown event type %T", ev)
	}
	for name, v := range fields {
		if v == nil {
			return fmt.Errorf("%s is nil", name)
		}
	}
	return nil
}

// CountByKind tallies events per kind.
func (d BlockData) CountByKind() map[Kind]int {
	out := make(map[Kind]int, len(Kinds))
	for _, ev := range d.Events {
		out[ev.Kind()]++
	}
	return out
}

// WriteResult reports rows actually inserted by a WriteBlock call.
// Rows that already existed are not counted.
type WriteResult struct {
	Blocks       int64
	Transactions int64
	Events       map[Kind]int64
}

func (r WriteResult) EventsTotal() int64 {
	var n int64
	for _, v := range r.Events {
		n += v
	}
	return n
}

// Empty reports whether the write inserted nothing, i.e. the block was
// already fully persisted.
func (r WriteResult) Empty() bool {
	return r.Blocks == 0 && r.Transactions == 0 && r.EventsTotal() == 0
}
