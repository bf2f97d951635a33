package poolabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/pool-ingest/internal/chain"
	"github.com/juno-intents/pool-ingest/internal/pool"
)

// ErrMalformedLog marks a log whose first topic matches a known event but
// whose topics or data do not fit that event's layout.
var ErrMalformedLog = errors.New("poolabi: malformed log")

type eventLayout struct {
	kind    pool.Kind
	event   abi.Event
	indexed abi.Arguments
	data    abi.Arguments
}

var (
	initOnce sync.Once
	initErr  error

	poolABI  abi.ABI
	byTopic  map[common.Hash]*eventLayout
	byKind   map[pool.Kind]*eventLayout
	abiNames = map[string]pool.Kind{
		"Initialize": pool.KindInitialization,
		"Swap":       pool.KindSwap,
		"Mint":       pool.KindMint,
		"Burn":       pool.KindBurn,
		"Collect":    pool.KindCollect,
	}
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		poolABI, err = abi.JSON(strings.NewReader(poolEventsABIJSON))
		if err != nil {
			initErr = fmt.Errorf("poolabi: parse pool events ABI: %w", err)
			return
		}
		byTopic = make(map[common.Hash]*eventLayout, len(abiNames))
		byKind = make(map[pool.Kind]*eventLayout, len(abiNames))
		for name, kind := range abiNames {
			ev, ok := poolABI.Events[name]
			if !ok {
				initErr = fmt.Errorf("poolabi: event %s missing from ABI", name)
				return
			}
			layout := &eventLayout{kind: kind, event: ev, data: ev.Inputs.NonIndexed()}
			for _, in := range ev.Inputs {
				if in.Indexed {
					layout.indexed = append(layout.indexed, in)
				}
			}
			byTopic[ev.ID] = layout
			byKind[kind] = layout
		}
	})
	return initErr
}

// EventID returns the first-topic identifier of the given event kind.
func EventID(kind pool.Kind) (common.Hash, error) {
	if err := initABI(); err != nil {
		return common.Hash{}, err
	}
	layout, ok := byKind[kind]
	if !ok {
		return common.Hash{}, fmt.Errorf("poolabi: unknown kind %v", kind)
	}
	return layout.event.ID, nil
}

// Decoder turns raw logs into pool events.
type Decoder struct{}

func NewDecoder() (*Decoder, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	return &Decoder{}, nil
}

// Decode returns ok=false with a nil error for logs that are not one of the
// known pool events. A known event with a bad layout returns ErrMalformedLog.
func (*Decoder) Decode(l chain.Log) (pool.Event, bool, error) {
	if err := initABI(); err != nil {
		return nil, false, err
	}
	if len(l.Topics) == 0 {
		return nil, false, nil
	}
	layout, ok := byTopic[l.Topics[0]]
	if !ok {
		return nil, false, nil
	}

	fields, err := layout.unpack(l)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s log %d in tx %s: %v", ErrMalformedLog, layout.event.Name, l.Index, l.TxHash.Hex(), err)
	}
	ev, err := layout.build(l, fields)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s log %d in tx %s: %v", ErrMalformedLog, layout.event.Name, l.Index, l.TxHash.Hex(), err)
	}
	return ev, true, nil
}

func (s *eventLayout) unpack(l chain.Log) (map[string]any, error) {
	topics := l.Topics[1:]
	if len(topics) != len(s.indexed) {
		return nil, fmt.Errorf("got %d indexed topics, want %d", len(topics), len(s.indexed))
	}
	if want := 32 * len(s.data); len(l.Data) != want {
		return nil, fmt.Errorf("got %d data bytes, want %d", len(l.Data), want)
	}
	for i, arg := range s.indexed {
		if err := checkWord(arg.Type, topics[i][:]); err != nil {
			return nil, fmt.Errorf("%s: %w", arg.Name, err)
		}
	}
	for i, arg := range s.data {
		if err := checkWord(arg.Type, l.Data[32*i:32*(i+1)]); err != nil {
			return nil, fmt.Errorf("%s: %w", arg.Name, err)
		}
	}

	out := make(map[string]any, len(s.event.Inputs))
	if err := s.data.UnpackIntoMap(out, l.Data); err != nil {
		return nil, fmt.Errorf("unpack data: %w", err)
	}
	if err := abi.ParseTopicsIntoMap(out, s.indexed, topics); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	return out, nil
}

func (s *eventLayout) build(l chain.Log, f map[string]any) (pool.Event, error) {
	r := fieldReader{fields: f}
	meta := pool.EventMeta{TxHash: l.TxHash, LogIndex: l.Index, Contract: l.Address}

	var ev pool.Event
	switch s.kind {
	case pool.KindInitialization:
		ev = pool.InitializationEvent{
			EventMeta:    meta,
			Creator:      l.Sender,
			SqrtPriceX96: r.bigInt("sqrtPriceX96"),
			Tick:         r.tick("tick"),
		}
	case pool.KindSwap:
		ev = pool.SwapEvent{
			EventMeta:    meta,
			Sender:       r.address("sender"),
			Recipient:    r.address("recipient"),
			Amount0:      r.bigInt("amount0"),
			Amount1:      r.bigInt("amount1"),
			SqrtPriceX96: r.bigInt("sqrtPriceX96"),
			Liquidity:    r.bigInt("liquidity"),
			Tick:         r.tick("tick"),
		}
	case pool.KindMint:
		ev = pool.MintEvent{
			EventMeta: meta,
			Sender:    r.address("sender"),
			Owner:     r.address("owner"),
			TickLower: r.tick("tickLower"),
			TickUpper: r.tick("tickUpper"),
			Amount:    r.bigInt("amount"),
			Amount0:   r.bigInt("amount0"),
			Amount1:   r.bigInt("amount1"),
		}
	case pool.KindBurn:
		ev = pool.BurnEvent{
			EventMeta: meta,
			Owner:     r.address("owner"),
			TickLower: r.tick("tickLower"),
			TickUpper: r.tick("tickUpper"),
			Amount:    r.bigInt("amount"),
			Amount0:   r.bigInt("amount0"),
			Amount1:   r.bigInt("amount1"),
		}
	case pool.KindCollect:
		ev = pool.CollectEvent{
			EventMeta: meta,
			Owner:     r.address("owner"),
			Recipient: r.address("recipient"),
			TickLower: r.tick("tickLower"),
			TickUpper: r.tick("tickUpper"),
			Amount0:   r.bigInt("amount0"),
			Amount1:   r.bigInt("amount1"),
		}
	default:
		return nil, fmt.Errorf("unknown kind %v", s.kind)
	}
	if r.err != nil {
		return nil, r.err
	}
	return ev, nil
}

// fieldReader pulls typed values out of an unpacked field map and keeps
// the first error.
type fieldReader struct {
	fields map[string]any
	err    error
}

func (r *fieldReader) fail(name string, v any) {
	if r.err == nil {
		r.err = fmt.Errorf("field %s: unexpected type %T", name, v)
	}
}

func (r *fieldReader) address(name string) common.Address {
	v, ok := r.fields[name].(common.Address)
	if !ok {
		r.fail(name, r.fields[name])
	}
	return v
}

func (r *fieldReader) bigInt(name string) *big.Int {
	v, ok := r.fields[name].(*big.Int)
	if !ok || v == nil {
		r.fail(name, r.fields[name])
		return nil
	}
	return new(big.Int).Set(v)
}

func (r *fieldReader) tick(name string) int32 {
	v := r.bigInt(name)
	if v == nil {
		return 0
	}
	if !v.IsInt64() || v.Int64() < minInt24 || v.Int64() > maxInt24 {
		if r.err == nil {
			r.err = fmt.Errorf("field %s: %s out of int24 range", name, v)
		}
		return 0
	}
	return int32(v.Int64())
}
