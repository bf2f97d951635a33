package chain

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

type Fetcher struct {
	src       Source
	addresses []common.Address
	tracked   map[common.Address]struct{}
}

func NewFetcher(src Source, addresses []common.Address) (*Fetcher, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrInvalidConfig)
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("%w: no tracked addresses", ErrInvalidConfig)
	}
	tracked := make(map[common.Address]struct{}, len(addresses))
	uniq := make([]common.Address, 0, len(addresses))
	for _, a := range addresses {
		if (a == common.Address{}) {
			return nil, fmt.Errorf("%w: zero tracked address", ErrInvalidConfig)
		}
		if _, ok := tracked[a]; ok {
			continue
		}
		tracked[a] = struct{}{}
		uniq = append(uniq, a)
	}
	return &Fetcher{src: src, addresses: uniq, tracked: tracked}, nil
}

// Fetch returns the header of block number and the tracked logs it
// contains, grouped by transaction. A block without tracked logs is
// returned with no transactions.
func (f *Fetcher) Fetch(ctx context.Context, number uint64) (Block, error) {
	h, err := f.src.Header(ctx, number)
	if err != nil {
		return Block{}, err
	}
	if h.Number != number {
		return Block{}, fmt.Errorf("%w: header number %d, requested %d", ErrInvalidResponse, h.Number, number)
	}

	logs, err := f.src.Logs(ctx, number, f.addresses)
	if err != nil {
		return Block{}, err
	}

	byTx := make(map[common.Hash]*Transaction)
	seen := make(map[uint64]struct{}, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		if _, ok := f.tracked[l.Address]; !ok {
			continue
		}
		if l.BlockNumber != number {
			return Block{}, fmt.Errorf("%w: log %d from block %d, requested %d", ErrInvalidResponse, l.Index, l.BlockNumber, number)
		}
		if _, dup := seen[l.Index]; dup {
			return Block{}, fmt.Errorf("%w: duplicate log index %d in block %d", ErrInvalidResponse, l.Index, number)
		}
		seen[l.Index] = struct{}{}

		tx, ok := byTx[l.TxHash]
		if !ok {
			tx = &Transaction{Hash: l.TxHash, Index: l.TxIndex, Sender: l.Sender}
			byTx[l.TxHash] = tx
		} else if tx.Index != l.TxIndex || tx.Sender != l.Sender {
			return Block{}, fmt.Errorf("%w: inconsistent provenance for tx %s", ErrInvalidResponse, l.TxHash.Hex())
		}
		tx.Logs = append(tx.Logs, l)
	}

	out := Block{Header: h}
	if len(byTx) == 0 {
		return out, nil
	}
	out.Transactions = make([]Transaction, 0, len(byTx))
	for _, tx := range byTx {
		sort.Slice(tx.Logs, func(i, j int) bool { return tx.Logs[i].Index < tx.Logs[j].Index })
		out.Transactions = append(out.Transactions, *tx)
	}
	sort.Slice(out.Transactions, func(i, j int) bool {
		return out.Transactions[i].Index < out.Transactions[j].Index
	})
	return out, nil
}
