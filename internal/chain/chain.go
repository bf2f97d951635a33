package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidConfig   = errors.New("chain: invalid config")
	ErrInvalidResponse = errors.New("chain: invalid response")

	// ErrBlockNotAvailable means the requested block is past the chain head.
	ErrBlockNotAvailable = errors.New("chain: block not yet available")
)

type Header struct {
	Number    uint64
	Timestamp uint64
}

// Log is one emitted event record with the provenance of the transaction
// that produced it.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte

	BlockNumber uint64
	TxHash      common.Hash
	TxIndex     uint64
	Sender      common.Address
	Index       uint64

	Removed bool
}

// Source is the RPC collaborator the Fetcher reads from.
type Source interface {
	// Header returns ErrBlockNotAvailable when number is past the head.
	Header(ctx context.Context, number uint64) (Header, error)
	// Logs returns the logs emitted in block number by the given contracts.
	Logs(ctx context.Context, number uint64, addresses []common.Address) ([]Log, error)
}

type Transaction struct {
	Hash   common.Hash
	Index  uint64
	Sender common.Address
	Logs   []Log
}

// Block is a header plus the transactions that emitted tracked logs,
// in transaction-index order.
type Block struct {
	Header
	Transactions []Transaction
}

func (b Block) LogCount() int {
	n := 0
	for _, tx := range b.Transactions {
		n += len(tx.Logs)
	}
	return n
}
