// Package archive keeps a JSON copy of every fetched block, before decoding.
// An Archive is also a block source, so a run can be replayed from it
// without the RPC node.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/juno-intents/pool-ingest/internal/chain"
)

type Config struct {
	Driver string
	Prefix string

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

// Archive stores fetched blocks under blocks/<number>.json.
type Archive struct {
	objects objectStore
}

func New(cfg Config) (*Archive, error) {
	var (
		objs objectStore
		err  error
	)
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverMemory:
		objs = newMemoryObjects(cfg.Prefix)
	case DriverS3, "":
		objs, err = newS3Objects(cfg.S3Client, cfg.Bucket, cfg.Prefix)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	return &Archive{objects: objs}, nil
}

func Key(number uint64) string {
	return fmt.Sprintf("blocks/%d.json", number)
}

type blockRecord struct {
	Number       hexutil.Uint64 `json:"number"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	Transactions []txRecord     `json:"transactions"`
}

type txRecord struct {
	Hash   common.Hash    `json:"hash"`
	Index  hexutil.Uint64 `json:"transactionIndex"`
	Sender common.Address `json:"from"`
	Logs   []logRecord    `json:"logs"`
}

type logRecord struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
	Index   hexutil.Uint64 `json:"logIndex"`
}

// Archive writes b, replacing any earlier copy of the same block.
func (a *Archive) Archive(ctx context.Context, b chain.Block) error {
	rec := blockRecord{
		Number:       hexutil.Uint64(b.Number),
		Timestamp:    hexutil.Uint64(b.Timestamp),
		Transactions: make([]txRecord, 0, len(b.Transactions)),
	}
	for _, tx := range b.Transactions {
		tr := txRecord{
			Hash:   tx.Hash,
			Index:  hexutil.Uint64(tx.Index),
			Sender: tx.Sender,
			Logs:   make([]logRecord, 0, len(tx.Logs)),
		}
		for _, l := range tx.Logs {
			tr.Logs = append(tr.Logs, logRecord{
				Address: l.Address,
				Topics:  l.Topics,
				Data:    l.Data,
				Index:   hexutil.Uint64(l.Index),
			})
		}
		rec.Transactions = append(rec.Transactions, tr)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("archive: marshal block %d: %w", b.Number, err)
	}
	return a.objects.put(ctx, Key(b.Number), payload)
}

// Load reads an archived block back, restoring log provenance.
func (a *Archive) Load(ctx context.Context, number uint64) (chain.Block, error) {
	payload, err := a.objects.get(ctx, Key(number))
	if err != nil {
		return chain.Block{}, err
	}
	var rec blockRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return chain.Block{}, fmt.Errorf("archive: decode block %d: %w", number, err)
	}
	if uint64(rec.Number) != number {
		return chain.Block{}, fmt.Errorf("archive: %s holds block %d", Key(number), uint64(rec.Number))
	}

	b := chain.Block{Header: chain.Header{Number: number, Timestamp: uint64(rec.Timestamp)}}
	for _, tr := range rec.Transactions {
		tx := chain.Transaction{Hash: tr.Hash, Index: uint64(tr.Index), Sender: tr.Sender}
		for _, lr := range tr.Logs {
			tx.Logs = append(tx.Logs, chain.Log{
				Address:     lr.Address,
				Topics:      lr.Topics,
				Data:        lr.Data,
				BlockNumber: number,
				TxHash:      tr.Hash,
				TxIndex:     uint64(tr.Index),
				Sender:      tr.Sender,
				Index:       uint64(lr.Index),
			})
		}
		b.Transactions = append(b.Transactions, tx)
	}
	return b, nil
}

// Fetch serves an archived block in place of the RPC node. A block that
// was never archived reads as not yet available.
func (a *Archive) Fetch(ctx context.Context, number uint64) (chain.Block, error) {
	b, err := a.Load(ctx, number)
	if errors.Is(err, ErrNotFound) {
		return chain.Block{}, fmt.Errorf("%w: %w", chain.ErrBlockNotAvailable, err)
	}
	return b, err
}
