package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const defaultSenderBatchSize = 100

// RPCSource implements Source over an Ethereum JSON-RPC endpoint.
type RPCSource struct {
	rpc *rpc.Client
	eth *ethclient.Client

	timeout   time.Duration
	batchSize int
}

type RPCOption func(*RPCSource)

// WithTimeout bounds each RPC round trip.
func WithTimeout(d time.Duration) RPCOption {
	return func(s *RPCSource) { s.timeout = d }
}

// WithSenderBatchSize bounds the number of eth_getTransactionByHash calls
// sent in one batch.
func WithSenderBatchSize(n int) RPCOption {
	return func(s *RPCSource) { s.batchSize = n }
}

func DialRPC(ctx context.Context, url string, opts ...RPCOption) (*RPCSource, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("%w: empty rpc url", ErrInvalidConfig)
	}
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial rpc: %w", err)
	}
	return NewRPCSource(c, opts...)
}

func NewRPCSource(c *rpc.Client, opts ...RPCOption) (*RPCSource, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil rpc client", ErrInvalidConfig)
	}
	s := &RPCSource{
		rpc:       c,
		eth:       ethclient.NewClient(c),
		batchSize: defaultSenderBatchSize,
	}
	for _, o := range opts {
		o(s)
	}
	if s.batchSize <= 0 {
		return nil, fmt.Errorf("%w: sender batch size must be > 0", ErrInvalidConfig)
	}
	if s.timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must be >= 0", ErrInvalidConfig)
	}
	return s, nil
}

func (s *RPCSource) Close() {
	s.rpc.Close()
}

func (s *RPCSource) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// rpcHeader holds the header fields we need. Decoding into types.Header
// would reject chains whose headers omit mainnet-only fields.
type rpcHeader struct {
	Number    *hexutil.Big   `json:"number"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

func (s *RPCSource) Header(ctx context.Context, number uint64) (Header, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	var h *rpcHeader
	err := s.rpc.CallContext(ctx, &h, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
	if err != nil {
		return Header{}, fmt.Errorf("chain: get block %d: %w", number, err)
	}
	if h == nil {
		return Header{}, fmt.Errorf("%w: block %d", ErrBlockNotAvailable, number)
	}
	if h.Number == nil || !h.Number.ToInt().IsUint64() {
		return Header{}, fmt.Errorf("%w: block %d: missing or invalid number", ErrInvalidResponse, number)
	}
	return Header{Number: h.Number.ToInt().Uint64(), Timestamp: uint64(h.Timestamp)}, nil
}

func (s *RPCSource) Logs(ctx context.Context, number uint64, addresses []common.Address) ([]Log, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	bn := new(big.Int).SetUint64(number)
	raw, err := s.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: bn,
		ToBlock:   bn,
		Addresses: addresses,
	})
	if err != nil {
		return nil, fmt.Errorf("chain: get logs for block %d: %w", number, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var hashes []common.Hash
	seen := make(map[common.Hash]struct{})
	for _, l := range raw {
		if _, ok := seen[l.TxHash]; ok {
			continue
		}
		seen[l.TxHash] = struct{}{}
		hashes = append(hashes, l.TxHash)
	}
	senders, err := s.senders(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("chain: block %d: %w", number, err)
	}

	out := make([]Log, 0, len(raw))
	for _, l := range raw {
		out = append(out, Log{
			Address:     l.Address,
			Topics:      append([]common.Hash(nil), l.Topics...),
			Data:        append([]byte(nil), l.Data...),
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			TxIndex:     uint64(l.TxIndex),
			Sender:      senders[l.TxHash],
			Index:       uint64(l.Index),
			Removed:     l.Removed,
		})
	}
	return out, nil
}

type rpcTxSender struct {
	Hash common.Hash    `json:"hash"`
	From common.Address `json:"from"`
}

func (s *RPCSource) senders(ctx context.Context, hashes []common.Hash) (map[common.Hash]common.Address, error) {
	out := make(map[common.Hash]common.Address, len(hashes))
	for start := 0; start < len(hashes); start += s.batchSize {
		end := start + s.batchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[start:end]

		results := make([]*rpcTxSender, len(chunk))
		batch := make([]rpc.BatchElem, len(chunk))
		for i, h := range chunk {
			batch[i] = rpc.BatchElem{
				Method: "eth_getTransactionByHash",
				Args:   []any{h},
				Result: &results[i],
			}
		}
		if err := s.rpc.BatchCallContext(ctx, batch); err != nil {
			return nil, fmt.Errorf("get transaction senders: %w", err)
		}
		for i, elem := range batch {
			if elem.Error != nil {
				return nil, fmt.Errorf("get transaction %s: %w", chunk[i].Hex(), elem.Error)
			}
			r := results[i]
			if r == nil {
				return nil, fmt.Errorf("%w: transaction %s not found", ErrInvalidResponse, chunk[i].Hex())
			}
			if r.Hash != chunk[i] {
				return nil, fmt.Errorf("%w: asked for transaction %s, got %s", ErrInvalidResponse, chunk[i].Hex(), r.Hash.Hex())
			}
			out[chunk[i]] = r.From
		}
	}
	return out, nil
}
