package postgres

import (
	"context"
	"errors"
	"math"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/juno-intents/pool-ingest/internal/pool"
)

func TestNew_RejectsNilPool(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want ErrInvalidConfig", err)
	}
	var s *Store
	if _, err := s.WriteBlock(context.Background(), pool.BlockData{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store write: got %v want ErrInvalidConfig", err)
	}
	if _, _, err := s.LatestBlock(context.Background()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store latest: got %v want ErrInvalidConfig", err)
	}
}

func TestConnect_RejectsBadDSN(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), "postgres://%zz"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("got %v want ErrInvalidConfig", err)
	}
}

func TestEventInsert_PlaceholdersMatchArgs(t *testing.T) {
	t.Parallel()

	meta := pool.EventMeta{TxHash: common.HexToHash("0x01"), LogIndex: 3, Contract: common.HexToAddress("0x02")}
	one := big.NewInt(1)
	events := []pool.Event{
		pool.InitializationEvent{EventMeta: meta, SqrtPriceX96: one, Tick: -887272},
		pool.SwapEvent{EventMeta: meta, Amount0: one, Amount1: one, SqrtPriceX96: one, Liquidity: one, Tick: 5},
		pool.MintEvent{EventMeta: meta, Amount: one, Amount0: one, Amount1: one},
		pool.BurnEvent{EventMeta: meta, Amount: one, Amount0: one, Amount1: one},
		pool.CollectEvent{EventMeta: meta, Amount0: one, Amount1: one},
	}
	for _, ev := range events {
		query, args := eventInsert(ev)
		if !strings.Contains(query, "INSERT INTO "+ev.Kind().Table()+" ") {
			t.Fatalf("%v: query targets wrong table: %s", ev.Kind(), query)
		}
		if !strings.Contains(query, "ON CONFLICT (transaction_hash, log_index) DO NOTHING") {
			t.Fatalf("%v: query is not insert-or-ignore", ev.Kind())
		}
		if got := strings.Count(query, "$"); got != len(args) {
			t.Fatalf("%v: placeholders %d args %d", ev.Kind(), got, len(args))
		}
	}
}

func TestTickNumeric_KeepsSign(t *testing.T) {
	t.Parallel()

	n := tickNumeric(-887272)
	if !n.Valid || n.Exp != 0 || n.Int.Int64() != -887272 {
		t.Fatalf("got %+v", n)
	}

	v := new(big.Int).Lsh(big.NewInt(1), 200)
	got := numeric(v)
	v.SetInt64(0)
	if got.Int.Cmp(new(big.Int).Lsh(big.NewInt(1), 200)) != 0 {
		t.Fatalf("numeric aliases its input")
	}
}

func TestCheckBigints(t *testing.T) {
	t.Parallel()

	ok := pool.BlockData{Block: pool.Block{Number: 1, Timestamp: 2}}
	if err := checkBigints(ok); err != nil {
		t.Fatalf("checkBigints: %v", err)
	}
	bad := pool.BlockData{Block: pool.Block{Number: math.MaxInt64 + 1}}
	if err := checkBigints(bad); !errors.Is(err, pool.ErrInvalidBlockData) {
		t.Fatalf("got %v want ErrInvalidBlockData", err)
	}
	badTx := pool.BlockData{
		Block:        pool.Block{Number: 1},
		Transactions: []pool.Transaction{{BlockNumber: 1, Index: math.MaxUint64}},
	}
	if err := checkBigints(badTx); !errors.Is(err, pool.ErrInvalidBlockData) {
		t.Fatalf("tx index: got %v want ErrInvalidBlockData", err)
	}
}
