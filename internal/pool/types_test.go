package pool

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestBlockData_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*BlockData)
		wantErr bool
	}{
		{name: "valid", mutate: func(*BlockData) {}},
		{name: "empty block", mutate: func(d *BlockData) { d.Transactions, d.Events = nil, nil }},
		{
			name:    "tx from another block",
			mutate:  func(d *BlockData) { d.Transactions[0].BlockNumber++ },
			wantErr: true,
		},
		{
			name:    "duplicate tx",
			mutate:  func(d *BlockData) { d.Transactions = append(d.Transactions, d.Transactions[0]) },
			wantErr: true,
		},
		{
			name:    "duplicate event key",
			mutate:  func(d *BlockData) { d.Events = append(d.Events, d.Events[0]) },
			wantErr: true,
		},
		{
			name: "nil amount",
			mutate: func(d *BlockData) {
				ev := d.Events[0].(SwapEvent)
				ev.Liquidity = nil
				d.Events[0] = ev
			},
			wantErr: true,
		},
		{
			name: "orphan event",
			mutate: func(d *BlockData) {
				d.Events = append(d.Events, BurnEvent{
					EventMeta: EventMeta{TxHash: common.HexToHash("0xdead"), LogIndex: 1},
					Amount:    big.NewInt(1),
					Amount0:   big.NewInt(1),
					Amount1:   big.NewInt(1),
				})
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d := sampleBlock(20)
			tc.mutate(&d)
			err := d.Validate()
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidBlockData) {
					t.Fatalf("expected ErrInvalidBlockData, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
		})
	}
}

func TestKind_Table(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for _, k := range Kinds {
		table := k.Table()
		if table == "" {
			t.Fatalf("%v: empty table", k)
		}
		if seen[table] {
			t.Fatalf("%v: duplicate table %q", k, table)
		}
		seen[table] = true
	}
	if Kind(0).Table() != "" {
		t.Fatalf("zero kind should have no table")
	}
}

func TestBlockData_CountByKind(t *testing.T) {
	t.Parallel()

	got := sampleBlock(1).CountByKind()
	if got[KindSwap] != 1 || got[KindMint] != 1 || got[KindBurn] != 0 {
		t.Fatalf("counts: got %v", got)
	}
}
