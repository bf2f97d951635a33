package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juno-intents/pool-ingest/internal/pool"
)

var ErrInvalidConfig = errors.New("pool/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool

	// beforeEvents runs inside the write transaction after the block and
	// transaction rows are inserted. Tests use it to inject faults.
	beforeEvents func(ctx context.Context, tx pgx.Tx) error
}

// Connect opens a pool for dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse dsn: %v", ErrInvalidConfig, err)
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pool/postgres: connect: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("pool/postgres: ping: %w", err)
	}
	return p, nil
}

func New(p *pgxpool.Pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: p}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("pool/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) WriteBlock(ctx context.Context, data pool.BlockData) (pool.WriteResult, error) {
	if s == nil || s.pool == nil {
		return pool.WriteResult{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := data.Validate(); err != nil {
		return pool.WriteResult{}, err
	}
	if err := checkBigints(data); err != nil {
		return pool.WriteResult{}, err
	}

	n := data.Block.Number
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return pool.WriteResult{}, writeErr(n, "begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res := pool.WriteResult{Events: make(map[pool.Kind]int64, len(pool.Kinds))}

	tag, err := tx.Exec(ctx, `
		INSERT INTO blocks (block_number, block_timestamp)
		VALUES ($1,$2)
		ON CONFLICT (block_number) DO NOTHING
	`, int64(n), int64(data.Block.Timestamp))
	if err != nil {
		return pool.WriteResult{}, writeErr(n, "insert block", err)
	}
	res.Blocks = tag.RowsAffected()

	for _, t := range data.Transactions {
		tag, err := tx.Exec(ctx, `
			INSERT INTO transactions (transaction_hash, block_number, transaction_index, transaction_sender)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (transaction_hash) DO NOTHING
		`, t.Hash[:], int64(t.BlockNumber), int64(t.Index), t.Sender[:])
		if err != nil {
			return pool.WriteResult{}, writeErr(n, "insert transaction "+t.Hash.Hex(), err)
		}
		res.Transactions += tag.RowsAffected()
	}

	if s.beforeEvents != nil {
		if err := s.beforeEvents(ctx, tx); err != nil {
			return pool.WriteResult{}, writeErr(n, "before events", err)
		}
	}

	for _, ev := range data.Events {
		query, args := eventInsert(ev)
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return pool.WriteResult{}, writeErr(n, "insert "+ev.Kind().String()+" event "+ev.Meta().Key().String(), err)
		}
		res.Events[ev.Kind()] += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return pool.WriteResult{}, writeErr(n, "commit", err)
	}
	return res, nil
}

func (s *Store) LatestBlock(ctx context.Context) (uint64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	var latest *int64
	if err := s.pool.QueryRow(ctx, `SELECT max(block_number) FROM blocks`).Scan(&latest); err != nil {
		return 0, false, fmt.Errorf("pool/postgres: latest block: %w", err)
	}
	if latest == nil {
		return 0, false, nil
	}
	if *latest < 0 {
		return 0, false, fmt.Errorf("pool/postgres: negative block number in db")
	}
	return uint64(*latest), true, nil
}

func eventInsert(ev pool.Event) (string, []any) {
	m := ev.Meta()
	switch e := ev.(type) {
	case pool.InitializationEvent:
		return `
			INSERT INTO initialization_events (transaction_hash, log_index, contract_address, creator, sqrt_price_x96, tick)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (transaction_hash, log_index) DO NOTHING
		`, []any{m.TxHash[:], int64(m.LogIndex), m.Contract[:], e.Creator[:], numeric(e.SqrtPriceX96), tickNumeric(e.Tick)}
	case pool.SwapEvent:
		return `
			INSERT INTO swap_events (transaction_hash, log_index, contract_address, sender, recipient, amount0, amount1, sqrt_price_x96, liquidity, tick)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (transaction_hash, log_index) DO NOTHING
		`, []any{m.TxHash[:], int64(m.LogIndex), m.Contract[:], e.Sender[:], e.Recipient[:], numeric(e.Amount0), numeric(e.Amount1), numeric(e.SqrtPriceX96), numeric(e.Liquidity), tickNumeric(e.Tick)}
	case pool.MintEvent:
		return `
			INSERT INTO mint_events (transaction_hash, log_index, contract_address, sender, owner, tick_lower, tick_upper, amount, amount0, amount1)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (transaction_hash, log_index) DO NOTHING
		`, []any{m.TxHash[:], int64(m.LogIndex), m.Contract[:], e.Sender[:], e.Owner[:], tickNumeric(e.TickLower), tickNumeric(e.TickUpper), numeric(e.Amount), numeric(e.Amount0), numeric(e.Amount1)}
	case pool.BurnEvent:
		return `
			INSERT INTO burn_events (transaction_hash, log_index, contract_address, owner, tick_lower, tick_upper, amount, amount0, amount1)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (transaction_hash, log_index) DO NOTHING
		`, []any{m.TxHash[:], int64(m.LogIndex), m.Contract[:], e.Owner[:], tickNumeric(e.TickLower), tickNumeric(e.TickUpper), numeric(e.Amount), numeric(e.Amount0), numeric(e.Amount1)}
	case pool.CollectEvent:
		return `
			INSERT INTO collect_events (transaction_hash, log_index, contract_address, owner, recipient, tick_lower, tick_upper, amount0, amount1)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (transaction_hash, log_index) DO NOTHING
		`, []any{m.TxHash[:], int64(m.LogIndex), m.Contract[:], e.Owner[:], e.Recipient[:], tickNumeric(e.TickLower), tickNumeric(e.TickUpper), numeric(e.Amount0), numeric(e.Amount1)}
	default:
		// Validate rejects unknown variants before we get here.
		panic(fmt.Sprintf("pool/postgres: unknown event type %T", ev))
	}
}

func numeric(v *big.Int) pgtype.Numeric {
	return pgtype.Numeric{Int: new(big.Int).Set(v), Exp: 0, Valid: true}
}

func tickNumeric(v int32) pgtype.Numeric {
	return pgtype.Numeric{Int: big.NewInt(int64(v)), Exp: 0, Valid: true}
}

// checkBigints rejects u64 values that do not fit a BIGINT column.
func checkBigints(data pool.BlockData) error {
	tooLarge := func(what string, v uint64) error {
		if v > math.MaxInt64 {
			return fmt.Errorf("%w: %s %d too large", pool.ErrInvalidBlockData, what, v)
		}
		return nil
	}
	if err := tooLarge("block number", data.Block.Number); err != nil {
		return err
	}
	if err := tooLarge("block timestamp", data.Block.Timestamp); err != nil {
		return err
	}
	for _, t := range data.Transactions {
		if err := tooLarge("transaction index", t.Index); err != nil {
			return err
		}
	}
	for _, ev := range data.Events {
		if err := tooLarge("log index", ev.Meta().LogIndex); err != nil {
			return err
		}
	}
	return nil
}

func writeErr(block uint64, op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w: block %d: %s: %s (sqlstate %s, constraint %q)", pool.ErrWrite, block, op, pgErr.Message, pgErr.Code, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: block %d: %s: %w", pool.ErrWrite, block, op, err)
}
