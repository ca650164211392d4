package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/fhe"
)

// BetStore implements domain.BetMirrorStore using PostgreSQL. Only public
// fields are stored: ciphertext handles, never cleartext stakes or votes.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

// Upsert inserts or updates a bet projection.
func (s *BetStore) Upsert(ctx context.Context, b domain.Bet) error {
	const query = `
		INSERT INTO bets (market_id, user_address, vote_handle, amount_handle, claimed, placed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, user_address) DO UPDATE SET
			claimed = EXCLUDED.claimed`
	_, err := s.pool.Exec(ctx, query,
		int64(b.MarketID), b.User.Hex(), b.VoteHandle.Hex(), b.AmountHandle.Hex(),
		b.Claimed, b.PlacedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert bet (%d, %s): %w", b.MarketID, b.User.Hex(), err)
	}
	return nil
}

// Get returns a bet projection, or domain.ErrNotFound.
func (s *BetStore) Get(ctx context.Context, marketID uint64, user common.Address) (domain.Bet, error) {
	const query = `
		SELECT market_id, user_address, vote_handle, amount_handle, claimed, placed_at
		FROM bets WHERE market_id = $1 AND user_address = $2`
	b, err := scanBet(s.pool.QueryRow(ctx, query, int64(marketID), user.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound
		}
		return domain.Bet{}, fmt.Errorf("postgres: get bet (%d, %s): %w", marketID, user.Hex(), err)
	}
	return b, nil
}

// ListByMarket returns a market's bet projections ordered by placement.
func (s *BetStore) ListByMarket(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Bet, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	const query = `
		SELECT market_id, user_address, vote_handle, amount_handle, claimed, placed_at
		FROM bets WHERE market_id = $1
		ORDER BY placed_at LIMIT $2 OFFSET $3`
	rows, err := s.pool.Query(ctx, query, int64(marketID), limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for market %d: %w", marketID, err)
	}
	defer rows.Close()

	var out []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list bets for market %d: %w", marketID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBet(row pgx.Row) (domain.Bet, error) {
	var (
		b                      domain.Bet
		marketID               int64
		user, vote, amount     string
	)
	if err := row.Scan(&marketID, &user, &vote, &amount, &b.Claimed, &b.PlacedAt); err != nil {
		return domain.Bet{}, err
	}
	b.MarketID = uint64(marketID)
	b.User = common.HexToAddress(user)
	if h, err := fhe.HandleFromHex(vote); err == nil {
		b.VoteHandle = h
	}
	if h, err := fhe.HandleFromHex(amount); err == nil {
		b.AmountHandle = h
	}
	return b, nil
}

// Compile-time interface check.
var _ domain.BetMirrorStore = (*BetStore)(nil)
