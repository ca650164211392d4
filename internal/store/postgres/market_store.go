package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/fhe"
)

// MarketStore implements domain.MarketMirrorStore using PostgreSQL. It is
// the indexer-facing projection of market state; the in-process ledger
// remains authoritative.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// Upsert inserts or updates a single market projection.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, title, metadata_uri, voting_ends_at, resolution_deadline,
			status, result, bet_count, yes_total_handle, no_total_handle,
			decrypted_yes_total, decrypted_no_total, totals_decrypted,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13,
			$14, $15
		)
		ON CONFLICT (id) DO UPDATE SET
			status              = EXCLUDED.status,
			result              = EXCLUDED.result,
			bet_count           = EXCLUDED.bet_count,
			yes_total_handle    = EXCLUDED.yes_total_handle,
			no_total_handle     = EXCLUDED.no_total_handle,
			decrypted_yes_total = EXCLUDED.decrypted_yes_total,
			decrypted_no_total  = EXCLUDED.decrypted_no_total,
			totals_decrypted    = EXCLUDED.totals_decrypted,
			updated_at          = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query,
		int64(m.ID), m.Title, m.MetadataURI, m.VotingEndsAt, m.ResolutionDeadline,
		string(m.Status), string(m.Result), int64(m.BetCount),
		m.YesTotalHandle.Hex(), m.NoTotalHandle.Hex(),
		int64(m.DecryptedYesTotal), int64(m.DecryptedNoTotal), m.TotalsDecrypted,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %d: %w", m.ID, err)
	}
	return nil
}

// GetByID returns a market projection, or domain.ErrNotFound.
func (s *MarketStore) GetByID(ctx context.Context, id uint64) (domain.Market, error) {
	const query = `
		SELECT id, title, metadata_uri, voting_ends_at, resolution_deadline,
			status, result, bet_count, yes_total_handle, no_total_handle,
			decrypted_yes_total, decrypted_no_total, totals_decrypted,
			created_at, updated_at
		FROM markets WHERE id = $1`
	m, err := scanMarket(s.pool.QueryRow(ctx, query, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}
	return m, nil
}

// List returns market projections ordered by id.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, title, metadata_uri, voting_ends_at, resolution_deadline,
			status, result, bet_count, yes_total_handle, no_total_handle,
			decrypted_yes_total, decrypted_no_total, totals_decrypted,
			created_at, updated_at
		FROM markets ORDER BY id LIMIT $1 OFFSET $2`
	rows, err := s.pool.Query(ctx, query, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list markets: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Count returns the number of market projections.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m                  domain.Market
		id, betCount       int64
		yesTotal, noTotal  int64
		status, result     string
		yesHandle, noHandle string
	)
	err := row.Scan(&id, &m.Title, &m.MetadataURI, &m.VotingEndsAt, &m.ResolutionDeadline,
		&status, &result, &betCount, &yesHandle, &noHandle,
		&yesTotal, &noTotal, &m.TotalsDecrypted,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.ID = uint64(id)
	m.Status = domain.MarketStatus(status)
	m.Result = domain.MarketResult(result)
	m.BetCount = uint64(betCount)
	m.DecryptedYesTotal = uint64(yesTotal)
	m.DecryptedNoTotal = uint64(noTotal)
	if h, err := fhe.HandleFromHex(yesHandle); err == nil {
		m.YesTotalHandle = h
	}
	if h, err := fhe.HandleFromHex(noHandle); err == nil {
		m.NoTotalHandle = h
	}
	return m, nil
}

// Compile-time interface check.
var _ domain.MarketMirrorStore = (*MarketStore)(nil)
