// Package service exposes the read-model surface of the engine: market
// projections, public bet views, encrypted totals, and the event journal.
// Writes never flow through here; betting and settlement are in-process
// calls on the ledgers.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/fhe"
)

// LedgerReader is the slice of the market ledger's read API the query
// service consumes when running in the same process as the engine.
type LedgerReader interface {
	GetMarket(marketID uint64) (domain.Market, error)
	GetUserBet(marketID uint64, user common.Address) (domain.BetView, error)
	GetMarketHandles(marketID uint64) (yes, no fhe.Handle, err error)
	MarketCount() uint64
}

// MarketQuery answers read requests, preferring the in-process ledger when
// one is attached and falling back to the Postgres mirror otherwise (the
// standalone API server runs mirror-only). The cache tier fronts single
// market lookups.
type MarketQuery struct {
	ledger  LedgerReader             // optional
	markets domain.MarketMirrorStore // optional
	bets    domain.BetMirrorStore    // optional
	journal domain.EventJournal      // optional
	cache   domain.MarketCache       // optional
	logger  *slog.Logger
}

// NewMarketQuery creates a MarketQuery. Every dependency except the logger
// may be nil; at least one of ledger or markets must be set for market
// lookups to succeed.
func NewMarketQuery(
	ledger LedgerReader,
	markets domain.MarketMirrorStore,
	bets domain.BetMirrorStore,
	journal domain.EventJournal,
	cache domain.MarketCache,
	logger *slog.Logger,
) *MarketQuery {
	return &MarketQuery{
		ledger:  ledger,
		markets: markets,
		bets:    bets,
		journal: journal,
		cache:   cache,
		logger:  logger,
	}
}

// GetMarket returns a market's public projection.
func (s *MarketQuery) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	if s.cache != nil {
		m, err := s.cache.Get(ctx, id)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn("market cache read failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	m, err := s.lookupMarket(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.Warn("market cache write failed",
				slog.Uint64("market_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return m, nil
}

func (s *MarketQuery) lookupMarket(ctx context.Context, id uint64) (domain.Market, error) {
	if s.ledger != nil {
		return s.ledger.GetMarket(id)
	}
	if s.markets != nil {
		return s.markets.GetByID(ctx, id)
	}
	return domain.Market{}, domain.ErrMarketNotFound
}

// List returns markets with pagination, newest last.
func (s *MarketQuery) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	if s.markets != nil {
		return s.markets.List(ctx, opts)
	}
	if s.ledger == nil {
		return nil, nil
	}

	// Mirror-less deployments page straight off the ledger. Market ids are
	// dense and 1-based.
	total := s.ledger.MarketCount()
	var out []domain.Market
	for i := uint64(opts.Offset) + 1; i <= total && len(out) < opts.Limit; i++ {
		m, err := s.ledger.GetMarket(i)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Count returns the number of markets created.
func (s *MarketQuery) Count(ctx context.Context) (int64, error) {
	if s.ledger != nil {
		return int64(s.ledger.MarketCount()), nil
	}
	if s.markets != nil {
		return s.markets.Count(ctx)
	}
	return 0, nil
}

// UserBet returns the public view of a user's bet. A missing bet reports
// Exists=false rather than an error.
func (s *MarketQuery) UserBet(ctx context.Context, marketID uint64, user common.Address) (domain.BetView, error) {
	if s.ledger != nil {
		return s.ledger.GetUserBet(marketID, user)
	}
	if s.bets == nil {
		return domain.BetView{}, nil
	}

	b, err := s.bets.Get(ctx, marketID, user)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.BetView{}, nil
		}
		return domain.BetView{}, err
	}
	return domain.BetView{
		Exists:       true,
		Claimed:      b.Claimed,
		VoteHandle:   b.VoteHandle,
		AmountHandle: b.AmountHandle,
	}, nil
}

// Handles returns the encrypted running totals of a market.
func (s *MarketQuery) Handles(ctx context.Context, marketID uint64) (yes, no fhe.Handle, err error) {
	if s.ledger != nil {
		return s.ledger.GetMarketHandles(marketID)
	}
	m, err := s.lookupMarket(ctx, marketID)
	if err != nil {
		return fhe.Handle{}, fhe.Handle{}, err
	}
	return m.YesTotalHandle, m.NoTotalHandle, nil
}

// Events returns a market's event log from the journal, ordered by sequence.
func (s *MarketQuery) Events(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Event, error) {
	if s.journal == nil {
		return nil, nil
	}
	return s.journal.ListByMarket(ctx, marketID, opts)
}
