// Package settlement drives the multi-step resolve → decrypt → submit
// protocol against the market ledger. The orchestrator holds no authority of
// its own beyond the admin key it is configured with, and every step first
// reconciles against current ledger state so that retries and replica races
// never double-apply a transition.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/engine"
	"github.com/alanyoungcy/veilbet/internal/fhe"
	"github.com/alanyoungcy/veilbet/internal/oracle"
)

// lockTTL bounds how long a crashed orchestrator replica can block others.
const lockTTL = 2 * time.Minute

// Config tunes the oracle round-trip.
type Config struct {
	// Admin is the principal used for ResolveMarket.
	Admin common.Address

	// OracleTimeout bounds a single decryption attempt.
	OracleTimeout time.Duration

	// OracleRetries is the number of additional attempts after a failed
	// or timed-out decryption request.
	OracleRetries int

	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
}

// Orchestrator sequences settlement for one market at a time.
type Orchestrator struct {
	cfg     Config
	ledger  *engine.Ledger
	dec     oracle.Decryptor
	locks   domain.LockManager
	relayer common.Address
	logger  *slog.Logger
}

// New creates an Orchestrator. locks may be nil when only a single replica
// runs (tests, demo mode).
func New(cfg Config, ledger *engine.Ledger, dec oracle.Decryptor, locks domain.LockManager, logger *slog.Logger) *Orchestrator {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		ledger:  ledger,
		dec:     dec,
		locks:   locks,
		relayer: cfg.Admin,
		logger:  logger,
	}
}

// Settle applies the outcome decision to a market and, for Yes/No outcomes,
// carries the reveal through the oracle. It is idempotent: a partially
// settled market resumes where the previous attempt stopped, and an already
// settled market is a no-op.
func (o *Orchestrator) Settle(ctx context.Context, marketID uint64, outcome domain.MarketResult) error {
	if o.locks != nil {
		unlock, err := o.locks.Acquire(ctx, fmt.Sprintf("settle:%d", marketID), lockTTL)
		if err != nil {
			return fmt.Errorf("settlement: market %d: %w", marketID, err)
		}
		defer unlock()
	}

	m, err := o.ledger.GetMarket(marketID)
	if err != nil {
		return fmt.Errorf("settlement: market %d: %w", marketID, err)
	}

	// Step 1: record the decision, unless a prior attempt already did.
	if m.Status == domain.MarketStatusActive {
		if err := o.ledger.ResolveMarket(ctx, o.cfg.Admin, marketID, outcome); err != nil {
			return fmt.Errorf("settlement: resolve market %d: %w", marketID, err)
		}
		o.logger.InfoContext(ctx, "settlement: market resolved",
			slog.Uint64("market_id", marketID),
			slog.String("outcome", string(outcome)),
		)
	} else if m.Result != outcome {
		return fmt.Errorf("settlement: market %d already resolved as %s, refusing to settle as %s",
			marketID, m.Result, outcome)
	}

	// Cancelled markets refund without pool math; no reveal needed.
	if outcome == domain.ResultInvalid {
		return nil
	}

	m, err = o.ledger.GetMarket(marketID)
	if err != nil {
		return fmt.Errorf("settlement: market %d: %w", marketID, err)
	}
	if m.TotalsDecrypted {
		return nil
	}

	// Step 2: oracle round-trip over the encrypted totals.
	yes, no, err := o.ledger.GetMarketHandles(marketID)
	if err != nil {
		return fmt.Errorf("settlement: market %d handles: %w", marketID, err)
	}
	res, err := o.requestDecryption(ctx, []fhe.Handle{yes, no})
	if err != nil {
		return fmt.Errorf("settlement: market %d decryption: %w", marketID, err)
	}

	// Step 3: relay the verified totals. A concurrent relay winning the
	// race is fine; the replay failure is the idempotent outcome.
	err = o.ledger.SubmitVerifiedTotals(ctx, o.relayer, marketID, res.ClearValues[0], res.ClearValues[1], res.Proof)
	if err != nil {
		if errors.Is(err, domain.ErrTotalsAlreadyDecrypted) {
			return nil
		}
		return fmt.Errorf("settlement: submit totals for market %d: %w", marketID, err)
	}

	o.logger.InfoContext(ctx, "settlement: totals revealed",
		slog.Uint64("market_id", marketID),
		slog.Uint64("yes_total", res.ClearValues[0]),
		slog.Uint64("no_total", res.ClearValues[1]),
	)
	return nil
}

// requestDecryption performs the oracle round-trip with a per-attempt
// timeout and bounded retries. A timeout leaves no ledger state behind; the
// market simply stays unrevealed until a later attempt lands.
func (o *Orchestrator) requestDecryption(ctx context.Context, handles []fhe.Handle) (*oracle.Result, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.OracleRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.cfg.RetryBackoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.OracleTimeout)
		res, err := o.dec.RequestDecryption(attemptCtx, handles)
		cancel()
		if err == nil {
			if len(res.ClearValues) != len(handles) {
				return nil, fmt.Errorf("settlement: oracle returned %d values for %d handles",
					len(res.ClearValues), len(handles))
			}
			return res, nil
		}
		lastErr = err
		o.logger.WarnContext(ctx, "settlement: decryption attempt failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, lastErr
}

// GetMarket exposes the ledger's market read model to collaborators.
func (o *Orchestrator) GetMarket(marketID uint64) (domain.Market, error) {
	return o.ledger.GetMarket(marketID)
}

// GetUserBet exposes the ledger's bet read model.
func (o *Orchestrator) GetUserBet(marketID uint64, user common.Address) (domain.BetView, error) {
	return o.ledger.GetUserBet(marketID, user)
}

// GetMarketCount exposes the total number of markets created.
func (o *Orchestrator) GetMarketCount() uint64 {
	return o.ledger.MarketCount()
}
