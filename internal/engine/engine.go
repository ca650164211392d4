// Package engine implements the market ledger: the Active → Resolved /
// Cancelled state machine, the encrypted running totals, the verified
// reveal step, and the claim/payout math. Every state-changing operation is
// applied atomically under a single mutex, the in-process equivalent of a
// single-writer transaction log: a failed precondition leaves no partial
// state and moves no funds.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/events"
	"github.com/alanyoungcy/veilbet/internal/fhe"
	"github.com/alanyoungcy/veilbet/internal/oracle"
	"github.com/alanyoungcy/veilbet/internal/token"
)

// Config carries the ledger's construction-time parameters. The admin
// principal is explicit; there is no ambient owner.
type Config struct {
	// Admin is the only principal allowed to create and resolve markets.
	Admin common.Address

	// TrustedKMS are the addresses whose decryption proofs
	// SubmitVerifiedTotals accepts.
	TrustedKMS []common.Address

	// EnforceVotingWindow rejects bets after a market's VotingEndsAt when
	// set. The reference behavior leaves gating to off-chain schedulers.
	EnforceVotingWindow bool

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Ledger owns all market and bet state. Stakes live in the ledger's own
// confidential pool account between placement and claim; floor-division
// dust from pro-rata payouts stays there, which is expected and bounded by
// winnerCount-1 units per market.
type Ledger struct {
	mu      sync.Mutex
	cfg     Config
	be      fhe.Backend
	conf    *token.ConfidentialLedger
	emitter *events.Emitter
	logger  *slog.Logger
	self    common.Address
	markets []*domain.Market
	bets    map[betKey]*domain.Bet
}

type betKey struct {
	marketID uint64
	user     common.Address
}

// CreateMarketParams are the immutable fields of a new market.
type CreateMarketParams struct {
	Title              string
	MetadataURI        string
	VotingEndsAt       time.Time
	ResolutionDeadline time.Time
}

// NewLedger creates an empty market ledger.
func NewLedger(cfg Config, be fhe.Backend, conf *token.ConfidentialLedger, emitter *events.Emitter, logger *slog.Logger) (*Ledger, error) {
	if cfg.Admin == (common.Address{}) {
		return nil, fmt.Errorf("engine: admin principal must be set")
	}
	if len(cfg.TrustedKMS) == 0 {
		return nil, fmt.Errorf("engine: at least one trusted KMS address is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		cfg:     cfg,
		be:      be,
		conf:    conf,
		emitter: emitter,
		logger:  logger,
		self:    token.PrincipalFromName("veilbet/market-ledger"),
		bets:    make(map[betKey]*domain.Bet),
	}, nil
}

// Self returns the ledger's pool-account principal. Bettors approve this
// principal as the spender of their encrypted stake before PlaceBet.
func (l *Ledger) Self() common.Address {
	return l.self
}

// CreateMarket allocates a new Active market with zeroed encrypted totals
// and returns its id. Admin only.
func (l *Ledger) CreateMarket(ctx context.Context, caller common.Address, p CreateMarketParams) (uint64, error) {
	if caller != l.cfg.Admin {
		return 0, domain.ErrOnlyAdmin
	}
	if p.Title == "" {
		return 0, fmt.Errorf("engine: market title must not be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Clock().UTC()
	m := &domain.Market{
		ID:                 uint64(len(l.markets)) + 1,
		Title:              p.Title,
		MetadataURI:        p.MetadataURI,
		VotingEndsAt:       p.VotingEndsAt,
		ResolutionDeadline: p.ResolutionDeadline,
		Status:             domain.MarketStatusActive,
		Result:             domain.ResultUnresolved,
		YesTotalHandle:     l.newTotalHandle(),
		NoTotalHandle:      l.newTotalHandle(),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	l.markets = append(l.markets, m)

	l.emit(ctx, domain.Event{
		Type:     domain.EventMarketCreated,
		MarketID: m.ID,
		Actor:    caller,
		Data: map[string]any{
			"title":               m.Title,
			"metadata_uri":        m.MetadataURI,
			"voting_ends_at":      m.VotingEndsAt.Format(time.RFC3339),
			"resolution_deadline": m.ResolutionDeadline.Format(time.RFC3339),
			"yes_total_handle":    m.YesTotalHandle.Hex(),
			"no_total_handle":     m.NoTotalHandle.Hex(),
		},
	})
	return m.ID, nil
}

// newTotalHandle encrypts a zero total whose ACL already includes every
// trusted KMS. Handle ACLs are unioned through homomorphic addition, so the
// reveal permission survives every subsequent bet.
func (l *Ledger) newTotalHandle() fhe.Handle {
	h := l.be.EncryptUint64(0, l.self)
	for _, kms := range l.cfg.TrustedKMS {
		_ = l.be.Allow(h, kms)
	}
	return h
}

// PlaceBet accepts the caller's encrypted stake on a market. The stake is
// pulled through the approved-spender path of the confidential ledger; the
// amount recorded and added to the totals is the ciphertext of what was
// actually transferred (the requested amount, or zero under the ledger's
// select-to-zero semantics). The vote routes the stake into the YES or NO
// total through a single conditional select-and-add, so the vote itself is
// never revealed, the ledger included.
func (l *Ledger) PlaceBet(ctx context.Context, caller common.Address, marketID uint64, vote, amount fhe.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.marketLocked(marketID)
	if err != nil {
		return err
	}
	if m.Status != domain.MarketStatusActive {
		return domain.ErrMarketNotActive
	}
	if l.cfg.EnforceVotingWindow && !m.VotingEndsAt.IsZero() && l.cfg.Clock().After(m.VotingEndsAt) {
		return domain.ErrVotingClosed
	}
	key := betKey{marketID: marketID, user: caller}
	if _, exists := l.bets[key]; exists {
		return domain.ErrAlreadyBet
	}

	// Reject a malformed vote ciphertext before any funds move; the selects
	// below must not be allowed to fail once the stake has been debited.
	zero := l.be.EncryptUint64(0, l.self)
	if _, err := l.be.Select(vote, zero, zero); err != nil {
		return fmt.Errorf("engine: vote select: %w", err)
	}

	transferred, err := l.conf.TransferFrom(ctx, l.self, caller, l.self, amount)
	if err != nil {
		return fmt.Errorf("engine: stake debit: %w", err)
	}
	_ = l.be.Allow(transferred, caller)

	yesAdd, err := l.be.Select(vote, transferred, zero)
	if err != nil {
		return fmt.Errorf("engine: vote select: %w", err)
	}
	noAdd, err := l.be.Select(vote, zero, transferred)
	if err != nil {
		return fmt.Errorf("engine: vote select: %w", err)
	}
	newYes, err := l.be.Add(m.YesTotalHandle, yesAdd)
	if err != nil {
		return fmt.Errorf("engine: yes total update: %w", err)
	}
	newNo, err := l.be.Add(m.NoTotalHandle, noAdd)
	if err != nil {
		return fmt.Errorf("engine: no total update: %w", err)
	}

	m.YesTotalHandle = newYes
	m.NoTotalHandle = newNo
	m.BetCount++
	m.UpdatedAt = l.cfg.Clock().UTC()
	l.bets[key] = &domain.Bet{
		MarketID:     marketID,
		User:         caller,
		VoteHandle:   vote,
		AmountHandle: transferred,
		PlacedAt:     m.UpdatedAt,
	}

	l.emit(ctx, domain.Event{
		Type:     domain.EventBetPlaced,
		MarketID: marketID,
		Actor:    caller,
		Data: map[string]any{
			"vote_handle":      vote.Hex(),
			"amount_handle":    transferred.Hex(),
			"yes_total_handle": newYes.Hex(),
			"no_total_handle":  newNo.Hex(),
			"bet_count":        m.BetCount,
		},
	})
	return nil
}

// ResolveMarket records the outcome decision. It neither reveals totals nor
// moves funds. Admin only; the market must still be Active.
func (l *Ledger) ResolveMarket(ctx context.Context, caller common.Address, marketID uint64, result domain.MarketResult) error {
	if caller != l.cfg.Admin {
		return domain.ErrOnlyAdmin
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.marketLocked(marketID)
	if err != nil {
		return err
	}
	if m.Status != domain.MarketStatusActive {
		return domain.ErrMarketNotActive
	}

	switch result {
	case domain.ResultYes, domain.ResultNo:
		m.Status = domain.MarketStatusResolved
	case domain.ResultInvalid:
		m.Status = domain.MarketStatusCancelled
	default:
		return fmt.Errorf("engine: invalid resolution result %q", result)
	}
	m.Result = result
	m.UpdatedAt = l.cfg.Clock().UTC()

	l.emit(ctx, domain.Event{
		Type:     domain.EventMarketResolved,
		MarketID: marketID,
		Actor:    caller,
		Data: map[string]any{
			"result": string(result),
			"status": string(m.Status),
		},
	})
	return nil
}

// SubmitVerifiedTotals publishes the market's decrypted totals. It is
// permissionless: anyone may relay the oracle's response, because the proof
// is checked cryptographically against the trusted KMS set. A proof that
// fails verification, a still-active market, or an already-revealed market
// all abort with no state change.
func (l *Ledger) SubmitVerifiedTotals(ctx context.Context, caller common.Address, marketID uint64, yesTotal, noTotal uint64, proof []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.marketLocked(marketID)
	if err != nil {
		return err
	}
	if m.Status == domain.MarketStatusActive {
		return domain.ErrMarketNotActive
	}
	if m.TotalsDecrypted {
		return domain.ErrTotalsAlreadyDecrypted
	}

	handles := []fhe.Handle{m.YesTotalHandle, m.NoTotalHandle}
	clear := []uint64{yesTotal, noTotal}
	verified := false
	for _, kms := range l.cfg.TrustedKMS {
		if oracle.VerifyDecryptionProof(kms, handles, clear, proof) == nil {
			verified = true
			break
		}
	}
	if !verified {
		return domain.ErrInvalidDecryptionProof
	}

	m.DecryptedYesTotal = yesTotal
	m.DecryptedNoTotal = noTotal
	m.TotalsDecrypted = true
	m.UpdatedAt = l.cfg.Clock().UTC()

	l.emit(ctx, domain.Event{
		Type:     domain.EventTotalsRevealed,
		MarketID: marketID,
		Actor:    caller,
		Data: map[string]any{
			"yes_total": yesTotal,
			"no_total":  noTotal,
		},
	})
	return nil
}

// ClaimPayout settles the caller's bet exactly once. Cancelled markets
// refund the original encrypted stake. Resolved markets pay
// floor(stake * totalPool / winningTotal) to winners and zero to losers,
// decided by an encrypted vote-equality check that reveals nothing to the
// ledger; both branches flow through the same homomorphic computation.
func (l *Ledger) ClaimPayout(ctx context.Context, caller common.Address, marketID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.marketLocked(marketID)
	if err != nil {
		return err
	}
	bet, ok := l.bets[betKey{marketID: marketID, user: caller}]
	if !ok {
		return domain.ErrBetNotFound
	}
	if bet.Claimed {
		return domain.ErrAlreadyClaimed
	}
	if m.Status == domain.MarketStatusActive {
		return domain.ErrMarketNotActive
	}

	var payout fhe.Handle
	switch m.Result {
	case domain.ResultInvalid:
		// Full refund; no pool math involved.
		payout = bet.AmountHandle

	case domain.ResultYes, domain.ResultNo:
		if !m.TotalsDecrypted {
			return domain.ErrTotalsNotDecrypted
		}
		winningTotal := m.DecryptedYesTotal
		if m.Result == domain.ResultNo {
			winningTotal = m.DecryptedNoTotal
		}
		if m.DecryptedYesTotal > math.MaxUint64-m.DecryptedNoTotal {
			return domain.ErrPayoutOverflow
		}
		totalPool := m.DecryptedYesTotal + m.DecryptedNoTotal
		// Any single stake is bounded by the pool, so a pool that squares
		// within uint64 keeps the scale step below from wrapping.
		if totalPool > 0 && totalPool > math.MaxUint64/totalPool {
			return domain.ErrPayoutOverflow
		}

		zero := l.be.EncryptUint64(0, l.self)
		if winningTotal == 0 {
			// Nobody staked on the winning side; nothing to pay.
			payout = zero
		} else {
			scaled, err := l.be.MulPublic(bet.AmountHandle, totalPool)
			if err != nil {
				return fmt.Errorf("engine: payout scale: %w", err)
			}
			gross, err := l.be.DivPublic(scaled, winningTotal)
			if err != nil {
				return fmt.Errorf("engine: payout division: %w", err)
			}
			want := l.be.EncryptBool(m.Result == domain.ResultYes, l.self)
			isWinner, err := l.be.Eq(bet.VoteHandle, want)
			if err != nil {
				return fmt.Errorf("engine: winner check: %w", err)
			}
			payout, err = l.be.Select(isWinner, gross, zero)
			if err != nil {
				return fmt.Errorf("engine: payout select: %w", err)
			}
		}

	default:
		return domain.ErrMarketNotActive
	}

	credited, err := l.conf.Transfer(ctx, l.self, caller, payout)
	if err != nil {
		return fmt.Errorf("engine: payout credit: %w", err)
	}
	_ = l.be.Allow(credited, caller)
	bet.Claimed = true

	l.emit(ctx, domain.Event{
		Type:     domain.EventPayoutClaimed,
		MarketID: marketID,
		Actor:    caller,
		Data: map[string]any{
			"payout_handle": credited.Hex(),
			"result":        string(m.Result),
		},
	})
	return nil
}

// GetMarket returns a copy of the market read model.
func (l *Ledger) GetMarket(marketID uint64) (domain.Market, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.marketLocked(marketID)
	if err != nil {
		return domain.Market{}, err
	}
	return *m, nil
}

// GetUserBet returns the read model of a user's bet. A missing bet is not
// an error here; Exists is false.
func (l *Ledger) GetUserBet(marketID uint64, user common.Address) (domain.BetView, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.marketLocked(marketID); err != nil {
		return domain.BetView{}, err
	}
	bet, ok := l.bets[betKey{marketID: marketID, user: user}]
	if !ok {
		return domain.BetView{}, nil
	}
	return domain.BetView{
		Exists:       true,
		Claimed:      bet.Claimed,
		VoteHandle:   bet.VoteHandle,
		AmountHandle: bet.AmountHandle,
	}, nil
}

// GetMarketHandles returns the encrypted running totals, the input to the
// orchestrator's decryption request.
func (l *Ledger) GetMarketHandles(marketID uint64) (yes, no fhe.Handle, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, err := l.marketLocked(marketID)
	if err != nil {
		return fhe.Handle{}, fhe.Handle{}, err
	}
	return m.YesTotalHandle, m.NoTotalHandle, nil
}

// MarketCount returns the number of markets created.
func (l *Ledger) MarketCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.markets))
}

func (l *Ledger) marketLocked(id uint64) (*domain.Market, error) {
	if id == 0 || id > uint64(len(l.markets)) {
		return nil, domain.ErrMarketNotFound
	}
	return l.markets[id-1], nil
}

func (l *Ledger) emit(ctx context.Context, ev domain.Event) {
	if l.emitter != nil {
		l.emitter.Emit(ctx, ev)
	}
}
