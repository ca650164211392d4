package engine

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/fhe"
	"github.com/alanyoungcy/veilbet/internal/oracle"
	"github.com/alanyoungcy/veilbet/internal/token"
)

// kmsTestKey is a throwaway secp256k1 key used only in tests.
const kmsTestKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type engineFixture struct {
	be     *fhe.ShadowBackend
	tok    *token.TransparentLedger
	conf   *token.ConfidentialLedger
	ledger *Ledger
	kms    *oracle.KMS
	admin  common.Address
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	be := fhe.NewShadowBackend()
	tok := token.NewTransparentLedger()
	custody := token.PrincipalFromName("test/custody")
	conf, err := token.NewConfidentialLedger(be, tok, custody, 1, nil)
	require.NoError(t, err)

	kms, err := oracle.NewKMS(be, kmsTestKey, nil)
	require.NoError(t, err)

	admin := token.PrincipalFromName("test/admin")
	ledger, err := NewLedger(Config{
		Admin:      admin,
		TrustedKMS: []common.Address{kms.Address()},
	}, be, conf, nil, nil)
	require.NoError(t, err)

	return &engineFixture{be: be, tok: tok, conf: conf, ledger: ledger, kms: kms, admin: admin}
}

// fund wraps units into the user's confidential balance.
func (f *engineFixture) fund(t *testing.T, user common.Address, units uint64) {
	t.Helper()
	f.tok.Mint(user, units)
	f.tok.Approve(user, token.PrincipalFromName("test/custody"), units)
	require.NoError(t, f.conf.Wrap(context.Background(), user, units))
}

// bet encrypts vote and amount as the user, approves the engine pool, and
// places the bet.
func (f *engineFixture) bet(t *testing.T, marketID uint64, user common.Address, vote bool, amount uint64) {
	t.Helper()
	require.NoError(t, f.placeBet(marketID, user, vote, amount))
}

func (f *engineFixture) placeBet(marketID uint64, user common.Address, vote bool, amount uint64) error {
	ctx := context.Background()
	amt := f.be.EncryptUint64(amount, user)
	if err := f.be.Allow(amt, f.conf.Self()); err != nil {
		return err
	}
	if err := f.conf.Approve(ctx, user, f.ledger.Self(), amt); err != nil {
		return err
	}
	v := f.be.EncryptBool(vote, user)
	return f.ledger.PlaceBet(ctx, user, marketID, v, amt)
}

func (f *engineFixture) createMarket(t *testing.T) uint64 {
	t.Helper()
	id, err := f.ledger.CreateMarket(context.Background(), f.admin, CreateMarketParams{
		Title:              "test market",
		VotingEndsAt:       time.Now().Add(time.Hour),
		ResolutionDeadline: time.Now().Add(2 * time.Hour),
	})
	require.NoError(t, err)
	return id
}

// reveal runs the oracle round-trip and submits the verified totals.
func (f *engineFixture) reveal(t *testing.T, marketID uint64) {
	t.Helper()
	ctx := context.Background()
	yes, no, err := f.ledger.GetMarketHandles(marketID)
	require.NoError(t, err)
	res, err := f.kms.RequestDecryption(ctx, []fhe.Handle{yes, no})
	require.NoError(t, err)
	require.NoError(t, f.ledger.SubmitVerifiedTotals(ctx, f.admin, marketID,
		res.ClearValues[0], res.ClearValues[1], res.Proof))
}

func (f *engineFixture) balance(t *testing.T, user common.Address) uint64 {
	t.Helper()
	v, err := f.be.Decrypt(context.Background(), f.conf.BalanceOf(user), user)
	require.NoError(t, err)
	return v
}

func TestProRataSettlement(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	bob := token.PrincipalFromName("test/bob")
	charlie := token.PrincipalFromName("test/charlie")
	for _, u := range []common.Address{alice, bob, charlie} {
		f.fund(t, u, 200)
	}

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 70)
	f.bet(t, id, bob, true, 30)
	f.bet(t, id, charlie, false, 100)

	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))
	f.reveal(t, id)

	m, err := f.ledger.GetMarket(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), m.DecryptedYesTotal)
	assert.Equal(t, uint64(100), m.DecryptedNoTotal)

	for _, u := range []common.Address{alice, bob, charlie} {
		require.NoError(t, f.ledger.ClaimPayout(ctx, u, id))
	}

	// Winners split the whole pool pro rata; the loser gets nothing.
	assert.Equal(t, uint64(270), f.balance(t, alice), "200 - 70 + floor(70*200/100)")
	assert.Equal(t, uint64(230), f.balance(t, bob), "200 - 30 + floor(30*200/100)")
	assert.Equal(t, uint64(100), f.balance(t, charlie), "200 - 100 + 0")
}

func TestInvalidMarketRefundsExactStakes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	bob := token.PrincipalFromName("test/bob")
	f.fund(t, alice, 100)
	f.fund(t, bob, 100)

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 15)
	f.bet(t, id, bob, false, 15)

	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultInvalid))

	m, err := f.ledger.GetMarket(id)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusCancelled, m.Status)

	// Refunds need no reveal step.
	require.NoError(t, f.ledger.ClaimPayout(ctx, alice, id))
	require.NoError(t, f.ledger.ClaimPayout(ctx, bob, id))

	assert.Equal(t, uint64(100), f.balance(t, alice))
	assert.Equal(t, uint64(100), f.balance(t, bob))
}

func TestDoubleClaimRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 50)

	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))
	f.reveal(t, id)

	require.NoError(t, f.ledger.ClaimPayout(ctx, alice, id))
	after := f.balance(t, alice)

	err := f.ledger.ClaimPayout(ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.Equal(t, after, f.balance(t, alice), "second claim moves nothing")
}

func TestClaimBeforeRevealRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 50)

	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))

	err := f.ledger.ClaimPayout(ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrTotalsNotDecrypted)
}

func TestAdminOnlyOperations(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	outsider := token.PrincipalFromName("test/outsider")

	_, err := f.ledger.CreateMarket(ctx, outsider, CreateMarketParams{Title: "x"})
	assert.ErrorIs(t, err, domain.ErrOnlyAdmin)
	assert.Equal(t, uint64(0), f.ledger.MarketCount())

	id := f.createMarket(t)
	err = f.ledger.ResolveMarket(ctx, outsider, id, domain.ResultYes)
	assert.ErrorIs(t, err, domain.ErrOnlyAdmin)

	m, err := f.ledger.GetMarket(id)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusActive, m.Status)
	assert.Equal(t, domain.ResultUnresolved, m.Result)
}

func TestSecondBetRejected(t *testing.T) {
	f := newEngineFixture(t)

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 10)

	err := f.placeBet(id, alice, false, 20)
	assert.ErrorIs(t, err, domain.ErrAlreadyBet)
	assert.Equal(t, uint64(90), f.balance(t, alice), "rejected bet moves no stake")
}

func TestBetOnResolvedMarketRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	id := f.createMarket(t)
	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultNo))

	err := f.placeBet(id, alice, true, 10)
	assert.ErrorIs(t, err, domain.ErrMarketNotActive)
}

func TestBetOnUnknownMarketRejected(t *testing.T) {
	f := newEngineFixture(t)
	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	err := f.placeBet(99, alice, true, 10)
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)
}

func TestVotingWindowEnforcedWhenConfigured(t *testing.T) {
	be := fhe.NewShadowBackend()
	tok := token.NewTransparentLedger()
	custody := token.PrincipalFromName("test/custody")
	conf, err := token.NewConfidentialLedger(be, tok, custody, 1, nil)
	require.NoError(t, err)
	kms, err := oracle.NewKMS(be, kmsTestKey, nil)
	require.NoError(t, err)

	now := time.Now()
	clock := func() time.Time { return now }
	admin := token.PrincipalFromName("test/admin")
	ledger, err := NewLedger(Config{
		Admin:               admin,
		TrustedKMS:          []common.Address{kms.Address()},
		EnforceVotingWindow: true,
		Clock:               clock,
	}, be, conf, nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	id, err := ledger.CreateMarket(ctx, admin, CreateMarketParams{
		Title:        "timed",
		VotingEndsAt: now.Add(time.Minute),
	})
	require.NoError(t, err)

	alice := token.PrincipalFromName("test/alice")
	tok.Mint(alice, 100)
	tok.Approve(alice, custody, 100)
	require.NoError(t, conf.Wrap(ctx, alice, 100))

	now = now.Add(2 * time.Minute)

	amt := be.EncryptUint64(10, alice)
	require.NoError(t, be.Allow(amt, conf.Self()))
	require.NoError(t, conf.Approve(ctx, alice, ledger.Self(), amt))
	vote := be.EncryptBool(true, alice)

	err = ledger.PlaceBet(ctx, alice, id, vote, amt)
	assert.ErrorIs(t, err, domain.ErrVotingClosed)
}

func TestOverdrawnBetBecomesZeroStake(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	bob := token.PrincipalFromName("test/bob")
	f.fund(t, alice, 50)
	f.fund(t, bob, 100)

	id := f.createMarket(t)
	// Alice stakes more than she holds: the bet records a zero-valued
	// ciphertext instead of failing, and the totals are unaffected.
	f.bet(t, id, alice, true, 60)
	f.bet(t, id, bob, false, 40)

	assert.Equal(t, uint64(50), f.balance(t, alice), "no stake pulled")

	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))
	f.reveal(t, id)

	m, err := f.ledger.GetMarket(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), m.DecryptedYesTotal)
	assert.Equal(t, uint64(40), m.DecryptedNoTotal)
}

func TestEmptyWinningSidePaysNothing(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	charlie := token.PrincipalFromName("test/charlie")
	f.fund(t, charlie, 100)

	id := f.createMarket(t)
	f.bet(t, id, charlie, false, 100)

	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))
	f.reveal(t, id)

	require.NoError(t, f.ledger.ClaimPayout(ctx, charlie, id))
	assert.Equal(t, uint64(0), f.balance(t, charlie))
}

func TestFloorDivisionDustStaysInPool(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	bob := token.PrincipalFromName("test/bob")
	charlie := token.PrincipalFromName("test/charlie")
	f.fund(t, alice, 100)
	f.fund(t, bob, 100)
	f.fund(t, charlie, 100)

	id := f.createMarket(t)
	// Winning total 3 does not divide the pool evenly.
	f.bet(t, id, alice, true, 1)
	f.bet(t, id, bob, true, 2)
	f.bet(t, id, charlie, false, 4)

	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))
	f.reveal(t, id)

	require.NoError(t, f.ledger.ClaimPayout(ctx, alice, id))
	require.NoError(t, f.ledger.ClaimPayout(ctx, bob, id))
	require.NoError(t, f.ledger.ClaimPayout(ctx, charlie, id))

	// floor(1*7/3)=2, floor(2*7/3)=4; one unit of dust remains in the pool.
	assert.Equal(t, uint64(101), f.balance(t, alice))
	assert.Equal(t, uint64(102), f.balance(t, bob))
	assert.Equal(t, uint64(96), f.balance(t, charlie))
	pool := f.balance(t, f.ledger.Self())
	assert.Equal(t, uint64(1), pool, "dust bounded by winnerCount-1")
}

func TestTamperedProofRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 40)
	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))

	yes, no, err := f.ledger.GetMarketHandles(id)
	require.NoError(t, err)
	res, err := f.kms.RequestDecryption(ctx, []fhe.Handle{yes, no})
	require.NoError(t, err)

	// Inflated totals do not match the signed digest.
	err = f.ledger.SubmitVerifiedTotals(ctx, alice, id, res.ClearValues[0]+1, res.ClearValues[1], res.Proof)
	assert.ErrorIs(t, err, domain.ErrInvalidDecryptionProof)

	// A corrupted signature fails too.
	bad := make([]byte, len(res.Proof))
	copy(bad, res.Proof)
	bad[0] ^= 0xff
	err = f.ledger.SubmitVerifiedTotals(ctx, alice, id, res.ClearValues[0], res.ClearValues[1], bad)
	assert.ErrorIs(t, err, domain.ErrInvalidDecryptionProof)

	m, err := f.ledger.GetMarket(id)
	require.NoError(t, err)
	assert.False(t, m.TotalsDecrypted)
}

func TestTotalsReplayRejected(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 40)
	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))

	yes, no, err := f.ledger.GetMarketHandles(id)
	require.NoError(t, err)
	res, err := f.kms.RequestDecryption(ctx, []fhe.Handle{yes, no})
	require.NoError(t, err)

	require.NoError(t, f.ledger.SubmitVerifiedTotals(ctx, alice, id, res.ClearValues[0], res.ClearValues[1], res.Proof))

	err = f.ledger.SubmitVerifiedTotals(ctx, alice, id, res.ClearValues[0], res.ClearValues[1], res.Proof)
	assert.ErrorIs(t, err, domain.ErrTotalsAlreadyDecrypted)
}

func TestSubmitTotalsOnActiveMarketRejected(t *testing.T) {
	f := newEngineFixture(t)
	id := f.createMarket(t)

	err := f.ledger.SubmitVerifiedTotals(context.Background(), f.admin, id, 0, 0, make([]byte, 65))
	assert.ErrorIs(t, err, domain.ErrMarketNotActive)
}

func TestVoteStaysEncrypted(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 40)

	view, err := f.ledger.GetUserBet(id, alice)
	require.NoError(t, err)
	require.True(t, view.Exists)

	// The admin never gains decryption rights over a bettor's vote or stake.
	_, err = f.be.Decrypt(ctx, view.VoteHandle, f.admin)
	assert.ErrorIs(t, err, fhe.ErrDecryptionDenied)
	_, err = f.be.Decrypt(ctx, view.AmountHandle, f.admin)
	assert.ErrorIs(t, err, fhe.ErrDecryptionDenied)

	// The bettor keeps them.
	v, err := f.be.Decrypt(ctx, view.VoteHandle, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
	amt, err := f.be.Decrypt(ctx, view.AmountHandle, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), amt)
}

func TestNonBooleanVoteLeavesFundsUntouched(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 200)

	id := f.createMarket(t)

	amt := f.be.EncryptUint64(50, alice)
	require.NoError(t, f.be.Allow(amt, f.conf.Self()))
	require.NoError(t, f.conf.Approve(ctx, alice, f.ledger.Self(), amt))

	// An integer ciphertext is not a valid vote.
	badVote := f.be.EncryptUint64(1, alice)
	err := f.ledger.PlaceBet(ctx, alice, id, badVote, amt)
	assert.ErrorIs(t, err, fhe.ErrTypeMismatch)

	assert.Equal(t, uint64(200), f.balance(t, alice), "stake must not move on a rejected vote")
	view, err := f.ledger.GetUserBet(id, alice)
	require.NoError(t, err)
	assert.False(t, view.Exists)

	m, err := f.ledger.GetMarket(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), m.BetCount)

	// An unknown handle is rejected the same way.
	var bogus fhe.Handle
	err = f.ledger.PlaceBet(ctx, alice, id, bogus, amt)
	assert.ErrorIs(t, err, fhe.ErrUnknownHandle)
	assert.Equal(t, uint64(200), f.balance(t, alice))

	// The approval survives; a well-formed bet goes through afterwards.
	vote := f.be.EncryptBool(true, alice)
	require.NoError(t, f.ledger.PlaceBet(ctx, alice, id, vote, amt))
	assert.Equal(t, uint64(150), f.balance(t, alice))
}

// signTotals produces a valid proof over arbitrary clear values, standing in
// for a key holder that attests to totals of its own choosing.
func signTotals(t *testing.T, handles []fhe.Handle, clears []uint64) []byte {
	t.Helper()
	buf := ethcrypto.Keccak256([]byte("VEILBET_KMS_DECRYPTION_V1"))
	for _, h := range handles {
		buf = append(buf, h[:]...)
	}
	var word [32]byte
	for _, v := range clears {
		binary.BigEndian.PutUint64(word[24:], v)
		buf = append(buf, word[:]...)
	}
	key, err := ethcrypto.HexToECDSA(kmsTestKey)
	require.NoError(t, err)
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(buf), key)
	require.NoError(t, err)
	return sig
}

func TestOversizedPoolRejectedAtClaim(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 40)
	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))

	yes, no, err := f.ledger.GetMarketHandles(id)
	require.NoError(t, err)

	// Validly signed but absurd totals: the pool no longer squares within
	// uint64, so pro-rata scaling would silently wrap.
	clears := []uint64{1 << 40, 1 << 40}
	proof := signTotals(t, []fhe.Handle{yes, no}, clears)
	require.NoError(t, f.ledger.SubmitVerifiedTotals(ctx, f.admin, id, clears[0], clears[1], proof))

	err = f.ledger.ClaimPayout(ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrPayoutOverflow)
	assert.Equal(t, uint64(60), f.balance(t, alice), "no payout credited")

	// The claim stays open rather than being burned by the failure.
	err = f.ledger.ClaimPayout(ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrPayoutOverflow)
}

func TestPoolSumOverflowRejectedAtClaim(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	alice := token.PrincipalFromName("test/alice")
	f.fund(t, alice, 100)

	id := f.createMarket(t)
	f.bet(t, id, alice, true, 40)
	require.NoError(t, f.ledger.ResolveMarket(ctx, f.admin, id, domain.ResultYes))

	yes, no, err := f.ledger.GetMarketHandles(id)
	require.NoError(t, err)

	clears := []uint64{math.MaxUint64, 1}
	proof := signTotals(t, []fhe.Handle{yes, no}, clears)
	require.NoError(t, f.ledger.SubmitVerifiedTotals(ctx, f.admin, id, clears[0], clears[1], proof))

	err = f.ledger.ClaimPayout(ctx, alice, id)
	assert.ErrorIs(t, err, domain.ErrPayoutOverflow)
}
