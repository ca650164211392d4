package token

import (
	"context"
	"math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/fhe"
)

const testScale = 1_000_000

type ledgerFixture struct {
	be      *fhe.ShadowBackend
	tok     *TransparentLedger
	conf    *ConfidentialLedger
	custody common.Address
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	be := fhe.NewShadowBackend()
	tok := NewTransparentLedger()
	custody := PrincipalFromName("test/custody")
	conf, err := NewConfidentialLedger(be, tok, custody, testScale, nil)
	require.NoError(t, err)
	return &ledgerFixture{be: be, tok: tok, conf: conf, custody: custody}
}

// fund mints and pre-approves base units so the account can wrap.
func (f *ledgerFixture) fund(user common.Address, units uint64) {
	f.tok.Mint(user, units*testScale)
	f.tok.Approve(user, f.custody, units*testScale)
}

// balance decrypts the account's confidential balance as the account itself.
func (f *ledgerFixture) balance(t *testing.T, user common.Address) uint64 {
	t.Helper()
	v, err := f.be.Decrypt(context.Background(), f.conf.BalanceOf(user), user)
	require.NoError(t, err)
	return v
}

// encAmount encrypts an amount as user and allows the ledger on the handle.
func (f *ledgerFixture) encAmount(t *testing.T, user common.Address, v uint64) fhe.Handle {
	t.Helper()
	h := f.be.EncryptUint64(v, user)
	require.NoError(t, f.be.Allow(h, f.conf.Self()))
	return h
}

func TestPrincipalFromNameIsStable(t *testing.T) {
	a := PrincipalFromName("test/alice")
	b := PrincipalFromName("test/alice")
	c := PrincipalFromName("test/bob")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, common.Address{}, a)
}

func TestNewLedgerRejectsZeroScale(t *testing.T) {
	be := fhe.NewShadowBackend()
	_, err := NewConfidentialLedger(be, NewTransparentLedger(), PrincipalFromName("c"), 0, nil)
	assert.Error(t, err)
}

func TestWrapLocksAndCredits(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	user := PrincipalFromName("test/alice")
	f.fund(user, 500)

	require.NoError(t, f.conf.Wrap(ctx, user, 500))

	assert.Equal(t, uint64(0), f.tok.BalanceOf(user), "transparent balance fully locked")
	assert.Equal(t, uint64(500*testScale), f.tok.BalanceOf(f.custody), "custody holds the locked base units")
	assert.Equal(t, uint64(500), f.balance(t, user))
}

func TestWrapWithoutApprovalFails(t *testing.T) {
	f := newLedgerFixture(t)
	user := PrincipalFromName("test/alice")
	f.tok.Mint(user, 100*testScale)

	err := f.conf.Wrap(context.Background(), user, 100)
	assert.ErrorIs(t, err, ErrInsufficientTokenAllowance)
	assert.Equal(t, uint64(100*testScale), f.tok.BalanceOf(user), "no base units moved")
}

func TestWrapZeroRejected(t *testing.T) {
	f := newLedgerFixture(t)
	assert.Error(t, f.conf.Wrap(context.Background(), PrincipalFromName("test/alice"), 0))
}

func TestUnwrapReleasesBaseUnits(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	user := PrincipalFromName("test/alice")
	f.fund(user, 500)
	require.NoError(t, f.conf.Wrap(ctx, user, 500))

	require.NoError(t, f.conf.Unwrap(ctx, user, 200))

	assert.Equal(t, uint64(300), f.balance(t, user))
	assert.Equal(t, uint64(200*testScale), f.tok.BalanceOf(user))
	assert.Equal(t, uint64(300*testScale), f.tok.BalanceOf(f.custody))
}

func TestUnwrapBeyondBalanceIsHardError(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	user := PrincipalFromName("test/alice")
	f.fund(user, 100)
	require.NoError(t, f.conf.Wrap(ctx, user, 100))

	err := f.conf.Unwrap(ctx, user, 101)
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, uint64(100), f.balance(t, user), "balance untouched after rejected unwrap")
	assert.Equal(t, uint64(0), f.tok.BalanceOf(user))
}

func TestUnwrapOverflowingUnitsRejected(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	user := PrincipalFromName("test/alice")
	f.fund(user, 100)
	require.NoError(t, f.conf.Wrap(ctx, user, 100))

	// units*unitScale would wrap uint64; must fail before any state moves.
	err := f.conf.Unwrap(ctx, user, math.MaxUint64/testScale+1)
	require.Error(t, err)
	assert.Equal(t, uint64(100), f.balance(t, user), "balance untouched after rejected unwrap")
	assert.Equal(t, uint64(0), f.tok.BalanceOf(user))
	assert.Equal(t, uint64(100*testScale), f.tok.BalanceOf(f.custody))
}

func TestTransferMovesEncryptedValue(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	alice := PrincipalFromName("test/alice")
	bob := PrincipalFromName("test/bob")
	f.fund(alice, 100)
	require.NoError(t, f.conf.Wrap(ctx, alice, 100))

	moved, err := f.conf.Transfer(ctx, alice, bob, f.encAmount(t, alice, 40))
	require.NoError(t, err)

	assert.Equal(t, uint64(60), f.balance(t, alice))
	assert.Equal(t, uint64(40), f.balance(t, bob))

	// The sender learns what actually moved.
	v, err := f.be.Decrypt(ctx, moved, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), v)
}

func TestTransferBeyondBalanceMovesZero(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	alice := PrincipalFromName("test/alice")
	bob := PrincipalFromName("test/bob")
	f.fund(alice, 50)
	require.NoError(t, f.conf.Wrap(ctx, alice, 50))

	// No error and no explicit failure signal: the transferred ciphertext
	// is an encryption of zero.
	moved, err := f.conf.Transfer(ctx, alice, bob, f.encAmount(t, alice, 51))
	require.NoError(t, err)

	v, err := f.be.Decrypt(ctx, moved, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
	assert.Equal(t, uint64(50), f.balance(t, alice))
	assert.Equal(t, uint64(0), f.balance(t, bob))
}

func TestApproveRequiresLedgerOnACL(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	alice := PrincipalFromName("test/alice")
	spender := PrincipalFromName("test/spender")

	// Amount encrypted without allowing the ledger.
	h := f.be.EncryptUint64(10, alice)
	err := f.conf.Approve(ctx, alice, spender, h)
	assert.ErrorIs(t, err, domain.ErrInsufficientAllowance)
}

func TestTransferFromConsumesAllowance(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	alice := PrincipalFromName("test/alice")
	spender := PrincipalFromName("test/spender")
	pool := PrincipalFromName("test/pool")
	f.fund(alice, 100)
	require.NoError(t, f.conf.Wrap(ctx, alice, 100))

	require.NoError(t, f.conf.Approve(ctx, alice, spender, f.encAmount(t, alice, 70)))

	moved, err := f.conf.TransferFrom(ctx, spender, alice, pool, f.encAmount(t, alice, 70))
	require.NoError(t, err)

	v, err := f.be.Decrypt(ctx, moved, spender)
	require.NoError(t, err, "spender can read the moved amount")
	assert.Equal(t, uint64(70), v)
	assert.Equal(t, uint64(30), f.balance(t, alice))
	assert.Equal(t, uint64(70), f.balance(t, pool))

	// The allowance is spent; a second pull moves zero.
	moved, err = f.conf.TransferFrom(ctx, spender, alice, pool, f.encAmount(t, alice, 10))
	require.NoError(t, err)
	v, err = f.be.Decrypt(ctx, moved, spender)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
	assert.Equal(t, uint64(30), f.balance(t, alice))
}

func TestTransferFromWithoutApprovalMovesZero(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	alice := PrincipalFromName("test/alice")
	spender := PrincipalFromName("test/spender")
	pool := PrincipalFromName("test/pool")
	f.fund(alice, 100)
	require.NoError(t, f.conf.Wrap(ctx, alice, 100))

	moved, err := f.conf.TransferFrom(ctx, spender, alice, pool, f.encAmount(t, alice, 10))
	require.NoError(t, err)
	v, err := f.be.Decrypt(ctx, moved, spender)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)
	assert.Equal(t, uint64(100), f.balance(t, alice))
}

func TestConservationAcrossWrapTransferUnwrap(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	alice := PrincipalFromName("test/alice")
	bob := PrincipalFromName("test/bob")
	f.fund(alice, 300)
	f.fund(bob, 200)

	require.NoError(t, f.conf.Wrap(ctx, alice, 300))
	require.NoError(t, f.conf.Wrap(ctx, bob, 200))

	_, err := f.conf.Transfer(ctx, alice, bob, f.encAmount(t, alice, 120))
	require.NoError(t, err)

	require.NoError(t, f.conf.Unwrap(ctx, bob, 320))

	// Confidential units plus unlocked base units always account for every
	// minted base unit.
	assert.Equal(t, uint64(180), f.balance(t, alice))
	assert.Equal(t, uint64(0), f.balance(t, bob))
	assert.Equal(t, uint64(320*testScale), f.tok.BalanceOf(bob))
	assert.Equal(t, uint64(180*testScale), f.tok.BalanceOf(f.custody))
}
