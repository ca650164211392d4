package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/engine"
	"github.com/alanyoungcy/veilbet/internal/fhe"
	"github.com/alanyoungcy/veilbet/internal/oracle"
	"github.com/alanyoungcy/veilbet/internal/token"
)

const kmsTestKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type settleFixture struct {
	be     *fhe.ShadowBackend
	ledger *engine.Ledger
	kms    *oracle.KMS
	admin  common.Address
}

func newSettleFixture(t *testing.T) *settleFixture {
	t.Helper()

	be := fhe.NewShadowBackend()
	tok := token.NewTransparentLedger()
	custody := token.PrincipalFromName("test/custody")
	conf, err := token.NewConfidentialLedger(be, tok, custody, 1, nil)
	require.NoError(t, err)

	kms, err := oracle.NewKMS(be, kmsTestKey, nil)
	require.NoError(t, err)

	admin := token.PrincipalFromName("test/admin")
	ledger, err := engine.NewLedger(engine.Config{
		Admin:      admin,
		TrustedKMS: []common.Address{kms.Address()},
	}, be, conf, nil, nil)
	require.NoError(t, err)

	f := &settleFixture{be: be, ledger: ledger, kms: kms, admin: admin}

	ctx := context.Background()
	id, err := ledger.CreateMarket(ctx, admin, engine.CreateMarketParams{Title: "m"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	// One bet so the totals are non-trivial.
	alice := token.PrincipalFromName("test/alice")
	tok.Mint(alice, 100)
	tok.Approve(alice, custody, 100)
	require.NoError(t, conf.Wrap(ctx, alice, 100))
	amt := be.EncryptUint64(40, alice)
	require.NoError(t, be.Allow(amt, conf.Self()))
	require.NoError(t, conf.Approve(ctx, alice, ledger.Self(), amt))
	require.NoError(t, ledger.PlaceBet(ctx, alice, id, be.EncryptBool(true, alice), amt))

	return f
}

func (f *settleFixture) orchestrator(dec oracle.Decryptor, locks domain.LockManager) *Orchestrator {
	return New(Config{
		Admin:         f.admin,
		OracleTimeout: time.Second,
		RetryBackoff:  time.Millisecond,
	}, f.ledger, dec, locks, nil)
}

func TestSettleResolvesAndReveals(t *testing.T) {
	f := newSettleFixture(t)
	o := f.orchestrator(f.kms, nil)

	require.NoError(t, o.Settle(context.Background(), 1, domain.ResultYes))

	m, err := f.ledger.GetMarket(1)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Equal(t, domain.ResultYes, m.Result)
	assert.True(t, m.TotalsDecrypted)
	assert.Equal(t, uint64(40), m.DecryptedYesTotal)
	assert.Equal(t, uint64(0), m.DecryptedNoTotal)
}

func TestSettleIsIdempotent(t *testing.T) {
	f := newSettleFixture(t)
	o := f.orchestrator(f.kms, nil)
	ctx := context.Background()

	require.NoError(t, o.Settle(ctx, 1, domain.ResultYes))
	require.NoError(t, o.Settle(ctx, 1, domain.ResultYes), "repeat settle is a no-op")

	m, err := f.ledger.GetMarket(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), m.DecryptedYesTotal)
}

func TestSettleRefusesConflictingOutcome(t *testing.T) {
	f := newSettleFixture(t)
	o := f.orchestrator(f.kms, nil)
	ctx := context.Background()

	require.NoError(t, o.Settle(ctx, 1, domain.ResultYes))
	err := o.Settle(ctx, 1, domain.ResultNo)
	assert.Error(t, err)
}

func TestSettleInvalidSkipsReveal(t *testing.T) {
	f := newSettleFixture(t)
	o := f.orchestrator(f.kms, nil)

	require.NoError(t, o.Settle(context.Background(), 1, domain.ResultInvalid))

	m, err := f.ledger.GetMarket(1)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusCancelled, m.Status)
	assert.False(t, m.TotalsDecrypted, "cancelled markets never reveal totals")
}

func TestSettleUnknownMarket(t *testing.T) {
	f := newSettleFixture(t)
	o := f.orchestrator(f.kms, nil)

	err := o.Settle(context.Background(), 99, domain.ResultYes)
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)
}

// flakyDecryptor fails a fixed number of times before delegating.
type flakyDecryptor struct {
	failures int
	calls    int
	inner    oracle.Decryptor
}

func (d *flakyDecryptor) RequestDecryption(ctx context.Context, handles []fhe.Handle) (*oracle.Result, error) {
	d.calls++
	if d.calls <= d.failures {
		return nil, errors.New("oracle unavailable")
	}
	return d.inner.RequestDecryption(ctx, handles)
}

func TestSettleRetriesOracleFailures(t *testing.T) {
	f := newSettleFixture(t)
	flaky := &flakyDecryptor{failures: 2, inner: f.kms}
	o := New(Config{
		Admin:         f.admin,
		OracleTimeout: time.Second,
		OracleRetries: 3,
		RetryBackoff:  time.Millisecond,
	}, f.ledger, flaky, nil, nil)

	require.NoError(t, o.Settle(context.Background(), 1, domain.ResultYes))
	assert.Equal(t, 3, flaky.calls)

	m, err := f.ledger.GetMarket(1)
	require.NoError(t, err)
	assert.True(t, m.TotalsDecrypted)
}

func TestSettleGivesUpAfterRetries(t *testing.T) {
	f := newSettleFixture(t)
	flaky := &flakyDecryptor{failures: 10, inner: f.kms}
	o := New(Config{
		Admin:         f.admin,
		OracleTimeout: time.Second,
		OracleRetries: 2,
		RetryBackoff:  time.Millisecond,
	}, f.ledger, flaky, nil, nil)
	ctx := context.Background()

	err := o.Settle(ctx, 1, domain.ResultYes)
	require.Error(t, err)
	assert.Equal(t, 3, flaky.calls, "initial attempt plus two retries")

	// The market stays resolved but unrevealed; a later settle resumes
	// from the reveal step.
	m, err := f.ledger.GetMarket(1)
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.False(t, m.TotalsDecrypted)

	flaky.failures = 0
	flaky.calls = 0
	require.NoError(t, o.Settle(ctx, 1, domain.ResultYes))
	m, err = f.ledger.GetMarket(1)
	require.NoError(t, err)
	assert.True(t, m.TotalsDecrypted)
}

type slowDecryptor struct {
	inner oracle.Decryptor
}

func (d *slowDecryptor) RequestDecryption(ctx context.Context, handles []fhe.Handle) (*oracle.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Minute):
		return d.inner.RequestDecryption(ctx, handles)
	}
}

func TestSettleTimesOutSlowOracle(t *testing.T) {
	f := newSettleFixture(t)
	o := New(Config{
		Admin:         f.admin,
		OracleTimeout: 10 * time.Millisecond,
		OracleRetries: 1,
		RetryBackoff:  time.Millisecond,
	}, f.ledger, &slowDecryptor{inner: f.kms}, nil, nil)

	err := o.Settle(context.Background(), 1, domain.ResultYes)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSettleRespectsLock(t *testing.T) {
	f := newSettleFixture(t)
	locks := NewMemoryLockManager()
	o := f.orchestrator(f.kms, locks)
	ctx := context.Background()

	// Another replica holds the market's settle lock.
	unlock, err := locks.Acquire(ctx, "settle:1", time.Minute)
	require.NoError(t, err)

	err = o.Settle(ctx, 1, domain.ResultYes)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	require.NoError(t, o.Settle(ctx, 1, domain.ResultYes))
}

func TestMemoryLockExpiry(t *testing.T) {
	locks := NewMemoryLockManager()
	ctx := context.Background()

	_, err := locks.Acquire(ctx, "k", 5*time.Millisecond)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	time.Sleep(10 * time.Millisecond)
	unlock, err := locks.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err, "expired lock is reacquirable")
	unlock()
	unlock() // safe to call twice
}
