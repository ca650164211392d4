package token

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/events"
	"github.com/alanyoungcy/veilbet/internal/fhe"
)

// PrincipalFromName derives a stable ledger principal address from a name,
// for in-process components that are not backed by a real key.
func PrincipalFromName(name string) common.Address {
	return common.BytesToAddress(ethcrypto.Keccak256([]byte(name))[12:])
}

// ConfidentialLedger tracks encrypted balances in whole units, backed 1:1 by
// transparent base units locked in a custody account. unitScale is the
// number of base units behind one confidential unit and must be applied
// symmetrically on wrap and unwrap.
//
// Transfer amounts follow select-to-zero semantics: when a transfer cannot
// be satisfied (balance or allowance too small) the transferred ciphertext
// is an encryption of zero rather than an explicit failure, so the ledger
// never learns the requested amount. Unwrap is the exception: its
// encrypted-comparison guard is decrypted (one bit only) and an
// insufficient balance is a hard error, because the transparent release has
// to be an exact public amount.
type ConfidentialLedger struct {
	mu         sync.Mutex
	be         fhe.Backend
	token      *TransparentLedger
	custody    common.Address
	self       common.Address
	unitScale  uint64
	balances   map[common.Address]fhe.Handle
	allowances map[common.Address]map[common.Address]fhe.Handle
	emitter    *events.Emitter
}

// NewConfidentialLedger creates a ledger over the given backend and
// transparent token. custody is the transparent-ledger account that holds
// locked value; self is the ledger's own principal on handle ACLs.
func NewConfidentialLedger(be fhe.Backend, tok *TransparentLedger, custody common.Address, unitScale uint64, emitter *events.Emitter) (*ConfidentialLedger, error) {
	if unitScale == 0 {
		return nil, fmt.Errorf("token: unit scale must be positive")
	}
	return &ConfidentialLedger{
		be:         be,
		token:      tok,
		custody:    custody,
		self:       PrincipalFromName("veilbet/confidential-ledger"),
		unitScale:  unitScale,
		balances:   make(map[common.Address]fhe.Handle),
		allowances: make(map[common.Address]map[common.Address]fhe.Handle),
		emitter:    emitter,
	}, nil
}

// Self returns the ledger's ACL principal. Callers encrypting amounts for
// the ledger must Allow this principal on the handle.
func (l *ConfidentialLedger) Self() common.Address {
	return l.self
}

// UnitScale returns the number of transparent base units per confidential
// unit.
func (l *ConfidentialLedger) UnitScale() uint64 {
	return l.unitScale
}

// balanceLocked returns the account's balance handle, lazily initialising a
// zero ciphertext on first touch. The account itself is always on the ACL.
func (l *ConfidentialLedger) balanceLocked(addr common.Address) fhe.Handle {
	if h, ok := l.balances[addr]; ok {
		return h
	}
	h := l.be.EncryptUint64(0, l.self)
	_ = l.be.Allow(h, addr)
	l.balances[addr] = h
	return h
}

// Wrap locks units*unitScale base units from the caller's transparent
// balance (via the caller's pre-approval to the custody account) and mints
// units to the caller's encrypted balance.
func (l *ConfidentialLedger) Wrap(ctx context.Context, caller common.Address, units uint64) error {
	if units == 0 {
		return fmt.Errorf("token: wrap amount must be positive")
	}
	if units > math.MaxUint64/l.unitScale {
		return fmt.Errorf("token: wrap amount overflows base units")
	}
	base := units * l.unitScale

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.token.TransferFrom(l.custody, caller, l.custody, base); err != nil {
		return fmt.Errorf("token: wrap pull: %w", err)
	}

	enc := l.be.EncryptUint64(units, l.self)
	_ = l.be.Allow(enc, caller)

	bal, err := l.be.Add(l.balanceLocked(caller), enc)
	if err != nil {
		return fmt.Errorf("token: wrap credit: %w", err)
	}
	l.balances[caller] = bal

	l.emit(ctx, domain.Event{
		Type:  domain.EventWrapped,
		Actor: caller,
		Data: map[string]any{
			"base_units":     base,
			"balance_handle": bal.Hex(),
		},
	})
	return nil
}

// Unwrap burns units from the caller's encrypted balance and releases
// units*unitScale base units back to the caller's transparent balance. The
// balance check is an encrypted comparison; only its single-bit result is
// ever decrypted, and only by the ledger itself.
func (l *ConfidentialLedger) Unwrap(ctx context.Context, caller common.Address, units uint64) error {
	if units == 0 {
		return fmt.Errorf("token: unwrap amount must be positive")
	}
	if units > math.MaxUint64/l.unitScale {
		return fmt.Errorf("token: unwrap amount overflows base units")
	}
	base := units * l.unitScale

	l.mu.Lock()
	defer l.mu.Unlock()

	bal := l.balanceLocked(caller)
	encAmt := l.be.EncryptUint64(units, l.self)

	ok, err := l.be.Le(encAmt, bal)
	if err != nil {
		return fmt.Errorf("token: unwrap guard: %w", err)
	}
	okBit, err := l.be.Decrypt(ctx, ok, l.self)
	if err != nil {
		return fmt.Errorf("token: unwrap guard decrypt: %w", err)
	}
	if okBit == 0 {
		return domain.ErrInsufficientBalance
	}

	newBal, err := l.be.Sub(bal, encAmt)
	if err != nil {
		return fmt.Errorf("token: unwrap debit: %w", err)
	}
	l.balances[caller] = newBal

	if err := l.token.Transfer(l.custody, caller, base); err != nil {
		// The custody account always holds at least the wrapped total, so
		// this indicates a broken conservation invariant.
		return fmt.Errorf("token: unwrap release: %w", err)
	}

	l.emit(ctx, domain.Event{
		Type:  domain.EventUnwrapped,
		Actor: caller,
		Data: map[string]any{
			"base_units":     base,
			"balance_handle": newBal.Hex(),
		},
	})
	return nil
}

// Approve grants spender the right to pull up to the encrypted amount from
// owner's balance. The amount handle must already be decryptable by the
// ledger (the caller calls Allow before Approve).
func (l *ConfidentialLedger) Approve(ctx context.Context, owner, spender common.Address, amount fhe.Handle) error {
	if !l.be.IsAllowed(amount, l.self) {
		return domain.ErrInsufficientAllowance
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]fhe.Handle)
	}
	l.allowances[owner][spender] = amount

	l.emit(ctx, domain.Event{
		Type:  domain.EventEncryptedApproval,
		Actor: owner,
		Data: map[string]any{
			"spender":       spender.Hex(),
			"amount_handle": amount.Hex(),
		},
	})
	return nil
}

// TransferFrom moves the encrypted amount from `from` to `to` on behalf of
// spender. It returns the ciphertext of the amount actually moved: the
// requested amount when both balance and allowance suffice, an encryption
// of zero otherwise. The spender is allowed on the returned handle so it
// can feed the value into further homomorphic computation.
func (l *ConfidentialLedger) TransferFrom(ctx context.Context, spender, from, to common.Address, amount fhe.Handle) (fhe.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowance, ok := l.allowanceLocked(from, spender)
	if !ok {
		allowance = l.be.EncryptUint64(0, l.self)
	}

	transferred, err := l.moveLocked(from, to, amount, &allowance)
	if err != nil {
		return fhe.Handle{}, err
	}
	if l.allowances[from] == nil {
		l.allowances[from] = make(map[common.Address]fhe.Handle)
	}
	l.allowances[from][spender] = allowance

	_ = l.be.Allow(transferred, spender)

	l.emit(ctx, domain.Event{
		Type:  domain.EventEncryptedTransfer,
		Actor: spender,
		Data: map[string]any{
			"from":          from.Hex(),
			"to":            to.Hex(),
			"amount_handle": transferred.Hex(),
		},
	})
	return transferred, nil
}

// Transfer moves the encrypted amount from the caller's own balance,
// with the same select-to-zero semantics as TransferFrom.
func (l *ConfidentialLedger) Transfer(ctx context.Context, from, to common.Address, amount fhe.Handle) (fhe.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	transferred, err := l.moveLocked(from, to, amount, nil)
	if err != nil {
		return fhe.Handle{}, err
	}

	l.emit(ctx, domain.Event{
		Type:  domain.EventEncryptedTransfer,
		Actor: from,
		Data: map[string]any{
			"from":          from.Hex(),
			"to":            to.Hex(),
			"amount_handle": transferred.Hex(),
		},
	})
	return transferred, nil
}

// BalanceOf returns the account's encrypted balance handle.
func (l *ConfidentialLedger) BalanceOf(addr common.Address) fhe.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(addr)
}

func (l *ConfidentialLedger) allowanceLocked(owner, spender common.Address) (fhe.Handle, bool) {
	m, ok := l.allowances[owner]
	if !ok {
		return fhe.Handle{}, false
	}
	h, ok := m[spender]
	return h, ok
}

// moveLocked applies the conditional-select transfer: the moved ciphertext
// is amount when every encrypted guard holds, zero otherwise. When
// allowance is non-nil it is an additional guard and is reduced by the
// moved amount in place.
func (l *ConfidentialLedger) moveLocked(from, to common.Address, amount fhe.Handle, allowance *fhe.Handle) (fhe.Handle, error) {
	fromBal := l.balanceLocked(from)
	toBal := l.balanceLocked(to)

	okBal, err := l.be.Le(amount, fromBal)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("token: transfer balance guard: %w", err)
	}
	ok := okBal
	if allowance != nil {
		okAllow, err := l.be.Le(amount, *allowance)
		if err != nil {
			return fhe.Handle{}, fmt.Errorf("token: transfer allowance guard: %w", err)
		}
		ok, err = l.be.And(okBal, okAllow)
		if err != nil {
			return fhe.Handle{}, fmt.Errorf("token: transfer guard: %w", err)
		}
	}

	zero := l.be.EncryptUint64(0, l.self)
	transferred, err := l.be.Select(ok, amount, zero)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("token: transfer select: %w", err)
	}

	newFrom, err := l.be.Sub(fromBal, transferred)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("token: transfer debit: %w", err)
	}
	newTo, err := l.be.Add(toBal, transferred)
	if err != nil {
		return fhe.Handle{}, fmt.Errorf("token: transfer credit: %w", err)
	}
	l.balances[from] = newFrom
	l.balances[to] = newTo
	_ = l.be.Allow(newTo, to)

	if allowance != nil {
		newAllow, err := l.be.Sub(*allowance, transferred)
		if err != nil {
			return fhe.Handle{}, fmt.Errorf("token: allowance update: %w", err)
		}
		*allowance = newAllow
	}
	return transferred, nil
}

func (l *ConfidentialLedger) emit(ctx context.Context, ev domain.Event) {
	if l.emitter != nil {
		l.emitter.Emit(ctx, ev)
	}
}
