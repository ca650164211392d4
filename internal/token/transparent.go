// Package token implements the two ledgers bound by the wrap/unwrap
// boundary: a trivial transparent fungible-token ledger and the confidential
// balance ledger that locks transparent value 1:1 against encrypted
// balances.
package token

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientFunds is returned when a transparent transfer exceeds
	// the sender's balance.
	ErrInsufficientFunds = errors.New("token: insufficient transparent balance")

	// ErrInsufficientTokenAllowance is returned when a transferFrom
	// exceeds the spender's allowance.
	ErrInsufficientTokenAllowance = errors.New("token: insufficient transparent allowance")
)

// TransparentLedger is an in-process ERC-20-equivalent ledger tracking
// balances in fine-grained base units. It stands in for the external
// transparent token the confidential ledger locks value against.
type TransparentLedger struct {
	mu         sync.Mutex
	balances   map[common.Address]uint64
	allowances map[common.Address]map[common.Address]uint64
}

// NewTransparentLedger creates an empty ledger.
func NewTransparentLedger() *TransparentLedger {
	return &TransparentLedger{
		balances:   make(map[common.Address]uint64),
		allowances: make(map[common.Address]map[common.Address]uint64),
	}
}

// Mint credits amount base units to an account.
func (l *TransparentLedger) Mint(to common.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] += amount
}

// BalanceOf returns an account's balance in base units.
func (l *TransparentLedger) BalanceOf(addr common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// Approve sets spender's allowance over owner's balance.
func (l *TransparentLedger) Approve(owner, spender common.Address, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.allowances[owner] == nil {
		l.allowances[owner] = make(map[common.Address]uint64)
	}
	l.allowances[owner][spender] = amount
}

// Allowance returns the remaining allowance spender holds over owner.
func (l *TransparentLedger) Allowance(owner, spender common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowances[owner][spender]
}

// Transfer moves amount base units from one account to another.
func (l *TransparentLedger) Transfer(from, to common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.transferLocked(from, to, amount)
}

// TransferFrom moves amount base units from `from` to `to` on behalf of
// spender, consuming spender's allowance.
func (l *TransparentLedger) TransferFrom(spender, from, to common.Address, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	allowed := l.allowances[from][spender]
	if allowed < amount {
		return ErrInsufficientTokenAllowance
	}
	if err := l.transferLocked(from, to, amount); err != nil {
		return err
	}
	l.allowances[from][spender] = allowed - amount
	return nil
}

func (l *TransparentLedger) transferLocked(from, to common.Address, amount uint64) error {
	if l.balances[from] < amount {
		return ErrInsufficientFunds
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}
