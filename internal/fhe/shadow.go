package fhe

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ShadowBackend is a plaintext-shadow implementation of Backend. Values are
// stored in cleartext behind opaque keccak-derived handles, with the same
// access-control discipline a real FHE coprocessor enforces. It exists so
// the ledger logic, oracle hand-off, and tests exercise the full protocol
// without a lattice library in the loop.
type ShadowBackend struct {
	mu      sync.Mutex
	seq     uint64
	entries map[Handle]*shadowEntry
}

type shadowEntry struct {
	value   uint64
	boolean bool
	acl     map[common.Address]struct{}
}

// NewShadowBackend creates an empty ShadowBackend.
func NewShadowBackend() *ShadowBackend {
	return &ShadowBackend{entries: make(map[Handle]*shadowEntry)}
}

// newHandle derives a fresh opaque handle. Handles are keccak256 over a
// monotonic sequence number and 16 random bytes, so they carry no
// information about the underlying value.
func (b *ShadowBackend) newHandle() Handle {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[:8], b.seq)
	b.seq++
	_, _ = rand.Read(buf[8:])

	var h Handle
	copy(h[:], ethcrypto.Keccak256(buf[:]))
	return h
}

func (b *ShadowBackend) store(value uint64, boolean bool, acl map[common.Address]struct{}) Handle {
	h := b.newHandle()
	b.entries[h] = &shadowEntry{value: value, boolean: boolean, acl: acl}
	return h
}

func (b *ShadowBackend) get(h Handle) (*shadowEntry, error) {
	e, ok := b.entries[h]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return e, nil
}

// unionACL merges the access lists of the operands; derived ciphertexts are
// decryptable by exactly the principals that could decrypt the inputs.
func unionACL(lists ...map[common.Address]struct{}) map[common.Address]struct{} {
	out := make(map[common.Address]struct{})
	for _, l := range lists {
		for a := range l {
			out[a] = struct{}{}
		}
	}
	return out
}

func singleACL(owner common.Address) map[common.Address]struct{} {
	return map[common.Address]struct{}{owner: {}}
}

func (b *ShadowBackend) EncryptUint64(v uint64, owner common.Address) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.store(v, false, singleACL(owner))
}

func (b *ShadowBackend) EncryptBool(v bool, owner common.Address) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	val := uint64(0)
	if v {
		val = 1
	}
	return b.store(val, true, singleACL(owner))
}

// binaryIntOp looks up both integer operands and stores the combined result.
func (b *ShadowBackend) binaryIntOp(x, y Handle, f func(a, c uint64) uint64) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, err := b.get(x)
	if err != nil {
		return Handle{}, err
	}
	ey, err := b.get(y)
	if err != nil {
		return Handle{}, err
	}
	if ex.boolean || ey.boolean {
		return Handle{}, ErrTypeMismatch
	}
	return b.store(f(ex.value, ey.value), false, unionACL(ex.acl, ey.acl)), nil
}

func (b *ShadowBackend) Add(x, y Handle) (Handle, error) {
	return b.binaryIntOp(x, y, func(a, c uint64) uint64 { return a + c })
}

func (b *ShadowBackend) Sub(x, y Handle) (Handle, error) {
	return b.binaryIntOp(x, y, func(a, c uint64) uint64 {
		if c > a {
			return 0
		}
		return a - c
	})
}

func (b *ShadowBackend) scalarOp(x Handle, f func(a uint64) uint64) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, err := b.get(x)
	if err != nil {
		return Handle{}, err
	}
	if ex.boolean {
		return Handle{}, ErrTypeMismatch
	}
	return b.store(f(ex.value), false, unionACL(ex.acl)), nil
}

func (b *ShadowBackend) AddPublic(x Handle, v uint64) (Handle, error) {
	return b.scalarOp(x, func(a uint64) uint64 { return a + v })
}

func (b *ShadowBackend) MulPublic(x Handle, v uint64) (Handle, error) {
	return b.scalarOp(x, func(a uint64) uint64 { return a * v })
}

func (b *ShadowBackend) DivPublic(x Handle, v uint64) (Handle, error) {
	if v == 0 {
		return Handle{}, ErrTypeMismatch
	}
	return b.scalarOp(x, func(a uint64) uint64 { return a / v })
}

func (b *ShadowBackend) Le(x, y Handle) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, err := b.get(x)
	if err != nil {
		return Handle{}, err
	}
	ey, err := b.get(y)
	if err != nil {
		return Handle{}, err
	}
	if ex.boolean || ey.boolean {
		return Handle{}, ErrTypeMismatch
	}
	val := uint64(0)
	if ex.value <= ey.value {
		val = 1
	}
	return b.store(val, true, unionACL(ex.acl, ey.acl)), nil
}

func (b *ShadowBackend) Eq(x, y Handle) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, err := b.get(x)
	if err != nil {
		return Handle{}, err
	}
	ey, err := b.get(y)
	if err != nil {
		return Handle{}, err
	}
	if ex.boolean != ey.boolean {
		return Handle{}, ErrTypeMismatch
	}
	val := uint64(0)
	if ex.value == ey.value {
		val = 1
	}
	return b.store(val, true, unionACL(ex.acl, ey.acl)), nil
}

func (b *ShadowBackend) And(x, y Handle) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, err := b.get(x)
	if err != nil {
		return Handle{}, err
	}
	ey, err := b.get(y)
	if err != nil {
		return Handle{}, err
	}
	if !ex.boolean || !ey.boolean {
		return Handle{}, ErrTypeMismatch
	}
	val := uint64(0)
	if ex.value == 1 && ey.value == 1 {
		val = 1
	}
	return b.store(val, true, unionACL(ex.acl, ey.acl)), nil
}

func (b *ShadowBackend) Select(cond, ifTrue, ifFalse Handle) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ec, err := b.get(cond)
	if err != nil {
		return Handle{}, err
	}
	if !ec.boolean {
		return Handle{}, ErrTypeMismatch
	}
	et, err := b.get(ifTrue)
	if err != nil {
		return Handle{}, err
	}
	ef, err := b.get(ifFalse)
	if err != nil {
		return Handle{}, err
	}
	if et.boolean != ef.boolean {
		return Handle{}, ErrTypeMismatch
	}

	val := ef.value
	if ec.value == 1 {
		val = et.value
	}
	return b.store(val, et.boolean, unionACL(ec.acl, et.acl, ef.acl)), nil
}

func (b *ShadowBackend) Allow(h Handle, principal common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.get(h)
	if err != nil {
		return err
	}
	e.acl[principal] = struct{}{}
	return nil
}

func (b *ShadowBackend) IsAllowed(h Handle, principal common.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[h]
	if !ok {
		return false
	}
	_, allowed := e.acl[principal]
	return allowed
}

func (b *ShadowBackend) Decrypt(_ context.Context, h Handle, requester common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, err := b.get(h)
	if err != nil {
		return 0, err
	}
	if _, ok := e.acl[requester]; !ok {
		return 0, ErrDecryptionDenied
	}
	return e.value, nil
}

// Compile-time interface check.
var _ Backend = (*ShadowBackend)(nil)
