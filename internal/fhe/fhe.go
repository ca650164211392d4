// Package fhe defines the opaque encrypted value type used throughout the
// settlement engine: a 32-byte ciphertext handle plus the homomorphic
// operations and access-control list the ledgers need. The Backend interface
// is the binding point for a concrete FHE scheme; the core only ever touches
// handles, never cleartext, so it can run unchanged against the plaintext
// ShadowBackend in tests and local mode.
package fhe

import (
	"context"
	"encoding/hex"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrDecryptionDenied is returned by Decrypt when the requesting
	// principal is not on the handle's access-control list.
	ErrDecryptionDenied = errors.New("fhe: principal not permitted to decrypt handle")

	// ErrUnknownHandle is returned for handles the backend has never issued.
	ErrUnknownHandle = errors.New("fhe: unknown ciphertext handle")

	// ErrTypeMismatch is returned when an operation mixes boolean and
	// integer ciphertexts.
	ErrTypeMismatch = errors.New("fhe: ciphertext type mismatch")
)

// Handle is an opaque reference to an encrypted unsigned integer or boolean.
// The zero Handle is never issued by a backend and marks "no ciphertext".
type Handle [32]byte

// IsZero reports whether h is the unset sentinel.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Hex returns the 0x-prefixed hex encoding of the handle, the form used in
// emitted events and API responses.
func (h Handle) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// HandleFromHex parses a 0x-prefixed hex string into a Handle.
func HandleFromHex(s string) (Handle, error) {
	var h Handle
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Handle{}, err
	}
	if len(b) != len(h) {
		return Handle{}, errors.New("fhe: handle must be 32 bytes")
	}
	copy(h[:], b)
	return h, nil
}

// Backend is the set of homomorphic operations the ledgers rely on. Every
// operation that produces a new ciphertext returns a fresh handle whose
// access-control list is the union of the inputs' lists; Allow extends a
// list with an additional principal.
//
// Integer ciphertexts hold unsigned 64-bit values; boolean ciphertexts hold
// a single bit. Le, Eq, and Select bridge the two: comparisons yield boolean
// ciphertexts, Select consumes one.
type Backend interface {
	// EncryptUint64 encrypts v on behalf of owner, who becomes the sole
	// entry on the new handle's access-control list.
	EncryptUint64(v uint64, owner common.Address) Handle

	// EncryptBool encrypts b on behalf of owner.
	EncryptBool(b bool, owner common.Address) Handle

	// Add returns a ciphertext of a + b.
	Add(a, b Handle) (Handle, error)

	// Sub returns a ciphertext of a - b, saturating at zero.
	Sub(a, b Handle) (Handle, error)

	// AddPublic returns a ciphertext of a + v for a public scalar v.
	AddPublic(a Handle, v uint64) (Handle, error)

	// MulPublic returns a ciphertext of a * v for a public scalar v.
	MulPublic(a Handle, v uint64) (Handle, error)

	// DivPublic returns a ciphertext of floor(a / v) for a public scalar
	// v. v must be non-zero.
	DivPublic(a Handle, v uint64) (Handle, error)

	// Le returns a boolean ciphertext of a <= b.
	Le(a, b Handle) (Handle, error)

	// Eq returns a boolean ciphertext of a == b. Operands must share a
	// type (both integer or both boolean).
	Eq(a, b Handle) (Handle, error)

	// And returns a boolean ciphertext of a && b.
	And(a, b Handle) (Handle, error)

	// Select returns ifTrue when cond holds, otherwise ifFalse, without
	// revealing cond. cond must be a boolean ciphertext.
	Select(cond, ifTrue, ifFalse Handle) (Handle, error)

	// Allow grants principal the right to request decryption of h.
	Allow(h Handle, principal common.Address) error

	// IsAllowed reports whether principal may request decryption of h.
	IsAllowed(h Handle, principal common.Address) bool

	// Decrypt returns the cleartext behind h. It fails with
	// ErrDecryptionDenied unless requester is on the handle's
	// access-control list. Boolean ciphertexts decrypt to 0 or 1.
	Decrypt(ctx context.Context, h Handle, requester common.Address) (uint64, error)
}
