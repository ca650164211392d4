// Package oracle models the decryption hand-off: an external KMS that turns
// ciphertext handles into cleartext values together with a proof any third
// party can verify without trusting the oracle's identity.
package oracle

import (
	"context"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/fhe"
)

// proofDomainTag separates decryption-proof digests from any other message
// the KMS key might sign.
const proofDomainTag = "VEILBET_KMS_DECRYPTION_V1"

// proofLen is the length of a secp256k1 signature with recovery byte.
const proofLen = 65

// Result is a completed decryption: the cleartext values for the requested
// handles, in order, plus the proof binding handles and values together.
type Result struct {
	RequestID   uuid.UUID
	Handles     []fhe.Handle
	ClearValues []uint64
	Proof       []byte
}

// Decryptor is the oracle interface the settlement orchestrator consumes.
// Implementations may take unbounded wall-clock time; callers bound the
// round-trip with the context.
type Decryptor interface {
	RequestDecryption(ctx context.Context, handles []fhe.Handle) (*Result, error)
}

// decryptionDigest computes the keccak256 digest a proof signs: the hashed
// domain tag, every handle, and every clear value as a 32-byte big-endian
// word, concatenated in request order.
func decryptionDigest(handles []fhe.Handle, clearValues []uint64) []byte {
	buf := make([]byte, 0, 32+len(handles)*32+len(clearValues)*32)
	buf = append(buf, ethcrypto.Keccak256([]byte(proofDomainTag))...)
	for _, h := range handles {
		buf = append(buf, h[:]...)
	}
	var word [32]byte
	for _, v := range clearValues {
		binary.BigEndian.PutUint64(word[24:], v)
		buf = append(buf, word[:]...)
	}
	return ethcrypto.Keccak256(buf)
}

// VerifyDecryptionProof checks that proof is a valid signature by kms over
// the given handles and clear values. Verification is purely cryptographic;
// no caller identity is consulted. Any malformed or mismatched proof fails
// with domain.ErrInvalidDecryptionProof.
func VerifyDecryptionProof(kms common.Address, handles []fhe.Handle, clearValues []uint64, proof []byte) error {
	if len(proof) != proofLen || len(handles) != len(clearValues) {
		return domain.ErrInvalidDecryptionProof
	}

	sig := make([]byte, proofLen)
	copy(sig, proof)
	// Normalise v from {27,28} to the {0,1} go-ethereum recovery expects.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return domain.ErrInvalidDecryptionProof
	}

	pub, err := ethcrypto.SigToPub(decryptionDigest(handles, clearValues), sig)
	if err != nil {
		return domain.ErrInvalidDecryptionProof
	}
	if ethcrypto.PubkeyToAddress(*pub) != kms {
		return domain.ErrInvalidDecryptionProof
	}
	return nil
}
