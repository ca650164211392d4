package oracle

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/alanyoungcy/veilbet/internal/fhe"
)

// KMS is an in-process Decryptor holding a secp256k1 signing key. Callers
// grant the KMS address decryption rights on the handles they want revealed;
// the KMS decrypts through the backend's access-control path and signs the
// result. It stands in for a threshold-distributed service in deployment.
type KMS struct {
	be     fhe.Backend
	key    *ecdsa.PrivateKey
	addr   common.Address
	logger *slog.Logger
}

// NewKMS creates a KMS from a hex-encoded secp256k1 private key.
func NewKMS(be fhe.Backend, privateKeyHex string, logger *slog.Logger) (*KMS, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("oracle: invalid KMS private key: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KMS{
		be:     be,
		key:    key,
		addr:   ethcrypto.PubkeyToAddress(key.PublicKey),
		logger: logger,
	}, nil
}

// Address returns the address proofs verify against. It doubles as the
// KMS's ACL principal: handles must Allow this address before a request.
func (k *KMS) Address() common.Address {
	return k.addr
}

// RequestDecryption decrypts each handle and returns the clear values with
// a proof over the full handle/value set. A handle the KMS is not permitted
// to decrypt fails the whole request.
func (k *KMS) RequestDecryption(ctx context.Context, handles []fhe.Handle) (*Result, error) {
	if len(handles) == 0 {
		return nil, fmt.Errorf("oracle: empty decryption request")
	}

	reqID := uuid.New()
	clear := make([]uint64, len(handles))
	for i, h := range handles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := k.be.Decrypt(ctx, h, k.addr)
		if err != nil {
			return nil, fmt.Errorf("oracle: decrypt %s: %w", h.Hex(), err)
		}
		clear[i] = v
	}

	sig, err := ethcrypto.Sign(decryptionDigest(handles, clear), k.key)
	if err != nil {
		return nil, fmt.Errorf("oracle: sign decryption proof: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	k.logger.DebugContext(ctx, "oracle: decryption served",
		slog.String("request_id", reqID.String()),
		slog.Int("handles", len(handles)),
	)

	return &Result{
		RequestID:   reqID,
		Handles:     handles,
		ClearValues: clear,
		Proof:       sig,
	}, nil
}

// Compile-time interface check.
var _ Decryptor = (*KMS)(nil)
