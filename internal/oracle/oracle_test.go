package oracle

import (
	"context"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/veilbet/internal/domain"
	"github.com/alanyoungcy/veilbet/internal/fhe"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestKMSAddressMatchesKey(t *testing.T) {
	be := fhe.NewShadowBackend()
	kms, err := NewKMS(be, testKey, nil)
	require.NoError(t, err)

	key, err := ethcrypto.HexToECDSA(testKey)
	require.NoError(t, err)
	assert.Equal(t, ethcrypto.PubkeyToAddress(key.PublicKey), kms.Address())
}

func TestNewKMSRejectsBadKey(t *testing.T) {
	be := fhe.NewShadowBackend()
	_, err := NewKMS(be, "not-a-key", nil)
	assert.Error(t, err)
}

func TestDecryptionRoundTripVerifies(t *testing.T) {
	be := fhe.NewShadowBackend()
	kms, err := NewKMS(be, testKey, nil)
	require.NoError(t, err)
	ctx := context.Background()

	a := be.EncryptUint64(100, kms.Address())
	b := be.EncryptUint64(250, kms.Address())

	res, err := kms.RequestDecryption(ctx, []fhe.Handle{a, b})
	require.NoError(t, err)
	require.Len(t, res.ClearValues, 2)
	assert.Equal(t, uint64(100), res.ClearValues[0])
	assert.Equal(t, uint64(250), res.ClearValues[1])
	assert.Len(t, res.Proof, 65)
	assert.NotEqual(t, res.RequestID.String(), "00000000-0000-0000-0000-000000000000")

	assert.NoError(t, VerifyDecryptionProof(kms.Address(), res.Handles, res.ClearValues, res.Proof))
}

func TestDecryptionDeniedWithoutACL(t *testing.T) {
	be := fhe.NewShadowBackend()
	kms, err := NewKMS(be, testKey, nil)
	require.NoError(t, err)

	owner := [20]byte{0x01}
	h := be.EncryptUint64(5, owner)

	_, err = kms.RequestDecryption(context.Background(), []fhe.Handle{h})
	assert.ErrorIs(t, err, fhe.ErrDecryptionDenied)
}

func TestEmptyRequestRejected(t *testing.T) {
	be := fhe.NewShadowBackend()
	kms, err := NewKMS(be, testKey, nil)
	require.NoError(t, err)

	_, err = kms.RequestDecryption(context.Background(), nil)
	assert.Error(t, err)
}

func TestVerifyRejectsTamperedValues(t *testing.T) {
	be := fhe.NewShadowBackend()
	kms, err := NewKMS(be, testKey, nil)
	require.NoError(t, err)

	h := be.EncryptUint64(42, kms.Address())
	res, err := kms.RequestDecryption(context.Background(), []fhe.Handle{h})
	require.NoError(t, err)

	err = VerifyDecryptionProof(kms.Address(), res.Handles, []uint64{43}, res.Proof)
	assert.ErrorIs(t, err, domain.ErrInvalidDecryptionProof)
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	be := fhe.NewShadowBackend()
	kms, err := NewKMS(be, testKey, nil)
	require.NoError(t, err)

	h := be.EncryptUint64(42, kms.Address())
	res, err := kms.RequestDecryption(context.Background(), []fhe.Handle{h})
	require.NoError(t, err)

	other := [20]byte{0xaa}
	err = VerifyDecryptionProof(other, res.Handles, res.ClearValues, res.Proof)
	assert.ErrorIs(t, err, domain.ErrInvalidDecryptionProof)
}

func TestVerifyRejectsMalformedProof(t *testing.T) {
	be := fhe.NewShadowBackend()
	kms, err := NewKMS(be, testKey, nil)
	require.NoError(t, err)

	h := be.EncryptUint64(42, kms.Address())
	res, err := kms.RequestDecryption(context.Background(), []fhe.Handle{h})
	require.NoError(t, err)

	err = VerifyDecryptionProof(kms.Address(), res.Handles, res.ClearValues, res.Proof[:64])
	assert.ErrorIs(t, err, domain.ErrInvalidDecryptionProof)

	err = VerifyDecryptionProof(kms.Address(), res.Handles, nil, res.Proof)
	assert.ErrorIs(t, err, domain.ErrInvalidDecryptionProof)
}

func TestVerifyBindsHandleOrder(t *testing.T) {
	be := fhe.NewShadowBackend()
	kms, err := NewKMS(be, testKey, nil)
	require.NoError(t, err)

	a := be.EncryptUint64(1, kms.Address())
	b := be.EncryptUint64(2, kms.Address())
	res, err := kms.RequestDecryption(context.Background(), []fhe.Handle{a, b})
	require.NoError(t, err)

	swapped := []fhe.Handle{res.Handles[1], res.Handles[0]}
	err = VerifyDecryptionProof(kms.Address(), swapped, res.ClearValues, res.Proof)
	assert.ErrorIs(t, err, domain.ErrInvalidDecryptionProof)
}

func TestCancelledContextAborts(t *testing.T) {
	be := fhe.NewShadowBackend()
	kms, err := NewKMS(be, testKey, nil)
	require.NoError(t, err)

	h := be.EncryptUint64(1, kms.Address())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = kms.RequestDecryption(ctx, []fhe.Handle{h})
	assert.ErrorIs(t, err, context.Canceled)
}
