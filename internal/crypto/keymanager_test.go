package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestGenerateKeyProducesValidKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, k, 64)

	addr, err := AddressOf(k)
	require.NoError(t, err)
	assert.True(t, common.IsHexAddress(addr))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)
}

func TestDecryptWrongPasswordFails(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "hunter2")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptRejectsEmptyPassword(t *testing.T) {
	_, err := EncryptKey(testKeyHex, "")
	assert.Error(t, err)
}

func TestEncryptRejectsBadKey(t *testing.T) {
	_, err := EncryptKey("zz", "pw")
	assert.Error(t, err)

	short := hex.EncodeToString([]byte{1, 2, 3})
	_, err = EncryptKey(short, "pw")
	assert.Error(t, err)
}

func TestLoadKeyPrefersRawKey(t *testing.T) {
	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, k)
}

func TestLoadKeyFromEncryptedFile(t *testing.T) {
	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, k)
}

func TestLoadKeyWithNoSourceFails(t *testing.T) {
	_, err := LoadKey(KeyConfig{})
	assert.Error(t, err)
}

func TestLoadKeyRejectsInvalidHex(t *testing.T) {
	_, err := LoadKey(KeyConfig{RawPrivateKey: "not hex"})
	assert.Error(t, err)
}

func TestAddressOfKnownKey(t *testing.T) {
	addr, err := AddressOf(testKeyHex)
	require.NoError(t, err)
	// The address of this key is fixed by the curve.
	assert.Equal(t, "0x96216849c49358B10257cb55b28eA603c874b05E", addr)
}
