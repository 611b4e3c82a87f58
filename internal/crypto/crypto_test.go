package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	key, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, hex.EncodeToString(ethcrypto.FromECDSA(key)))

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	key, err := LoadKey(KeySource{RawPrivateKey: testKeyHex})
	require.NoError(t, err)
	want := ethcrypto.PubkeyToAddress(key.PublicKey)

	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	fromFile, err := LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, want, ethcrypto.PubkeyToAddress(fromFile.PublicKey))

	_, err = LoadKey(KeySource{})
	assert.Error(t, err)
	assert.False(t, KeySource{}.Configured())
}

func TestSignDecryptionRequestRecoversOperator(t *testing.T) {
	key, err := LoadKey(KeySource{RawPrivateKey: testKeyHex})
	require.NoError(t, err)
	s := NewSigner(key, "MarketForgeRelayer", "1", 11155111, "0x00000000000000000000000000000000000000aa")

	req := DecryptionRequest{
		Handles:   []string{"0x" + strings.Repeat("11", 32), "0x" + strings.Repeat("22", 32)},
		Requester: s.Address(),
		Timestamp: 1700000000,
	}
	sigHex, err := s.SignDecryptionRequest(req)
	require.NoError(t, err)

	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	structHash, err := decryptionRequestHash(req)
	require.NoError(t, err)
	digest := eip712Hash(s.domainSep, structHash)
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func TestSignDecryptionRequestRejectsBadHandle(t *testing.T) {
	key, err := LoadKey(KeySource{RawPrivateKey: testKeyHex})
	require.NoError(t, err)
	s := NewSigner(key, "MarketForgeRelayer", "1", 1, common.Address{}.Hex())

	_, err = s.SignDecryptionRequest(DecryptionRequest{Handles: []string{"0x1234"}})
	assert.Error(t, err)
}

func TestAPIAuthHeadersDeterministic(t *testing.T) {
	a := APIAuth{Key: "key-1", Secret: "secret"}
	h1 := a.HeadersAt("POST", "/v1/public-decrypt", `{"x":1}`, 1700000000)
	h2 := a.HeadersAt("POST", "/v1/public-decrypt", `{"x":1}`, 1700000000)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "key-1", h1["X-Api-Key"])
	assert.Equal(t, "1700000000", h1["X-Timestamp"])

	h3 := a.HeadersAt("POST", "/v1/public-decrypt", `{"x":2}`, 1700000000)
	assert.NotEqual(t, h1["X-Signature"], h3["X-Signature"])
	assert.NotContains(t, a.String(), "secret")
}
