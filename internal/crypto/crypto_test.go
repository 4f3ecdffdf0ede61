package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat account #0.
const (
	testKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())

	_, err = NewSigner("not-hex")
	require.Error(t, err)
}

func TestRequestPayload(t *testing.T) {
	got := string(RequestPayload("post", "/api/vaults", 1700000000, nil))
	assert.Equal(t, "POST\n/api/vaults\n1700000000\ne3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", got)
}

func TestSignAndRecover(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	body := []byte(`{"amount":1000}`)

	sig, err := s.SignRequest("POST", "/api/vaults/1/deposit", 1700000000, body)
	require.NoError(t, err)
	assert.Len(t, sig, 2+130)

	addr, err := RecoverRequestSigner("POST", "/api/vaults/1/deposit", 1700000000, body, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)
	require.NoError(t, VerifyRequest(s.Address(), "POST", "/api/vaults/1/deposit", 1700000000, body, sig))
}

func TestVerifyRejectsTampering(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	body := []byte(`{"amount":1000}`)
	sig, err := s.SignRequest("POST", "/api/vaults/1/deposit", 1700000000, body)
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		ts     int64
		body   []byte
		sig    string
		signer common.Address
	}{
		{"body", "/api/vaults/1/deposit", 1700000000, []byte(`{"amount":9000}`), sig, s.Address()},
		{"path", "/api/vaults/2/deposit", 1700000000, body, sig, s.Address()},
		{"timestamp", "/api/vaults/1/deposit", 1700000001, body, sig, s.Address()},
		{"claimed address", "/api/vaults/1/deposit", 1700000000, body, sig, common.HexToAddress("0x01")},
		{"short signature", "/api/vaults/1/deposit", 1700000000, body, "0x1234", s.Address()},
		{"not hex", "/api/vaults/1/deposit", 1700000000, body, "zz", s.Address()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifyRequest(tc.signer, "POST", tc.path, tc.ts, tc.body, tc.sig)
			require.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestHeaders(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	h, err := s.Headers("GET", "/api/registry", 42, nil)
	require.NoError(t, err)
	assert.Equal(t, s.Address().Hex(), h[HeaderAddress])
	assert.Equal(t, "42", h[HeaderTimestamp])
	assert.NotEmpty(t, h[HeaderSignature])
}

func TestEncryptDecryptKey(t *testing.T) {
	data, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)
	assert.Contains(t, string(data), testAddress)

	keyHex, err := DecryptKey(data, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey[2:], keyHex)

	_, err = DecryptKey(data, "wrong")
	require.Error(t, err)

	_, err = EncryptKey(testKey, "")
	require.Error(t, err)
}

func TestLoadSigner(t *testing.T) {
	data, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())

	s, err = LoadSigner(KeyConfig{RawPrivateKey: testKey, EncryptedKeyPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())

	_, err = LoadSigner(KeyConfig{})
	require.Error(t, err)
}
