package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Vault-Address"
	HeaderTimestamp = "X-Vault-Timestamp"
	HeaderSignature = "X-Vault-Signature"
)

// ErrInvalidSignature is returned when a signature is malformed or does not
// recover to the claimed address.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// Signer signs API requests with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex private key, with or without 0x.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the principal the signer authenticates as.
func (s *Signer) Address() common.Address {
	return s.address
}

// RequestPayload builds the signed message:
//
//	METHOD \n PATH \n TIMESTAMP \n hex(sha256(body))
func RequestPayload(method, path string, timestamp int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte(strings.ToUpper(method) + "\n" + path + "\n" +
		strconv.FormatInt(timestamp, 10) + "\n" + hex.EncodeToString(sum[:]))
}

// SignRequest returns a 0x-prefixed 65-byte signature over the EIP-191
// text hash of the request payload, with v in {27, 28}.
func (s *Signer) SignRequest(method, path string, timestamp int64, body []byte) (string, error) {
	digest := accounts.TextHash(RequestPayload(method, path, timestamp, body))
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// Headers returns the three authentication headers for a request.
func (s *Signer) Headers(method, path string, timestamp int64, body []byte) (map[string]string, error) {
	sig, err := s.SignRequest(method, path, timestamp, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderAddress:   s.address.Hex(),
		HeaderTimestamp: strconv.FormatInt(timestamp, 10),
		HeaderSignature: sig,
	}, nil
}

// RecoverRequestSigner returns the address that produced sigHex over the
// request. Both v conventions ({0,1} and {27,28}) are accepted.
func RecoverRequestSigner(method, path string, timestamp int64, body []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}

	digest := accounts.TextHash(RequestPayload(method, path, timestamp, body))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// VerifyRequest checks that sigHex was produced by want.
func VerifyRequest(want common.Address, method, path string, timestamp int64, body []byte, sigHex string) error {
	got, err := RecoverRequestSigner(method, path, timestamp, body, sigHex)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: signed by %s, claimed %s", ErrInvalidSignature, got.Hex(), want.Hex())
	}
	return nil
}
