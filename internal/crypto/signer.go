package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	decryptionRequestTypeHash = ethcrypto.Keccak256(
		[]byte("DecryptionRequest(bytes32[] handles,address requester,uint256 timestamp)"),
	)
)

// DecryptionRequest is the message the relayer requires the settlement
// operator to sign before it accepts a public decryption request.
type DecryptionRequest struct {
	Handles   []string
	Requester common.Address
	Timestamp int64
}

// Signer signs settlement messages with the operator key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	domainSep  []byte
}

// NewSigner creates a Signer whose EIP-712 domain is bound to the given
// chain and verifying contract (the relayer's decryption oracle).
func NewSigner(key *ecdsa.PrivateKey, domainName, domainVersion string, chainID int64, verifyingContract string) *Signer {
	return &Signer{
		privateKey: key,
		address:    ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		domainSep: domainSeparator(domainName, domainVersion, chainID,
			common.HexToAddress(verifyingContract)),
	}
}

// Address returns the operator address.
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the key for transaction signing.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// SignDecryptionRequest returns the 0x-prefixed 65-byte signature of req.
func (s *Signer) SignDecryptionRequest(req DecryptionRequest) (string, error) {
	structHash, err := decryptionRequestHash(req)
	if err != nil {
		return "", err
	}
	return s.signDigest(eip712Hash(s.domainSep, structHash))
}

func decryptionRequestHash(req DecryptionRequest) ([]byte, error) {
	// bytes32[] is encoded as keccak256 of the concatenated elements.
	packed := make([]byte, 0, 32*len(req.Handles))
	for _, h := range req.Handles {
		b, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
		if err != nil || len(b) != 32 {
			return nil, fmt.Errorf("crypto/signer: handle %q is not bytes32", h)
		}
		packed = append(packed, b...)
	}

	return ethcrypto.Keccak256(
		decryptionRequestTypeHash,
		ethcrypto.Keccak256(packed),
		common.LeftPadBytes(req.Requester.Bytes(), 32),
		common.LeftPadBytes(big.NewInt(req.Timestamp).Bytes(), 32),
	), nil
}

// domainSeparator is keccak256(abi.encode(typeHash, name, version, chainId, verifyingContract)).
func domainSeparator(name, version string, chainID int64, verifying common.Address) []byte {
	return ethcrypto.Keccak256(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(version)),
		common.LeftPadBytes(big.NewInt(chainID).Bytes(), 32),
		common.LeftPadBytes(verifying.Bytes(), 32),
	)
}

// eip712Hash is keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}

// signDigest signs with secp256k1 and returns r || s || v with v in {27,28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}
