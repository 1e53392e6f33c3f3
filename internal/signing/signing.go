// Package signing attests oracle quotes with secp256k1 signatures.
package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoKey is returned when a signer has no private key configured.
	ErrNoKey = errors.New("signing: private key not configured")
	// ErrUnknownSigner is returned when no trusted address is registered for an oracle.
	ErrUnknownSigner = errors.New("signing: no trusted signer for oracle")
	// ErrSignerMismatch is returned when a signature recovers to an unexpected address.
	ErrSignerMismatch = errors.New("signing: signature does not match trusted signer")
)

// Digest returns the EIP-191 hash of the canonical (asset, price, oracle) tuple.
func Digest(assetID string, price decimal.Decimal, oracleID string) []byte {
	payload := strings.Join([]string{assetID, price.String(), oracleID}, "|")
	return accounts.TextHash(crypto.Keccak256([]byte(payload)))
}

// Signer produces quote signatures with a single attestation key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex encoded private key (with or without 0x prefix).
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrNoKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the account derived from the signer's public key.
func (s *Signer) Address() common.Address {
	if s == nil {
		return common.Address{}
	}
	return s.address
}

// Sign attests the quote tuple.
func (s *Signer) Sign(assetID string, price decimal.Decimal, oracleID string) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, ErrNoKey
	}
	return crypto.Sign(Digest(assetID, price, oracleID), s.key)
}

// Recover returns the address that produced sig over the quote tuple.
func Recover(assetID string, price decimal.Decimal, oracleID string, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signing: invalid signature length %d", len(sig))
	}
	pub, err := crypto.SigToPub(Digest(assetID, price, oracleID), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks sig against the expected address.
func Verify(expected common.Address, assetID string, price decimal.Decimal, oracleID string, sig []byte) error {
	got, err := Recover(assetID, price, oracleID, sig)
	if err != nil {
		return err
	}
	if got != expected {
		return fmt.Errorf("%w: got %s want %s", ErrSignerMismatch, got.Hex(), expected.Hex())
	}
	return nil
}

// Registry maps oracle ids to the addresses trusted to sign their quotes.
type Registry struct {
	mu      sync.RWMutex
	signers map[string]common.Address
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{signers: make(map[string]common.Address)}
}

// Trust registers addr as the signer for oracleID.
func (r *Registry) Trust(oracleID string, addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signers[oracleID] = addr
}

// TrustHex registers a hex address.
func (r *Registry) TrustHex(oracleID, hexAddr string) error {
	if !common.IsHexAddress(hexAddr) {
		return fmt.Errorf("signing: invalid signer address %q for %s", hexAddr, oracleID)
	}
	r.Trust(oracleID, common.HexToAddress(hexAddr))
	return nil
}

// Lookup returns the trusted signer for oracleID.
func (r *Registry) Lookup(oracleID string) (common.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.signers[oracleID]
	return addr, ok
}

// Verify checks sig against the signer registered for oracleID.
func (r *Registry) Verify(oracleID, assetID string, price decimal.Decimal, sig []byte) error {
	addr, ok := r.Lookup(oracleID)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownSigner, oracleID)
	}
	return Verify(addr, assetID, price, oracleID, sig)
}
