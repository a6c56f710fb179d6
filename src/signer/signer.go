// Package signer keeps the treasury key sealed at rest. The raw private key only exists in
// memory for the duration of a single signature.
package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/json"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	sealedKeyVersion = 1
	DefaultScryptN   = 1 << 15
	defaultScryptR   = 8
	defaultScryptP   = 1
)

var ErrWrongPassphrase = errors.New("sealed key could not be opened, wrong passphrase or corrupt file")

type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// SealedKey is the on-disk form of the treasury key
type SealedKey struct {
	Version    int            `json:"version"`
	Address    common.Address `json:"address"`
	ScryptN    int            `json:"scrypt_n"`
	ScryptR    int            `json:"scrypt_r"`
	ScryptP    int            `json:"scrypt_p"`
	Salt       []byte         `json:"salt"`
	Nonce      []byte         `json:"nonce"`
	Ciphertext []byte         `json:"ciphertext"`
}

func deriveBoxKey(passphrase []byte, salt []byte, n, r, p int) (*[32]byte, error) {
	derived, err := scrypt.Key(passphrase, salt, n, r, p, 32)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive sealing key")
	}
	key := &[32]byte{}
	copy(key[:], derived)
	zero(derived)
	return key, nil
}

// Seal encrypts a hex private key (with or without 0x) under passphrase. scryptN of 0 uses
// DefaultScryptN.
func Seal(privateKeyHex string, passphrase []byte, scryptN int) (*SealedKey, error) {
	if scryptN == 0 {
		scryptN = DefaultScryptN
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}
	raw := crypto.FromECDSA(key)
	defer zero(raw)

	sealed := &SealedKey{
		Version: sealedKeyVersion,
		Address: crypto.PubkeyToAddress(key.PublicKey),
		ScryptN: scryptN,
		ScryptR: defaultScryptR,
		ScryptP: defaultScryptP,
		Salt:    make([]byte, 32),
		Nonce:   make([]byte, 24),
	}
	if _, err := io.ReadFull(rand.Reader, sealed.Salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}
	if _, err := io.ReadFull(rand.Reader, sealed.Nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}
	boxKey, err := deriveBoxKey(passphrase, sealed.Salt, sealed.ScryptN, sealed.ScryptR, sealed.ScryptP)
	if err != nil {
		return nil, err
	}
	defer zero(boxKey[:])

	nonce := [24]byte{}
	copy(nonce[:], sealed.Nonce)
	sealed.Ciphertext = secretbox.Seal(nil, raw, &nonce, boxKey)
	return sealed, nil
}

func ParseSealedKey(data []byte) (*SealedKey, error) {
	sealed := &SealedKey{}
	if err := json.Unmarshal(data, sealed); err != nil {
		return nil, errors.Wrap(err, "failed to decode sealed key")
	}
	if sealed.Version != sealedKeyVersion {
		return nil, errors.Errorf("unsupported sealed key version %d", sealed.Version)
	}
	if len(sealed.Nonce) != 24 || len(sealed.Salt) == 0 || len(sealed.Ciphertext) == 0 {
		return nil, errors.New("sealed key is missing fields")
	}
	return sealed, nil
}

func (k *SealedKey) Marshal() ([]byte, error) {
	return json.MarshalIndent(k, "", "  ")
}

// SealedSigner holds the derived box key, never the private key itself
type SealedSigner struct {
	mu      sync.Mutex
	sealed  *SealedKey
	boxKey  *[32]byte
	address common.Address
}

var _ Signer = (*SealedSigner)(nil)

// NewSealedSigner derives the box key and does one trial unseal to verify the passphrase
func NewSealedSigner(sealed *SealedKey, passphrase []byte) (*SealedSigner, error) {
	boxKey, err := deriveBoxKey(passphrase, sealed.Salt, sealed.ScryptN, sealed.ScryptR, sealed.ScryptP)
	if err != nil {
		return nil, err
	}
	s := &SealedSigner{sealed: sealed, boxKey: boxKey, address: sealed.Address}
	err = s.withKey(func(key *ecdsa.PrivateKey) error {
		if crypto.PubkeyToAddress(key.PublicKey) != sealed.Address {
			return errors.New("sealed key address does not match its contents")
		}
		return nil
	})
	if err != nil {
		zero(boxKey[:])
		return nil, err
	}
	return s, nil
}

func LoadSealedSigner(path string, passphrase []byte) (*SealedSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read sealed key %s", path)
	}
	sealed, err := ParseSealedKey(data)
	if err != nil {
		return nil, err
	}
	return NewSealedSigner(sealed, passphrase)
}

func (s *SealedSigner) Address() common.Address {
	return s.address
}

func (s *SealedSigner) withKey(fn func(key *ecdsa.PrivateKey) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nonce := [24]byte{}
	copy(nonce[:], s.sealed.Nonce)
	raw, ok := secretbox.Open(nil, s.sealed.Ciphertext, &nonce, s.boxKey)
	if !ok {
		return ErrWrongPassphrase
	}
	defer zero(raw)
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return errors.Wrap(err, "sealed key holds an invalid private key")
	}
	defer key.D.SetInt64(0)
	return fn(key)
}

func (s *SealedSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var signed *types.Transaction
	err := s.withKey(func(key *ecdsa.PrivateKey) error {
		var err error
		signed, err = types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign transaction")
	}
	return signed, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
