// Package wallet holds an account's ed25519 identity
// key. It signs session challenges and acts as the
// sender of ledger transactions.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"gopkg.in/yaml.v2"
)

// Wallet is an identity holding agent.
type Wallet struct {
	priv    ed25519.PrivateKey
	address identifier.Address
}

// Generate creates a wallet with a fresh key.
func Generate() (*Wallet, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return FromSeed(seed)
}

// FromSeed derives the wallet from a 32 byte seed.
func FromSeed(seed []byte) (*Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	addr, err := identifier.AddressFromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Wallet{priv: priv, address: addr}, nil
}

// PublicKey returns the identity public key.
func (w *Wallet) PublicKey() ed25519.PublicKey {
	return w.priv.Public().(ed25519.PublicKey)
}

// Address returns the account address.
func (w *Wallet) Address() identifier.Address {
	return w.address
}

// SignPersonalMessage signs msg with the identity key.
func (w *Wallet) SignPersonalMessage(msg []byte) ([]byte, error) {
	return ed25519.Sign(w.priv, msg), nil
}

type keyFile struct {
	Seed    string `yaml:"seed"`
	Address string `yaml:"address"`
}

// LoadFile reads a key file written by SaveFile.
func LoadFile(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	seed, err := hex.DecodeString(kf.Seed)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	w, err := FromSeed(seed)
	if err != nil {
		return nil, err
	}
	if kf.Address != "" && kf.Address != w.address.Hex() {
		return nil, fmt.Errorf("key file address %s does not match seed", kf.Address)
	}
	return w, nil
}

// SaveFile writes the seed with owner-only permissions.
func (w *Wallet) SaveFile(path string) error {
	data, err := yaml.Marshal(keyFile{
		Seed:    hex.EncodeToString(w.priv.Seed()),
		Address: w.address.Hex(),
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
