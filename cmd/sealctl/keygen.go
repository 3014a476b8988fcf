package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
	"github.com/i5heu/ouroboros-seal/pkg/wallet"
	"gopkg.in/yaml.v2"
)

// custodianKeyFile is the on-disk form of a custodian
// identity.
type custodianKeyFile struct {
	ID         string `yaml:"id"`
	PrivateKey string `yaml:"privateKey"`
	PublicKey  string `yaml:"publicKey"`
}

func runKeygen(_ context.Context, args []string, logger *slog.Logger) error { // A
	fs := newFlagSet("keygen")
	out := fs.String("out", ".", "directory to write wallet.yaml and custodian.yaml to")
	force := fs.Bool("force", false, "overwrite existing key files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := os.MkdirAll(*out, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	walletPath := filepath.Join(*out, "wallet.yaml")
	custodianPath := filepath.Join(*out, "custodian.yaml")
	if !*force {
		for _, p := range []string{walletPath, custodianPath} {
			if _, err := os.Stat(p); err == nil {
				return fmt.Errorf("%s exists, use -force to overwrite", p)
			}
		}
	}

	w, err := wallet.Generate()
	if err != nil {
		return err
	}
	if err := w.SaveFile(walletPath); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	logger.Info("wrote wallet", logKeyPath, walletPath, logKeyAddress, w.Address().Hex())

	kp, err := threshold.GenerateKeyPair()
	if err != nil {
		return err
	}
	id, err := identifier.RandomObjectID()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(custodianKeyFile{
		ID:         id.Hex(),
		PrivateKey: hex.EncodeToString(kp.Private[:]),
		PublicKey:  kp.Public.Hex(),
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(custodianPath, data, 0o600); err != nil {
		return fmt.Errorf("write custodian key: %w", err)
	}
	logger.Info("wrote custodian key", logKeyPath, custodianPath, logKeyCustodian, id.Hex())
	return nil
}

// loadCustodianKey reads a file written by keygen.
func loadCustodianKey(path string) (identifier.ObjectID, *threshold.KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return identifier.ObjectID{}, nil, fmt.Errorf("read custodian key: %w", err)
	}
	var kf custodianKeyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return identifier.ObjectID{}, nil, fmt.Errorf("parse custodian key: %w", err)
	}
	id, err := identifier.ParseObjectID(kf.ID)
	if err != nil {
		return identifier.ObjectID{}, nil, err
	}
	priv, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return identifier.ObjectID{}, nil, fmt.Errorf("decode private key: %w", err)
	}
	kp, err := threshold.KeyPairFromPrivate(priv)
	if err != nil {
		return identifier.ObjectID{}, nil, err
	}
	if kf.PublicKey != "" && kf.PublicKey != kp.Public.Hex() {
		return identifier.ObjectID{}, nil, fmt.Errorf("custodian key file public key does not match private key")
	}
	return id, kp, nil
}
