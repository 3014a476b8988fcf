package seal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/session"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
	"gopkg.in/yaml.v2"
)

const (
	DefaultBatchSize   = 10
	DefaultBlobEpochs  = 1
	defaultWorkerCount = 16
)

// CustodianConfig names one key custodian.
type CustodianConfig struct {
	ID        string `yaml:"id"`
	URL       string `yaml:"url"`
	PublicKey string `yaml:"publicKey"`
}

// BlobConfig points at the blob publisher and
// aggregator.
type BlobConfig struct {
	Publisher  string `yaml:"publisher"`
	Aggregator string `yaml:"aggregator"`
	Epochs     uint32 `yaml:"epochs"`
}

// MetastoreConfig points at the optional metadata
// server.
type MetastoreConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// AccessLog records every decrypt attempt that gets
	// past the credential check.
	AccessLog bool `yaml:"accessLog"`
}

// RetryConfig bounds read-after-write waits.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Exponential bool          `yaml:"exponential"`
}

// Config configures a Client. It is usually read from a
// YAML file with LoadConfig.
type Config struct {
	// PackageID is the policy contract package.
	PackageID string `yaml:"packageId"`
	// Threshold is the number of custodian shares needed
	// to decrypt.
	Threshold  int               `yaml:"threshold"`
	Custodians []CustodianConfig `yaml:"custodians"`
	Blob       BlobConfig        `yaml:"blob"`
	Metastore  MetastoreConfig   `yaml:"metastore"`
	Retry      RetryConfig       `yaml:"retry"`
	// SessionTTLMinutes is the lifetime of new session
	// credentials, 1 to 30.
	SessionTTLMinutes int `yaml:"sessionTtlMinutes"`
	// BatchSize caps the ids per access proof in
	// DecryptBatch.
	BatchSize int `yaml:"batchSize"`
	Workers   int `yaml:"workers"`
	// DataDir holds the local blob store and the opt-in
	// credential cache when no remote endpoints are set.
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"`

	// Logger is an optional structured logger. If nil, a
	// stderr logger is used.
	Logger *slog.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file and applies
// defaults. The result is not validated.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(data, &conf); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	conf.applyDefaults()
	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.Threshold == 0 && len(c.Custodians) > 0 {
		c.Threshold = len(c.Custodians)/2 + 1
	}
	if c.Blob.Epochs == 0 {
		c.Blob.Epochs = DefaultBlobEpochs
	}
	if c.Blob.Aggregator == "" {
		c.Blob.Aggregator = c.Blob.Publisher
	}
	if c.SessionTTLMinutes == 0 {
		c.SessionTTLMinutes = session.DefaultTTLMinutes
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkerCount
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the fields New relies on.
func (c Config) Validate() error {
	var errs []error
	if _, err := identifier.ParseObjectID(c.PackageID); err != nil {
		errs = append(errs, fmt.Errorf("packageId: %w", err))
	}
	if c.SessionTTLMinutes < session.MinTTLMinutes || c.SessionTTLMinutes > session.MaxTTLMinutes {
		errs = append(errs, fmt.Errorf("sessionTtlMinutes %d out of range", c.SessionTTLMinutes))
	}
	if c.Threshold < 1 || c.Threshold > len(c.Custodians) {
		errs = append(errs, fmt.Errorf("threshold %d out of range for %d custodians", c.Threshold, len(c.Custodians)))
	}
	seen := make(map[string]struct{}, len(c.Custodians))
	for i, cc := range c.Custodians {
		if _, err := identifier.ParseObjectID(cc.ID); err != nil {
			errs = append(errs, fmt.Errorf("custodians[%d].id: %w", i, err))
		}
		if _, dup := seen[cc.ID]; dup {
			errs = append(errs, fmt.Errorf("custodians[%d]: duplicate id %s", i, cc.ID))
		}
		seen[cc.ID] = struct{}{}
		if cc.PublicKey != "" {
			if _, err := threshold.ParsePublicKey(cc.PublicKey); err != nil {
				errs = append(errs, fmt.Errorf("custodians[%d].publicKey: %w", i, err))
			}
		}
	}
	if c.BatchSize < 1 {
		errs = append(errs, errors.New("batchSize must be positive"))
	}
	return errors.Join(errs...)
}
