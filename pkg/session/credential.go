// Package session issues short lived, identity signed
// session credentials. A credential lets key custodians
// attribute requests to an account without the account
// key signing every request: the identity signs once,
// the ephemeral session key signs each request token.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
)

const (
	DefaultTTLMinutes = 10
	MinTTLMinutes     = 1
	MaxTTLMinutes     = 30
)

var (
	// ErrInvalidSignature is returned when the identity
	// signature does not verify over the challenge.
	ErrInvalidSignature = errors.New("session: invalid identity signature")
	// ErrInvalidTTL is returned for lifetimes outside
	// MinTTLMinutes..MaxTTLMinutes.
	ErrInvalidTTL = errors.New("session: ttl out of range")
)

// Manager creates credentials.
type Manager struct {
	clock clock.Clock
}

// NewManager returns a Manager reading time from c.
func NewManager(c clock.Clock) *Manager {
	if c == nil {
		c = clock.Real()
	}
	return &Manager{clock: c}
}

// Credential is a session credential. It is unsigned
// until AttachSignature succeeds.
type Credential struct {
	identity  ed25519.PublicKey
	address   identifier.Address
	scope     identifier.ObjectID
	createdAt time.Time
	ttl       time.Duration

	sessionKey ed25519.PrivateKey
	boxKey     *threshold.KeyPair
	signature  []byte
}

// Create returns an unsigned credential for identity
// scoped to the contract package. ttlMinutes 0 selects
// DefaultTTLMinutes.
func (m *Manager) Create(
	identity ed25519.PublicKey,
	scope identifier.ObjectID,
	ttlMinutes int,
) (*Credential, error) {
	if ttlMinutes == 0 {
		ttlMinutes = DefaultTTLMinutes
	}
	if ttlMinutes < MinTTLMinutes || ttlMinutes > MaxTTLMinutes {
		return nil, fmt.Errorf("%w: %d minutes", ErrInvalidTTL, ttlMinutes)
	}
	addr, err := identifier.AddressFromPublicKey(identity)
	if err != nil {
		return nil, err
	}
	_, sessionKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	boxKey, err := threshold.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}

	return &Credential{
		identity:   append(ed25519.PublicKey(nil), identity...),
		address:    addr,
		scope:      scope,
		createdAt:  m.clock.Now().Truncate(time.Millisecond),
		ttl:        time.Duration(ttlMinutes) * time.Minute,
		sessionKey: sessionKey,
		boxKey:     boxKey,
	}, nil
}

// Signer is an identity holding agent able to sign a
// human readable challenge.
type Signer interface {
	PublicKey() ed25519.PublicKey
	SignPersonalMessage(msg []byte) ([]byte, error)
}

// CreateSigned runs Create, asks signer to sign the
// challenge and attaches the signature.
func (m *Manager) CreateSigned(
	signer Signer,
	scope identifier.ObjectID,
	ttlMinutes int,
) (*Credential, error) {
	cred, err := m.Create(signer.PublicKey(), scope, ttlMinutes)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignPersonalMessage(cred.Challenge())
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}
	if err := cred.AttachSignature(sig); err != nil {
		return nil, err
	}
	return cred, nil
}

func challenge(
	scope identifier.ObjectID,
	ttl time.Duration,
	createdAt time.Time,
	sessionKey ed25519.PublicKey,
	boxKey threshold.PublicKey,
) []byte {
	keys := make([]byte, 0, len(sessionKey)+len(boxKey))
	keys = append(keys, sessionKey...)
	keys = append(keys, boxKey[:]...)
	return []byte(fmt.Sprintf(
		"Accessing keys of package %s for %d mins from %s, session key %s",
		scope.Hex(),
		int(ttl/time.Minute),
		createdAt.UTC().Format("2006-01-02 15:04:05.000 UTC"),
		base64.StdEncoding.EncodeToString(keys),
	))
}

// Challenge returns the message the identity must sign.
// It names the scope, lifetime, creation time and both
// session public keys.
func (c *Credential) Challenge() []byte {
	return challenge(c.scope, c.ttl, c.createdAt, c.sessionPublic(), c.boxKey.Public)
}

// AttachSignature verifies sig over the challenge and
// stores it.
func (c *Credential) AttachSignature(sig []byte) error {
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(c.identity, c.Challenge(), sig) {
		return ErrInvalidSignature
	}
	c.signature = append([]byte(nil), sig...)
	return nil
}

// Validate fails fast before any network call.
func (c *Credential) Validate(now time.Time) error {
	if len(c.signature) == 0 {
		return sealerr.ErrCredentialUnsigned
	}
	if !now.Before(c.ExpiresAt()) {
		return fmt.Errorf("%w at %s", sealerr.ErrCredentialExpired, c.ExpiresAt().UTC().Format(time.RFC3339))
	}
	return nil
}

func (c *Credential) Signed() bool { return len(c.signature) > 0 }
func (c *Credential) Identity() ed25519.PublicKey { return c.identity }
func (c *Credential) Address() identifier.Address { return c.address }
func (c *Credential) Scope() identifier.ObjectID { return c.scope }
func (c *Credential) CreatedAt() time.Time { return c.createdAt }
func (c *Credential) TTL() time.Duration { return c.ttl }
func (c *Credential) ExpiresAt() time.Time { return c.createdAt.Add(c.ttl) }
func (c *Credential) EncryptionKey() threshold.PublicKey { return c.boxKey.Public }

func (c *Credential) sessionPublic() ed25519.PublicKey {
	return c.sessionKey.Public().(ed25519.PublicKey)
}

// OpenShare opens a key share a custodian resealed to
// this session.
func (c *Credential) OpenShare(id identifier.ID, box []byte) (threshold.Share, error) {
	return threshold.OpenShare(c.boxKey, id, box)
}
