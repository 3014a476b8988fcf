package session

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
)

// ErrInvalidToken is returned for request tokens that
// fail verification.
var ErrInvalidToken = errors.New("session: invalid request token")

// Certificate is the public part of a signed credential
// that accompanies every custodian request.
type Certificate struct {
	Identity      []byte              `json:"identity"`
	Scope         identifier.ObjectID `json:"scope"`
	CreatedAtMs   int64               `json:"created_at_ms"`
	TTLMinutes    int                 `json:"ttl_min"`
	SessionKey    []byte              `json:"session_key"`
	EncryptionKey threshold.PublicKey `json:"encryption_key"`
	Signature     []byte              `json:"signature"`
}

// Certificate exports the public part of c.
func (c *Credential) Certificate() (Certificate, error) {
	if !c.Signed() {
		return Certificate{}, sealerr.ErrCredentialUnsigned
	}
	return Certificate{
		Identity:      append([]byte(nil), c.identity...),
		Scope:         c.scope,
		CreatedAtMs:   c.createdAt.UnixMilli(),
		TTLMinutes:    int(c.ttl / time.Minute),
		SessionKey:    append([]byte(nil), c.sessionPublic()...),
		EncryptionKey: c.boxKey.Public,
		Signature:     append([]byte(nil), c.signature...),
	}, nil
}

// ExpiresAt returns the end of the credential lifetime.
func (cert Certificate) ExpiresAt() time.Time {
	return time.UnixMilli(cert.CreatedAtMs).Add(time.Duration(cert.TTLMinutes) * time.Minute)
}

// Address returns the account the certificate speaks
// for.
func (cert Certificate) Address() (identifier.Address, error) {
	return identifier.AddressFromPublicKey(cert.Identity)
}

// Verify checks the identity signature, the ttl bounds
// and expiry at now.
func (cert Certificate) Verify(now time.Time) error {
	if len(cert.Identity) != ed25519.PublicKeySize || len(cert.SessionKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad key length", ErrInvalidSignature)
	}
	if cert.TTLMinutes < MinTTLMinutes || cert.TTLMinutes > MaxTTLMinutes {
		return fmt.Errorf("%w: %d minutes", ErrInvalidTTL, cert.TTLMinutes)
	}
	msg := challenge(
		cert.Scope,
		time.Duration(cert.TTLMinutes)*time.Minute,
		time.UnixMilli(cert.CreatedAtMs),
		cert.SessionKey,
		cert.EncryptionKey,
	)
	if !ed25519.Verify(cert.Identity, msg, cert.Signature) {
		return ErrInvalidSignature
	}
	if !now.Before(cert.ExpiresAt()) {
		return sealerr.ErrCredentialExpired
	}
	return nil
}

// RequestClaims bind a request token to one proof and
// one custodian.
type RequestClaims struct {
	ProofDigest string `json:"proof_digest"`
	jwt.RegisteredClaims
}

// ProofDigest returns the hex sha256 of an encoded
// access proof.
func ProofDigest(proof []byte) string {
	sum := sha256.Sum256(proof)
	return hex.EncodeToString(sum[:])
}

// SignRequest issues an EdDSA request token signed by
// the session key. The token expires with the
// credential.
func (c *Credential) SignRequest(proof []byte, audience string, now time.Time) (string, error) {
	if err := c.Validate(now); err != nil {
		return "", err
	}
	claims := RequestClaims{
		ProofDigest: ProofDigest(proof),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   c.address.Hex(),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(c.sessionKey)
	if err != nil {
		return "", fmt.Errorf("sign request token: %w", err)
	}
	return signed, nil
}

// VerifyRequest is run by a custodian. It verifies the
// certificate, then the token signature against the
// certificate's session key, its audience and expiry,
// and finally that the token covers proof.
func VerifyRequest(
	token string,
	cert Certificate,
	proof []byte,
	audience string,
	now time.Time,
) (*RequestClaims, error) {
	if err := cert.Verify(now); err != nil {
		return nil, err
	}

	claims := &RequestClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) {
			return ed25519.PublicKey(cert.SessionKey), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", sealerr.ErrCredentialExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	addr, err := cert.Address()
	if err != nil {
		return nil, err
	}
	if claims.Subject != addr.Hex() {
		return nil, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	if subtle.ConstantTimeCompare([]byte(claims.ProofDigest), []byte(ProofDigest(proof))) != 1 {
		return nil, fmt.Errorf("%w: proof digest mismatch", ErrInvalidToken)
	}
	return claims, nil
}
