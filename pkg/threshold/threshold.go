// Package threshold implements the threshold encryption
// capability. A random secret is split into Shamir
// shares over edwards25519 with Feldman commitments; each
// share is sealed to one key custodian. The payload key
// is derived from the secret, so any threshold of
// consistent shares recovers the plaintext while fewer
// reveal nothing.
package threshold

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/i5heu/ouroboros-seal/pkg/envelope"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	payloadInfo = "ouroboros-seal/payload/v1"
	// ShareSize is the encoded width of a Share.
	ShareSize = 2 + 32
)

var suite = edwards25519.NewBlakeSHA256Ed25519()

// ErrInconsistentShare is returned by Verify for shares
// that do not match the envelope commitments.
var ErrInconsistentShare = errors.New("threshold: share does not match commitments")

// Custodian is the public identity of a key custodian.
type Custodian struct {
	ID        identifier.ObjectID
	PublicKey PublicKey
}

// Encrypter splits keys across a fixed custodian set.
type Encrypter struct {
	threshold  int
	custodians []Custodian
}

// NewEncrypter validates 1 <= threshold <= len(custodians)
// and that custodian ids are unique.
func NewEncrypter(threshold int, custodians []Custodian) (*Encrypter, error) {
	if len(custodians) == 0 || len(custodians) > 255 {
		return nil, fmt.Errorf("custodian count %d out of range", len(custodians))
	}
	if threshold < 1 || threshold > len(custodians) {
		return nil, fmt.Errorf("threshold %d out of range for %d custodians", threshold, len(custodians))
	}
	seen := make(map[identifier.ObjectID]struct{}, len(custodians))
	for _, c := range custodians {
		if _, dup := seen[c.ID]; dup {
			return nil, fmt.Errorf("duplicate custodian %s", c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	return &Encrypter{threshold: threshold, custodians: append([]Custodian(nil), custodians...)}, nil
}

// Threshold returns the number of shares needed.
func (e *Encrypter) Threshold() int { return e.threshold }

// Encrypt seals plaintext under id. Failures wrap
// sealerr.ErrEncryptionFailed.
func (e *Encrypter) Encrypt(id identifier.ID, plaintext []byte) (*envelope.Envelope, error) {
	env, err := e.encrypt(id, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrEncryptionFailed, err)
	}
	return env, nil
}

func (e *Encrypter) encrypt(id identifier.ID, plaintext []byte) (*envelope.Envelope, error) {
	secret := suite.Scalar().Pick(suite.RandomStream())
	poly := share.NewPriPoly(suite, e.threshold, secret, suite.RandomStream())

	env := &envelope.Envelope{Header: envelope.Header{
		ID:        id,
		Threshold: uint8(e.threshold),
	}}

	_, commits := poly.Commit(nil).Info()
	for _, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal commitment: %w", err)
		}
		var p [envelope.PointSize]byte
		copy(p[:], b)
		env.Commitments = append(env.Commitments, p)
	}

	for i, priShare := range poly.Shares(len(e.custodians)) {
		plain, err := encodeShare(priShare)
		if err != nil {
			return nil, err
		}
		sealed, err := Seal(e.custodians[i].PublicKey, plain, id[:])
		if err != nil {
			return nil, fmt.Errorf("seal share %d: %w", i, err)
		}
		env.Shares = append(env.Shares, envelope.SealedShare{
			Custodian: e.custodians[i].ID,
			Index:     uint16(priShare.I),
			Sealed:    sealed,
		})
	}

	aead, err := payloadCipher(secret, id)
	if err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, env.Nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce[:], plaintext, id[:])
	return env, nil
}

// Share is a decrypted key share as returned by a
// custodian.
type Share struct {
	Index uint16
	Value []byte
}

// DecodeShare parses index(2) || scalar(32).
func DecodeShare(b []byte) (Share, error) {
	if len(b) != ShareSize {
		return Share{}, fmt.Errorf("share must be %d bytes, got %d", ShareSize, len(b))
	}
	return Share{
		Index: binary.BigEndian.Uint16(b[:2]),
		Value: append([]byte(nil), b[2:]...),
	}, nil
}

// Bytes is the inverse of DecodeShare.
func (s Share) Bytes() []byte {
	out := make([]byte, 2, ShareSize)
	binary.BigEndian.PutUint16(out, s.Index)
	return append(out, s.Value...)
}

func encodeShare(ps *share.PriShare) ([]byte, error) {
	v, err := ps.V.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal share: %w", err)
	}
	return Share{Index: uint16(ps.I), Value: v}.Bytes(), nil
}

func commitments(h *envelope.Header) (*share.PubPoly, error) {
	points := make([]kyber.Point, 0, len(h.Commitments))
	for i, c := range h.Commitments {
		p := suite.Point()
		if err := p.UnmarshalBinary(c[:]); err != nil {
			return nil, fmt.Errorf("commitment %d: %w", i, err)
		}
		points = append(points, p)
	}
	if len(points) != int(h.Threshold) {
		return nil, fmt.Errorf("have %d commitments for threshold %d", len(points), h.Threshold)
	}
	return share.NewPubPoly(suite, nil, points), nil
}

// Verify checks s against the envelope commitments.
func Verify(h *envelope.Header, s Share) error {
	pub, err := commitments(h)
	if err != nil {
		return err
	}
	_, err = toPriShare(pub, s)
	return err
}

func toPriShare(pub *share.PubPoly, s Share) (*share.PriShare, error) {
	v := suite.Scalar()
	if err := v.UnmarshalBinary(s.Value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInconsistentShare, err)
	}
	ps := &share.PriShare{I: int(s.Index), V: v}
	if !pub.Check(ps) {
		return nil, ErrInconsistentShare
	}
	return ps, nil
}

// Decrypt verifies the shares, discarding inconsistent
// or duplicate ones, recovers the secret and opens the
// payload. Fewer than threshold valid shares yields
// sealerr.ErrThresholdNotMet; a payload that fails to
// authenticate yields sealerr.ErrDecodeError.
func Decrypt(env *envelope.Envelope, shares []Share) ([]byte, error) {
	pub, err := commitments(&env.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrDecodeError, err)
	}

	valid := make([]*share.PriShare, 0, len(shares))
	seen := make(map[uint16]struct{}, len(shares))
	for _, s := range shares {
		if _, dup := seen[s.Index]; dup {
			continue
		}
		ps, err := toPriShare(pub, s)
		if err != nil {
			continue
		}
		seen[s.Index] = struct{}{}
		valid = append(valid, ps)
	}
	t := int(env.Threshold)
	if len(valid) < t {
		return nil, fmt.Errorf(
			"%w: %d of %d consistent shares",
			sealerr.ErrThresholdNotMet, len(valid), t,
		)
	}

	secret, err := share.RecoverSecret(suite, valid, t, len(env.Shares))
	if err != nil {
		return nil, fmt.Errorf("%w: recover: %v", sealerr.ErrThresholdNotMet, err)
	}
	aead, err := payloadCipher(secret, env.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sealerr.ErrDecodeError, err)
	}
	plain, err := aead.Open(nil, env.Nonce[:], env.Ciphertext, env.ID[:])
	if err != nil {
		return nil, fmt.Errorf("%w: payload authentication failed", sealerr.ErrDecodeError)
	}
	return plain, nil
}

// Reseal is run by a custodian after the access proof
// passed: it opens the share sealed to kp and seals it
// again to the session key of the requester.
func Reseal(kp *KeyPair, id identifier.ID, sealed []byte, to PublicKey) ([]byte, error) {
	plain, err := kp.Open(sealed, id[:])
	if err != nil {
		return nil, err
	}
	if _, err := DecodeShare(plain); err != nil {
		return nil, err
	}
	return Seal(to, plain, id[:])
}

// OpenShare opens a share resealed to the session key.
func OpenShare(session *KeyPair, id identifier.ID, box []byte) (Share, error) {
	plain, err := session.Open(box, id[:])
	if err != nil {
		return Share{}, err
	}
	return DecodeShare(plain)
}

// payloadCipher derives the data key bound to id.
func payloadCipher(secret kyber.Scalar, id identifier.ID) (cipher.AEAD, error) {
	raw, err := secret.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal secret: %w", err)
	}
	info := append([]byte(payloadInfo), id[:]...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive payload key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}
