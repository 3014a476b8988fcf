package threshold

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the X25519 key width.
	KeySize = curve25519.PointSize

	boxInfo = "ouroboros-seal/box/v1"
)

// ErrOpen is returned when a sealed box fails
// authentication.
var ErrOpen = errors.New("threshold: sealed box authentication failed")

// PublicKey is an X25519 public key.
type PublicKey [KeySize]byte

// Hex returns the lowercase hex form.
func (p PublicKey) Hex() string { return hex.EncodeToString(p[:]) }

// MarshalText implements encoding.TextMarshaler.
func (p PublicKey) MarshalText() ([]byte, error) { return []byte(p.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PublicKey) UnmarshalText(b []byte) error {
	parsed, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePublicKey decodes a hex public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var p PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return p, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != KeySize {
		return p, fmt.Errorf("public key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(p[:], b)
	return p, nil
}

// KeyPair is an X25519 key pair used by custodians and
// by session credentials to receive sealed shares.
type KeyPair struct {
	Private [KeySize]byte
	Public  PublicKey
}

// GenerateKeyPair returns a fresh key pair.
func GenerateKeyPair() (*KeyPair, error) {
	return generateKeyPair(rand.Reader)
}

func generateKeyPair(r io.Reader) (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(r, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// KeyPairFromPrivate rebuilds a key pair from its
// private half.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", KeySize, len(priv))
	}
	kp := &KeyPair{}
	copy(kp.Private[:], priv)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Seal encrypts msg to recipient. The output is
// ephemeralPub(32) || nonce(24) || ciphertext and aad
// must be presented again to Open.
func Seal(recipient PublicKey, msg, aad []byte) ([]byte, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(eph.Private[:], recipient[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	aead, err := boxCipher(shared, eph.Public, recipient)
	if err != nil {
		return nil, err
	}

	out := make([]byte, boxHeader, boxHeader+len(msg)+aead.Overhead())
	copy(out, eph.Public[:])
	nonce := out[KeySize:boxHeader]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return aead.Seal(out, nonce, msg, aad), nil
}

// Open decrypts a box produced by Seal for kp.
func (kp *KeyPair) Open(box, aad []byte) ([]byte, error) {
	if len(box) < boxHeader+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: box too short", ErrOpen)
	}
	var eph PublicKey
	copy(eph[:], box[:KeySize])
	shared, err := curve25519.X25519(kp.Private[:], eph[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	aead, err := boxCipher(shared, eph, kp.Public)
	if err != nil {
		return nil, err
	}
	msg, err := aead.Open(nil, box[KeySize:boxHeader], box[boxHeader:], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return msg, nil
}

const boxHeader = KeySize + chacha20poly1305.NonceSizeX

// boxCipher derives the box key with
// HKDF-SHA256(shared, eph || recipient, boxInfo).
func boxCipher(shared []byte, eph, recipient PublicKey) (cipher.AEAD, error) {
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, eph[:]...)
	salt = append(salt, recipient[:]...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(boxInfo)), key); err != nil {
		return nil, fmt.Errorf("derive box key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}
