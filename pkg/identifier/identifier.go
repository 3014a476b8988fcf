// Package identifier provides the fixed-width object and
// address types used on chain and builds encryption ids
// that bind a ciphertext to a policy object.
package identifier

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// ObjectIDSize is the width of an on-chain object id.
	ObjectIDSize = 32
	// NonceSize is the number of random bytes appended to
	// a policy object id to form an encryption id.
	NonceSize = 5
	// IDSize is the full encryption id width.
	IDSize = ObjectIDSize + NonceSize

	// ed25519AddressFlag is the signature scheme flag
	// hashed in front of the public key.
	ed25519AddressFlag = 0x00
)

// ObjectID identifies an on-chain object.
type ObjectID [ObjectIDSize]byte // A

// Address identifies an account on chain.
type Address [ObjectIDSize]byte // A

// ID is an encryption identifier:
// policyObjectID(32) || nonce(5).
type ID [IDSize]byte // A

// New derives a fresh encryption id for the given policy
// object using crypto/rand. An error here means the
// system RNG is unavailable and must be treated as fatal.
func New(policy ObjectID) (ID, error) { // A
	return NewWithReader(policy, rand.Reader)
}

// NewWithReader is New with an explicit randomness
// source.
func NewWithReader( // A
	policy ObjectID,
	r io.Reader,
) (ID, error) {
	var id ID
	copy(id[:ObjectIDSize], policy[:])
	if _, err := io.ReadFull(r, id[ObjectIDSize:]); err != nil {
		return ID{}, fmt.Errorf("read nonce: %w", err)
	}
	return id, nil
}

// PolicyObjectID returns the policy object the id is
// bound to.
func (id ID) PolicyObjectID() ObjectID { // A
	var o ObjectID
	copy(o[:], id[:ObjectIDSize])
	return o
}

// Nonce returns the random suffix.
func (id ID) Nonce() [NonceSize]byte { // A
	var n [NonceSize]byte
	copy(n[:], id[ObjectIDSize:])
	return n
}

// HasPrefix reports whether the id is bound to the
// given policy object.
func (id ID) HasPrefix(policy ObjectID) bool { // A
	return subtle.ConstantTimeCompare(
		id[:ObjectIDSize],
		policy[:],
	) == 1
}

// Bytes returns a copy of the raw id.
func (id ID) Bytes() []byte { // A
	b := make([]byte, IDSize)
	copy(b, id[:])
	return b
}

// Hex returns the lowercase hex form without prefix,
// which is how ids are stored at rest.
func (id ID) Hex() string { // A
	return hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id ID) String() string { // A
	return id.Hex()
}

// IDFromBytes copies b into an ID after checking its
// length.
func IDFromBytes(b []byte) (ID, error) { // A
	if len(b) != IDSize {
		return ID{}, fmt.Errorf(
			"invalid id length: expected %d, got %d",
			IDSize, len(b),
		)
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// ParseID decodes a hex encoded id, with or without a
// 0x prefix.
func ParseID(s string) (ID, error) { // A
	b, err := decodeHex(s, IDSize)
	if err != nil {
		return ID{}, err
	}
	return IDFromBytes(b)
}

// ParseObjectID decodes a 0x prefixed or bare hex object
// id.
func ParseObjectID(s string) (ObjectID, error) { // A
	b, err := decodeHex(s, ObjectIDSize)
	if err != nil {
		return ObjectID{}, err
	}
	var o ObjectID
	copy(o[:], b)
	return o, nil
}

// RandomObjectID returns a random object id. Used by the
// in-memory ledger when minting objects.
func RandomObjectID() (ObjectID, error) { // A
	var o ObjectID
	if _, err := rand.Read(o[:]); err != nil {
		return ObjectID{}, fmt.Errorf("read object id: %w", err)
	}
	return o, nil
}

// IsZero reports whether the id is unset.
func (o ObjectID) IsZero() bool { // A
	return o == ObjectID{}
}

// Equal compares two object ids in constant time.
func (o ObjectID) Equal(other ObjectID) bool { // A
	return subtle.ConstantTimeCompare(o[:], other[:]) == 1
}

// Hex returns the 0x prefixed hex form.
func (o ObjectID) Hex() string { // A
	return "0x" + hex.EncodeToString(o[:])
}

// String implements fmt.Stringer.
func (o ObjectID) String() string { // A
	return o.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (o ObjectID) MarshalText() ([]byte, error) { // A
	return []byte(o.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *ObjectID) UnmarshalText(b []byte) error { // A
	parsed, err := ParseObjectID(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// AddressFromPublicKey derives the account address of an
// ed25519 public key as blake2b-256(flag || pubkey).
func AddressFromPublicKey( // A
	pub ed25519.PublicKey,
) (Address, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Address{}, fmt.Errorf(
			"invalid public key length: expected %d, got %d",
			ed25519.PublicKeySize, len(pub),
		)
	}
	var buf bytes.Buffer
	buf.WriteByte(ed25519AddressFlag)
	buf.Write(pub)
	return Address(blake2b.Sum256(buf.Bytes())), nil
}

// ParseAddress decodes a 0x prefixed or bare hex
// address.
func ParseAddress(s string) (Address, error) { // A
	b, err := decodeHex(s, ObjectIDSize)
	if err != nil {
		return Address{}, err
	}
	var a Address
	copy(a[:], b)
	return a, nil
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { // A
	return a == Address{}
}

// Hex returns the 0x prefixed hex form.
func (a Address) Hex() string { // A
	return "0x" + hex.EncodeToString(a[:])
}

// String implements fmt.Stringer.
func (a Address) String() string { // A
	return a.Hex()
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { // A
	return []byte(a.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error { // A
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func decodeHex(s string, size int) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(trimmed) != size*2 {
		return nil, fmt.Errorf(
			"invalid hex length: expected %d, got %d",
			size*2, len(trimmed),
		)
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return b, nil
}
