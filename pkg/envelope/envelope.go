// Package envelope defines the ciphertext wire format
// stored in blob storage. The header carries everything
// a viewer needs before contacting key custodians: the
// encryption id, the threshold, the share commitments
// and one sealed share per custodian.
package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-seal/pkg/identifier"
)

const (
	currentVersion = 1

	// PointSize is the width of a commitment point.
	PointSize = 32
	// NonceSize is the XChaCha20-Poly1305 nonce width.
	NonceSize = 24

	maxShares = 255
)

var magic = [4]byte{'O', 'S', 'E', '1'}

// ErrMalformed wraps every parse failure.
var ErrMalformed = errors.New("envelope: malformed")

// SealedShare is one custodian's encrypted key share.
type SealedShare struct { // A
	Custodian identifier.ObjectID
	// Index is the zero based share index.
	Index  uint16
	Sealed []byte
}

// Header is the parseable prefix of an envelope.
type Header struct { // A
	ID          identifier.ID
	Threshold   uint8
	Commitments [][PointSize]byte
	Shares      []SealedShare
}

// ShareFor returns the share sealed to custodian.
func (h *Header) ShareFor( // A
	custodian identifier.ObjectID,
) (SealedShare, bool) {
	for _, s := range h.Shares {
		if s.Custodian == custodian {
			return s, true
		}
	}
	return SealedShare{}, false
}

// Envelope is a complete encrypted object.
type Envelope struct { // A
	Header
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// Marshal serializes env into its wire form.
func Marshal(env *Envelope) ([]byte, error) { // A
	if env == nil {
		return nil, errors.New("envelope must not be nil")
	}
	if len(env.Commitments) > maxShares {
		return nil, fmt.Errorf("too many commitments: %d", len(env.Commitments))
	}
	if len(env.Shares) > maxShares {
		return nil, fmt.Errorf("too many shares: %d", len(env.Shares))
	}
	if env.Threshold == 0 || int(env.Threshold) > len(env.Shares) {
		return nil, fmt.Errorf(
			"threshold %d out of range for %d shares",
			env.Threshold, len(env.Shares),
		)
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(currentVersion)
	writeU16(&buf, identifier.IDSize)
	buf.Write(env.ID[:])
	buf.WriteByte(env.Threshold)

	buf.WriteByte(byte(len(env.Commitments)))
	for _, c := range env.Commitments {
		buf.Write(c[:])
	}

	buf.WriteByte(byte(len(env.Shares)))
	for _, s := range env.Shares {
		buf.Write(s.Custodian[:])
		writeU16(&buf, s.Index)
		writeU32(&buf, uint32(len(s.Sealed)))
		buf.Write(s.Sealed)
	}

	buf.Write(env.Nonce[:])
	buf.Write(env.Ciphertext)
	return buf.Bytes(), nil
}

// ParseHeader decodes only the header.
func ParseHeader(data []byte) (*Header, error) { // A
	h, _, err := parseHeader(data)
	return h, err
}

// Parse decodes a complete envelope.
func Parse(data []byte) (*Envelope, error) { // A
	h, offset, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data[offset:]) < NonceSize {
		return nil, fmt.Errorf("%w: missing nonce", ErrMalformed)
	}
	env := &Envelope{Header: *h}
	copy(env.Nonce[:], data[offset:offset+NonceSize])
	offset += NonceSize
	env.Ciphertext = append([]byte(nil), data[offset:]...)
	return env, nil
}

type reader struct { // A
	data   []byte
	offset int
}

func (r *reader) take(n int, what string) ([]byte, error) { // A
	if n < 0 || len(r.data)-r.offset < n {
		return nil, fmt.Errorf("%w: %s truncated", ErrMalformed, what)
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

func (r *reader) u8(what string) (byte, error) { // A
	b, err := r.take(1, what)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16(what string) (uint16, error) { // A
	b, err := r.take(2, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32(what string) (uint32, error) { // A
	b, err := r.take(4, what)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func parseHeader(data []byte) (*Header, int, error) { // A
	r := &reader{data: data}

	m, err := r.take(len(magic), "magic")
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(m, magic[:]) {
		return nil, 0, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	version, err := r.u8("version")
	if err != nil {
		return nil, 0, err
	}
	if version != currentVersion {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrMalformed, version)
	}

	idLen, err := r.u16("id length")
	if err != nil {
		return nil, 0, err
	}
	idBytes, err := r.take(int(idLen), "id")
	if err != nil {
		return nil, 0, err
	}
	id, err := identifier.IDFromBytes(idBytes)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	h := &Header{ID: id}
	if h.Threshold, err = r.u8("threshold"); err != nil {
		return nil, 0, err
	}

	count, err := r.u8("commitment count")
	if err != nil {
		return nil, 0, err
	}
	for i := 0; i < int(count); i++ {
		p, err := r.take(PointSize, "commitment")
		if err != nil {
			return nil, 0, err
		}
		var c [PointSize]byte
		copy(c[:], p)
		h.Commitments = append(h.Commitments, c)
	}

	if count, err = r.u8("share count"); err != nil {
		return nil, 0, err
	}
	for i := 0; i < int(count); i++ {
		s, err := parseShare(r)
		if err != nil {
			return nil, 0, fmt.Errorf("share %d: %w", i, err)
		}
		h.Shares = append(h.Shares, s)
	}

	if h.Threshold == 0 || int(h.Threshold) > len(h.Shares) {
		return nil, 0, fmt.Errorf(
			"%w: threshold %d with %d shares",
			ErrMalformed, h.Threshold, len(h.Shares),
		)
	}
	return h, r.offset, nil
}

func parseShare(r *reader) (SealedShare, error) { // A
	var s SealedShare
	c, err := r.take(identifier.ObjectIDSize, "custodian id")
	if err != nil {
		return s, err
	}
	copy(s.Custodian[:], c)
	if s.Index, err = r.u16("share index"); err != nil {
		return s, err
	}
	n, err := r.u32("sealed length")
	if err != nil {
		return s, err
	}
	sealed, err := r.take(int(n), "sealed share")
	if err != nil {
		return s, err
	}
	s.Sealed = append([]byte(nil), sealed...)
	return s, nil
}

func writeU16(buf *bytes.Buffer, v uint16) { // A
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) { // A
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}
