package blobstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	rs "github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/blake2b"
)

// Slice is one Reed-Solomon shard of a blob.
type Slice struct {
	Index        uint8
	DataSlices   uint8
	ParitySlices uint8
	OriginalSize uint64
	Checksum     [32]byte
	Payload      []byte
}

const sliceHeaderSize = 3 + 8 + 32

var errCorruptSlice = errors.New("blobstore: corrupt slice")

// encodeSlices splits data into k data and p parity
// slices.
func encodeSlices(blobID string, data []byte, k, p uint8) ([]Slice, error) { // PA
	if k == 0 {
		return nil, fmt.Errorf("erasure: k (data shards) must be > 0")
	}
	enc, err := rs.New(int(k), int(p))
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}
	// Split refuses empty input.
	padded := data
	if len(padded) == 0 {
		padded = []byte{0}
	}
	shards, err := enc.Split(padded)
	if err != nil {
		return nil, fmt.Errorf("erasure: split: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("erasure: encode shards: %w", err)
	}

	out := make([]Slice, 0, len(shards))
	for i, shard := range shards {
		s := Slice{
			Index:        uint8(i),
			DataSlices:   k,
			ParitySlices: p,
			OriginalSize: uint64(len(data)),
			Payload:      append([]byte(nil), shard...),
		}
		s.Checksum = s.checksum(blobID)
		out = append(out, s)
	}
	return out, nil
}

// decodeSlices rebuilds the blob from at least k intact
// slices. Slices failing their checksum are dropped.
func decodeSlices(blobID string, slices []Slice) ([]byte, error) { // PA
	if len(slices) == 0 {
		return nil, fmt.Errorf("erasure: no slices")
	}
	k := int(slices[0].DataSlices)
	p := int(slices[0].ParitySlices)
	if k == 0 {
		return nil, fmt.Errorf("erasure: invalid k/p")
	}
	enc, err := rs.New(k, p)
	if err != nil {
		return nil, fmt.Errorf("erasure: new encoder: %w", err)
	}

	shards := make([][]byte, k+p)
	originalSize := slices[0].OriginalSize
	for _, s := range slices {
		if int(s.Index) >= k+p || s.checksum(blobID) != s.Checksum {
			continue
		}
		shards[s.Index] = append([]byte(nil), s.Payload...)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("erasure: reconstruct: %w", err)
	}

	var out bytes.Buffer
	if err := enc.Join(&out, shards, int(originalSize)); err != nil {
		return nil, fmt.Errorf("erasure: join: %w", err)
	}
	return out.Bytes(), nil
}

// checksum = blake2b(blobID || index || k || p || payload)
func (s Slice) checksum(blobID string) [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(blobID))
	h.Write([]byte{s.Index, s.DataSlices, s.ParitySlices})
	h.Write(s.Payload)
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func (s Slice) marshal() []byte {
	buf := make([]byte, sliceHeaderSize, sliceHeaderSize+len(s.Payload))
	buf[0], buf[1], buf[2] = s.Index, s.DataSlices, s.ParitySlices
	binary.BigEndian.PutUint64(buf[3:11], s.OriginalSize)
	copy(buf[11:sliceHeaderSize], s.Checksum[:])
	return append(buf, s.Payload...)
}

func unmarshalSlice(b []byte) (Slice, error) {
	if len(b) < sliceHeaderSize {
		return Slice{}, errCorruptSlice
	}
	s := Slice{
		Index:        b[0],
		DataSlices:   b[1],
		ParitySlices: b[2],
		OriginalSize: binary.BigEndian.Uint64(b[3:11]),
		Payload:      append([]byte(nil), b[sliceHeaderSize:]...),
	}
	copy(s.Checksum[:], b[11:sliceHeaderSize])
	return s, nil
}
