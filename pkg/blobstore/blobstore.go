// Package blobstore is the blob storage capability. Blobs
// are content addressed: the id is derived from the bytes,
// so storing the same ciphertext twice yields the same id
// and reports it as already certified.
package blobstore

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/kvstore"
	"golang.org/x/crypto/blake2b"
)

// ErrNotFound is returned for unknown blob ids.
var ErrNotFound = errors.New("blobstore: blob not found")

const (
	DefaultDataSlices   = 4
	DefaultParitySlices = 2
	DefaultEpochs       = 1
)

// PutResult reports the stored blob.
type PutResult struct {
	BlobID           string
	AlreadyCertified bool
}

// Info describes a stored blob.
type Info struct {
	BlobID    string
	Size      uint64
	Epochs    uint32
	CreatedAt time.Time
}

// Store stores and returns opaque blobs.
type Store interface {
	Put(ctx context.Context, data []byte, epochs uint32) (PutResult, error)
	Get(ctx context.Context, blobID string) ([]byte, error)
	Info(ctx context.Context, blobID string) (Info, error)
}

// BlobID derives the content address of data.
func BlobID(data []byte) string {
	sum := blake2b.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// LocalConfig configures a Local store.
type LocalConfig struct {
	Store        *kvstore.Store
	DataSlices   uint8
	ParitySlices uint8
	Logger       *slog.Logger
}

// Local keeps blobs as Reed-Solomon slices in a
// kvstore.Store, so single corrupt or lost slices do not
// lose the blob.
type Local struct {
	kv   *kvstore.Store
	k, p uint8
	log  *slog.Logger
	now  func() time.Time
}

// NewLocal returns a Local store.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Store == nil {
		return nil, errors.New("kv store must not be nil")
	}
	if cfg.DataSlices == 0 {
		cfg.DataSlices = DefaultDataSlices
	}
	if cfg.ParitySlices == 0 {
		cfg.ParitySlices = DefaultParitySlices
	}
	if int(cfg.DataSlices)+int(cfg.ParitySlices) > 256 {
		return nil, fmt.Errorf("too many slices: %d+%d", cfg.DataSlices, cfg.ParitySlices)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Local{kv: cfg.Store, k: cfg.DataSlices, p: cfg.ParitySlices, log: cfg.Logger, now: time.Now}, nil
}

func metaKey(id string) []byte { return []byte("blob/" + id + "/meta") }

func sliceKey(id string, i uint8) []byte {
	return []byte(fmt.Sprintf("blob/%s/slice/%03d", id, i))
}

func slicePrefix(id string) []byte { return []byte("blob/" + id + "/slice/") }

// meta = size u64 || epochs u32 || created unix ms i64
func encodeMeta(info Info) []byte {
	b := make([]byte, 20)
	binary.BigEndian.PutUint64(b[0:8], info.Size)
	binary.BigEndian.PutUint32(b[8:12], info.Epochs)
	binary.BigEndian.PutUint64(b[12:20], uint64(info.CreatedAt.UnixMilli()))
	return b
}

func decodeMeta(id string, b []byte) (Info, error) {
	if len(b) != 20 {
		return Info{}, fmt.Errorf("blobstore: corrupt meta for %s", id)
	}
	return Info{
		BlobID:    id,
		Size:      binary.BigEndian.Uint64(b[0:8]),
		Epochs:    binary.BigEndian.Uint32(b[8:12]),
		CreatedAt: time.UnixMilli(int64(binary.BigEndian.Uint64(b[12:20]))),
	}, nil
}

// Put implements Store.
func (l *Local) Put(ctx context.Context, data []byte, epochs uint32) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}
	if epochs == 0 {
		epochs = DefaultEpochs
	}
	id := BlobID(data)
	if ok, err := l.kv.Has(metaKey(id)); err != nil {
		return PutResult{}, err
	} else if ok {
		return PutResult{BlobID: id, AlreadyCertified: true}, nil
	}

	slices, err := encodeSlices(id, data, l.k, l.p)
	if err != nil {
		return PutResult{}, err
	}
	batch := make([][2][]byte, 0, len(slices))
	for _, s := range slices {
		batch = append(batch, [2][]byte{sliceKey(id, s.Index), s.marshal()})
	}
	if err := l.kv.PutBatch(batch); err != nil {
		return PutResult{}, fmt.Errorf("store slices: %w", err)
	}
	info := Info{BlobID: id, Size: uint64(len(data)), Epochs: epochs, CreatedAt: l.now()}
	existed, err := l.kv.PutIfAbsent(metaKey(id), encodeMeta(info))
	if err != nil {
		return PutResult{}, fmt.Errorf("store meta: %w", err)
	}
	l.log.Debug("stored blob", "blob", id, "size", len(data), "slices", len(slices))
	return PutResult{BlobID: id, AlreadyCertified: existed}, nil
}

// Get implements Store.
func (l *Local) Get(ctx context.Context, blobID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := l.Info(ctx, blobID); err != nil {
		return nil, err
	}
	items, err := l.kv.ItemsWithPrefix(slicePrefix(blobID))
	if err != nil {
		return nil, err
	}
	slices := make([]Slice, 0, len(items))
	for _, kv := range items {
		s, err := unmarshalSlice(kv[1])
		if err != nil {
			l.log.Warn("skipping corrupt slice", "key", string(kv[0]))
			continue
		}
		slices = append(slices, s)
	}
	data, err := decodeSlices(blobID, slices)
	if err != nil {
		return nil, err
	}
	if BlobID(data) != blobID {
		return nil, fmt.Errorf("blobstore: content of %s does not match its id", blobID)
	}
	return data, nil
}

// Info implements Store.
func (l *Local) Info(ctx context.Context, blobID string) (Info, error) {
	raw, err := l.kv.Get(metaKey(blobID))
	if errors.Is(err, kvstore.ErrNotFound) {
		return Info{}, ErrNotFound
	}
	if err != nil {
		return Info{}, err
	}
	return decodeMeta(blobID, raw)
}
