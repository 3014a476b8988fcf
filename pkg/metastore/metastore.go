// Package metastore keeps opaque, non-authoritative
// metadata next to the chain: which document an
// encryption id belongs to, an append-only log of
// subscription purchases and a log of decrypt attempts.
// Nothing here grants access.
package metastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/i5heu/ouroboros-seal/pkg/kvstore"
)

var (
	// ErrNotFound is returned for unknown ids.
	ErrNotFound = errors.New("metastore: not found")

	// ErrDuplicate is returned for an unlock record whose
	// TxRef was already recorded.
	ErrDuplicate = errors.New("metastore: duplicate transaction reference")

	// ErrInvalid is returned for records missing
	// required fields.
	ErrInvalid = errors.New("metastore: invalid record")
)

// Mode names the policy kind a document was sealed
// under.
type Mode string

const (
	ModeAllowlist    Mode = "allowlist"
	ModeSubscription Mode = "subscription"
)

// UnlockRecord logs one subscription purchase.
type UnlockRecord struct {
	ID        string    `json:"id"`
	ResumeRef string    `json:"resume_ref"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Amount    uint64    `json:"amount"`
	TxRef     string    `json:"tx_ref"`
	BlockTime time.Time `json:"block_time"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessType names what an accessor tried to do.
type AccessType string

const (
	AccessView     AccessType = "view"
	AccessDownload AccessType = "download"
	AccessDecrypt  AccessType = "decrypt"
)

// AccessRecord logs one attempt to read a document,
// successful or not.
type AccessRecord struct {
	ID          string     `json:"id"`
	ResourceRef string     `json:"resource_ref"`
	Accessor    string     `json:"accessor"`
	AccessType  AccessType `json:"access_type"`
	Success     bool       `json:"success"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Document describes one published encrypted blob.
type Document struct {
	ID             string    `json:"id"`
	Owner          string    `json:"owner"`
	BlobID         string    `json:"blob_id"`
	EncryptionID   string    `json:"encryption_id"`
	PolicyObjectID string    `json:"policy_object_id"`
	Mode           Mode      `json:"mode"`
	Price          uint64    `json:"price"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists records in a kvstore.Store.
type Store struct {
	kv  *kvstore.Store
	now func() time.Time
}

// New returns a Store on kv.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv, now: time.Now}
}

func unlockKey(id string) []byte { return []byte("unlock/" + id) }
func unlockTxKey(txRef string) []byte { return []byte("unlock-tx/" + txRef) }
func unlockBuyerPrefix(buyer string) []byte { return []byte("unlock-buyer/" + strings.ToLower(buyer) + "/") }
func unlockRefPrefix(ref string) []byte { return []byte("unlock-ref/" + ref + "/") }
func documentKey(id string) []byte { return []byte("doc/" + id) }
func accessKey(id string) []byte { return []byte("access/" + id) }
func accessRefPrefix(ref string) []byte { return []byte("access-ref/" + ref + "/") }
func accessAccessorPrefix(accessor string) []byte {
	return []byte("access-accessor/" + strings.ToLower(accessor) + "/")
}

// AddUnlockRecord appends r, assigning ID, Status and
// CreatedAt when empty.
func (s *Store) AddUnlockRecord(r UnlockRecord) (UnlockRecord, error) {
	if r.ResumeRef == "" || r.Buyer == "" || r.TxRef == "" {
		return UnlockRecord{}, fmt.Errorf("%w: resume_ref, buyer and tx_ref are required", ErrInvalid)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = "confirmed"
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	existed, err := s.kv.PutIfAbsent(unlockTxKey(r.TxRef), []byte(r.ID))
	if err != nil {
		return UnlockRecord{}, err
	}
	if existed {
		return UnlockRecord{}, fmt.Errorf("%w: %s", ErrDuplicate, r.TxRef)
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return UnlockRecord{}, err
	}
	err = s.kv.PutBatch([][2][]byte{
		{unlockKey(r.ID), raw},
		{append(unlockBuyerPrefix(r.Buyer), r.ID...), nil},
		{append(unlockRefPrefix(r.ResumeRef), r.ID...), nil},
	})
	if err != nil {
		return UnlockRecord{}, err
	}
	return r, nil
}

// UnlockRecordsByBuyer returns the records of buyer,
// newest first.
func (s *Store) UnlockRecordsByBuyer(buyer string) ([]UnlockRecord, error) {
	return s.recordsByIndex(unlockBuyerPrefix(buyer))
}

// UnlockRecordsByResume returns the records of one
// document, newest first.
func (s *Store) UnlockRecordsByResume(ref string) ([]UnlockRecord, error) {
	return s.recordsByIndex(unlockRefPrefix(ref))
}

// HasUnlocked reports whether buyer has a record for
// ref.
func (s *Store) HasUnlocked(ref, buyer string) (bool, error) {
	records, err := s.UnlockRecordsByResume(ref)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if strings.EqualFold(r.Buyer, buyer) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) recordsByIndex(prefix []byte) ([]UnlockRecord, error) {
	return loadIndexed(s.kv, prefix, unlockKey, func(r UnlockRecord) time.Time { return r.CreatedAt })
}

// loadIndexed resolves every id under prefix through key
// and returns the records newest first.
func loadIndexed[T any](kv *kvstore.Store, prefix []byte, key func(string) []byte, created func(T) time.Time) ([]T, error) {
	items, err := kv.ItemsWithPrefix(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(items))
	for _, item := range items {
		id := string(item[0][len(prefix):])
		raw, err := kv.Get(key(id))
		if err != nil {
			return nil, fmt.Errorf("load record %s: %w", id, err)
		}
		var r T
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return created(out[i]).After(created(out[j])) })
	return out, nil
}

// AddAccessRecord appends r, assigning ID and CreatedAt
// when empty.
func (s *Store) AddAccessRecord(r AccessRecord) (AccessRecord, error) {
	if r.ResourceRef == "" || r.Accessor == "" {
		return AccessRecord{}, fmt.Errorf("%w: resource_ref and accessor are required", ErrInvalid)
	}
	switch r.AccessType {
	case AccessView, AccessDownload, AccessDecrypt:
	default:
		return AccessRecord{}, fmt.Errorf("%w: access_type %q", ErrInvalid, r.AccessType)
	}
	if r.Success {
		r.Error = ""
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	raw, err := json.Marshal(r)
	if err != nil {
		return AccessRecord{}, err
	}
	err = s.kv.PutBatch([][2][]byte{
		{accessKey(r.ID), raw},
		{append(accessRefPrefix(r.ResourceRef), r.ID...), nil},
		{append(accessAccessorPrefix(r.Accessor), r.ID...), nil},
	})
	if err != nil {
		return AccessRecord{}, err
	}
	return r, nil
}

// AccessRecordsByResource returns the attempts on ref,
// newest first.
func (s *Store) AccessRecordsByResource(ref string) ([]AccessRecord, error) {
	return loadIndexed(s.kv, accessRefPrefix(ref), accessKey, func(r AccessRecord) time.Time { return r.CreatedAt })
}

// AccessRecordsByAccessor returns the attempts of
// accessor, newest first.
func (s *Store) AccessRecordsByAccessor(accessor string) ([]AccessRecord, error) {
	return loadIndexed(s.kv, accessAccessorPrefix(accessor), accessKey, func(r AccessRecord) time.Time { return r.CreatedAt })
}

// AccessCount reports how many attempts on ref there
// were and how many succeeded.
func (s *Store) AccessCount(ref string) (total, succeeded int, err error) {
	records, err := s.AccessRecordsByResource(ref)
	if err != nil {
		return 0, 0, err
	}
	for _, r := range records {
		if r.Success {
			succeeded++
		}
	}
	return len(records), succeeded, nil
}

// PutDocument stores d, assigning ID and CreatedAt
// when empty.
func (s *Store) PutDocument(d Document) (Document, error) {
	if d.BlobID == "" || d.EncryptionID == "" {
		return Document{}, fmt.Errorf("%w: blob_id and encryption_id are required", ErrInvalid)
	}
	if d.Mode != ModeAllowlist && d.Mode != ModeSubscription {
		return Document{}, fmt.Errorf("%w: mode %q", ErrInvalid, d.Mode)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	} else if _, err := uuid.Parse(d.ID); err != nil {
		return Document{}, fmt.Errorf("%w: id: %v", ErrInvalid, err)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.now().UTC()
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return Document{}, err
	}
	if err := s.kv.Put(documentKey(d.ID), raw); err != nil {
		return Document{}, err
	}
	return d, nil
}

// Document returns the document with id.
func (s *Store) Document(id string) (Document, error) {
	raw, err := s.kv.Get(documentKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return d, nil
}
