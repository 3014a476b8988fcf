package session

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/kvstore"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
)

// Persister stores signed credentials outside the
// process. Persisting a credential writes its session
// private keys to disk, so it is opt-in.
type Persister interface {
	Save(c *Credential) error
	Load(identity ed25519.PublicKey, scope identifier.ObjectID) (*Credential, error)
	Delete(identity ed25519.PublicKey, scope identifier.ObjectID) error
}

// ErrNoCredential is returned by Persister.Load when
// nothing is stored.
var ErrNoCredential = errors.New("session: no stored credential")

type cacheKey struct {
	identity string
	scope    identifier.ObjectID
}

// Cache keeps signed credentials in memory per identity
// and scope until they expire.
type Cache struct {
	mu        sync.Mutex
	clock     clock.Clock
	entries   map[cacheKey]*Credential
	persister Persister
}

// NewCache returns an in-memory cache.
func NewCache(c clock.Clock) *Cache {
	if c == nil {
		c = clock.Real()
	}
	return &Cache{clock: c, entries: make(map[cacheKey]*Credential)}
}

// WithPersister enables persistence through p.
func (c *Cache) WithPersister(p Persister) *Cache {
	c.mu.Lock()
	c.persister = p
	c.mu.Unlock()
	return c
}

// Put stores a signed credential.
func (c *Cache) Put(cred *Credential) error {
	if err := cred.Validate(c.clock.Now()); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{string(cred.identity), cred.scope}] = cred
	if c.persister != nil {
		if err := c.persister.Save(cred); err != nil {
			return fmt.Errorf("persist credential: %w", err)
		}
	}
	return nil
}

// Get returns a still valid credential, evicting an
// expired one.
func (c *Cache) Get(identity ed25519.PublicKey, scope identifier.ObjectID) (*Credential, bool) {
	key := cacheKey{string(identity), scope}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cred, ok := c.entries[key]; ok {
		if cred.Validate(now) == nil {
			return cred, true
		}
		delete(c.entries, key)
		if c.persister != nil {
			_ = c.persister.Delete(identity, scope)
		}
		return nil, false
	}

	if c.persister == nil {
		return nil, false
	}
	cred, err := c.persister.Load(identity, scope)
	if err != nil {
		return nil, false
	}
	if cred.Validate(now) != nil {
		_ = c.persister.Delete(identity, scope)
		return nil, false
	}
	c.entries[key] = cred
	return cred, true
}

// GetOrCreate returns a cached credential or creates and
// signs a new one with signer.
func (c *Cache) GetOrCreate(
	m *Manager,
	signer Signer,
	scope identifier.ObjectID,
	ttlMinutes int,
) (*Credential, error) {
	if cred, ok := c.Get(signer.PublicKey(), scope); ok {
		return cred, nil
	}
	cred, err := m.CreateSigned(signer, scope, ttlMinutes)
	if err != nil {
		return nil, err
	}
	if err := c.Put(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// credentialRecord is the persisted form, including the
// session private keys.
type credentialRecord struct {
	Identity    []byte              `json:"identity"`
	Scope       identifier.ObjectID `json:"scope"`
	CreatedAtMs int64               `json:"created_at_ms"`
	TTLMinutes  int                 `json:"ttl_min"`
	SessionKey  []byte              `json:"session_key"`
	BoxKey      []byte              `json:"box_key"`
	Signature   []byte              `json:"signature"`
}

func marshalCredential(c *Credential) ([]byte, error) {
	return json.Marshal(credentialRecord{
		Identity:    c.identity,
		Scope:       c.scope,
		CreatedAtMs: c.createdAt.UnixMilli(),
		TTLMinutes:  int(c.ttl / time.Minute),
		SessionKey:  c.sessionKey,
		BoxKey:      c.boxKey.Private[:],
		Signature:   c.signature,
	})
}

func unmarshalCredential(b []byte) (*Credential, error) {
	var rec credentialRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	if len(rec.SessionKey) != ed25519.PrivateKeySize {
		return nil, errors.New("stored session key has wrong length")
	}
	addr, err := identifier.AddressFromPublicKey(rec.Identity)
	if err != nil {
		return nil, err
	}
	box, err := threshold.KeyPairFromPrivate(rec.BoxKey)
	if err != nil {
		return nil, err
	}
	c := &Credential{
		identity:   rec.Identity,
		address:    addr,
		scope:      rec.Scope,
		createdAt:  time.UnixMilli(rec.CreatedAtMs),
		ttl:        time.Duration(rec.TTLMinutes) * time.Minute,
		sessionKey: ed25519.PrivateKey(rec.SessionKey),
		boxKey:     box,
	}
	if err := c.AttachSignature(rec.Signature); err != nil {
		return nil, err
	}
	return c, nil
}

// KVPersister stores credentials in a kvstore.Store.
type KVPersister struct {
	Store *kvstore.Store
}

func credentialKey(identity ed25519.PublicKey, scope identifier.ObjectID) []byte {
	addr, _ := identifier.AddressFromPublicKey(identity)
	return []byte("session/" + addr.Hex() + "/" + scope.Hex())
}

// Save implements Persister.
func (p KVPersister) Save(c *Credential) error {
	b, err := marshalCredential(c)
	if err != nil {
		return err
	}
	return p.Store.Put(credentialKey(c.identity, c.scope), b)
}

// Load implements Persister.
func (p KVPersister) Load(identity ed25519.PublicKey, scope identifier.ObjectID) (*Credential, error) {
	b, err := p.Store.Get(credentialKey(identity, scope))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, err
	}
	return unmarshalCredential(b)
}

// Delete implements Persister.
func (p KVPersister) Delete(identity ed25519.PublicKey, scope identifier.ObjectID) error {
	return p.Store.Delete(credentialKey(identity, scope))
}
