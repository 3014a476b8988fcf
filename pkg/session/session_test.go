package session

import (
	"errors"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/clock"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/kvstore"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/i5heu/ouroboros-seal/pkg/threshold"
	"github.com/i5heu/ouroboros-seal/pkg/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var scope = identifier.ObjectID{0x5E}

func newWallet(t *testing.T) *wallet.Wallet {
	t.Helper()
	w, err := wallet.Generate()
	require.NoError(t, err)
	return w
}

func TestCreateDefaultsAndBounds(t *testing.T) {
	m := NewManager(clock.NewFake(time.Now()))
	w := newWallet(t)

	c, err := m.Create(w.PublicKey(), scope, 0)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, c.TTL())
	assert.False(t, c.Signed())

	for _, bad := range []int{-1, 31, 1000} {
		_, err := m.Create(w.PublicKey(), scope, bad)
		assert.ErrorIs(t, err, ErrInvalidTTL)
	}
	for _, ok := range []int{1, 30} {
		_, err := m.Create(w.PublicKey(), scope, ok)
		assert.NoError(t, err)
	}
}

func TestUnsignedAndBadSignature(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := NewManager(clk)
	w := newWallet(t)
	other := newWallet(t)

	c, err := m.Create(w.PublicKey(), scope, 5)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Validate(clk.Now()), sealerr.ErrCredentialUnsigned)

	_, err = c.Certificate()
	assert.ErrorIs(t, err, sealerr.ErrCredentialUnsigned)

	sig, _ := other.SignPersonalMessage(c.Challenge())
	assert.ErrorIs(t, c.AttachSignature(sig), ErrInvalidSignature)
	assert.False(t, c.Signed())

	sig, _ = w.SignPersonalMessage(c.Challenge())
	require.NoError(t, c.AttachSignature(sig))
	assert.NoError(t, c.Validate(clk.Now()))
}

func TestChallengeNamesScopeAndTTL(t *testing.T) {
	m := NewManager(clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)))
	c, err := m.Create(newWallet(t).PublicKey(), scope, 7)
	require.NoError(t, err)
	msg := string(c.Challenge())
	assert.Contains(t, msg, scope.Hex())
	assert.Contains(t, msg, "for 7 mins")
	assert.Contains(t, msg, "2025-03-01 12:00:00.000 UTC")
}

func TestExpiryBoundary(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ttl := rapid.IntRange(MinTTLMinutes, MaxTTLMinutes).Draw(rt, "ttl")
		start := time.UnixMilli(rapid.Int64Range(0, 1<<42).Draw(rt, "start"))
		clk := clock.NewFake(start)
		w, err := wallet.Generate()
		require.NoError(rt, err)

		c, err := NewManager(clk).CreateSigned(w, scope, ttl)
		require.NoError(rt, err)

		clk.Set(c.ExpiresAt().Add(-time.Millisecond))
		if err := c.Validate(clk.Now()); err != nil {
			rt.Fatalf("valid credential rejected: %v", err)
		}
		clk.Set(c.ExpiresAt())
		if err := c.Validate(clk.Now()); !errors.Is(err, sealerr.ErrCredentialExpired) {
			rt.Fatalf("expired credential accepted: %v", err)
		}
	})
}

func TestRequestTokenRoundTrip(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c, err := NewManager(clk).CreateSigned(newWallet(t), scope, 10)
	require.NoError(t, err)
	cert, err := c.Certificate()
	require.NoError(t, err)
	proof := []byte("encoded proof")

	token, err := c.SignRequest(proof, "custodian-1", clk.Now())
	require.NoError(t, err)

	claims, err := VerifyRequest(token, cert, proof, "custodian-1", clk.Now())
	require.NoError(t, err)
	assert.Equal(t, c.Address().Hex(), claims.Subject)

	_, err = VerifyRequest(token, cert, []byte("other proof"), "custodian-1", clk.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = VerifyRequest(token, cert, proof, "custodian-2", clk.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = VerifyRequest(token, cert, proof, "custodian-1", clk.Now().Add(11*time.Minute))
	assert.ErrorIs(t, err, sealerr.ErrCredentialExpired)

	forged := cert
	forged.TTLMinutes = 30
	_, err = VerifyRequest(token, forged, proof, "custodian-1", clk.Now())
	assert.ErrorIs(t, err, ErrInvalidSignature)

	other, err := NewManager(clk).CreateSigned(newWallet(t), scope, 10)
	require.NoError(t, err)
	otherToken, err := other.SignRequest(proof, "custodian-1", clk.Now())
	require.NoError(t, err)
	_, err = VerifyRequest(otherToken, cert, proof, "custodian-1", clk.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSignRequestRejectsExpired(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c, err := NewManager(clk).CreateSigned(newWallet(t), scope, 1)
	require.NoError(t, err)
	_, err = c.SignRequest(nil, "x", clk.Now().Add(2*time.Minute))
	assert.ErrorIs(t, err, sealerr.ErrCredentialExpired)
}

func TestOpenShareUsesSessionKey(t *testing.T) {
	clk := clock.NewFake(time.Now())
	c, err := NewManager(clk).CreateSigned(newWallet(t), scope, 10)
	require.NoError(t, err)
	id, err := identifier.New(scope)
	require.NoError(t, err)

	share := threshold.Share{Index: 3, Value: make([]byte, 32)}
	box, err := threshold.Seal(c.EncryptionKey(), share.Bytes(), id[:])
	require.NoError(t, err)

	got, err := c.OpenShare(id, box)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), got.Index)
}

func TestCacheEvictsExpired(t *testing.T) {
	clk := clock.NewFake(time.Now())
	m := NewManager(clk)
	cache := NewCache(clk)
	w := newWallet(t)

	first, err := cache.GetOrCreate(m, w, scope, 2)
	require.NoError(t, err)
	again, err := cache.GetOrCreate(m, w, scope, 2)
	require.NoError(t, err)
	assert.Same(t, first, again)

	clk.Advance(2 * time.Minute)
	_, ok := cache.Get(w.PublicKey(), scope)
	assert.False(t, ok)

	fresh, err := cache.GetOrCreate(m, w, scope, 2)
	require.NoError(t, err)
	assert.NotSame(t, first, fresh)
}

func TestKVPersisterSurvivesNewCache(t *testing.T) {
	store, err := kvstore.Open(kvstore.Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	clk := clock.NewFake(time.Now())
	w := newWallet(t)
	c, err := NewManager(clk).CreateSigned(w, scope, 10)
	require.NoError(t, err)

	require.NoError(t, NewCache(clk).WithPersister(KVPersister{Store: store}).Put(c))

	restored, ok := NewCache(clk).WithPersister(KVPersister{Store: store}).Get(w.PublicKey(), scope)
	require.True(t, ok)
	assert.Equal(t, c.Address(), restored.Address())
	assert.Equal(t, c.EncryptionKey(), restored.EncryptionKey())
	assert.Equal(t, c.Challenge(), restored.Challenge())

	_, ok = NewCache(clk).Get(w.PublicKey(), scope)
	assert.False(t, ok, "cache without persister must not see stored credentials")

	clk.Advance(10 * time.Minute)
	_, ok = NewCache(clk).WithPersister(KVPersister{Store: store}).Get(w.PublicKey(), scope)
	assert.False(t, ok)
	_, err = KVPersister{Store: store}.Load(w.PublicKey(), scope)
	assert.ErrorIs(t, err, ErrNoCredential)
}
