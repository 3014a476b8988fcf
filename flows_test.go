package seal

import (
	"testing"
	"time"

	"github.com/i5heu/ouroboros-seal/pkg/policy"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowlistMemberDecrypts(t *testing.T) {
	h := newHarness(t, 3, 0)

	ref, err := h.client.CreateAllowlist(h.ctx, h.alice, "readers")
	require.NoError(t, err)
	require.NoError(t, h.client.AddMember(h.ctx, h.alice, ref, h.bob.Address()))

	pub, err := h.client.Encrypt(h.ctx, []byte("quarterly numbers"), ref.ID)
	require.NoError(t, err)
	require.True(t, pub.ID.HasPrefix(ref.ID))
	require.NoError(t, h.client.PublishBlob(h.ctx, h.alice, ref, pub.BlobID))

	lists, err := h.client.ListAllowlists(h.ctx, h.alice.Address())
	require.NoError(t, err)
	require.Len(t, lists, 1)
	assert.Equal(t, []string{pub.BlobID}, lists[0].Blobs)
	assert.True(t, lists[0].Permits(h.bob.Address()))

	cred, err := h.client.Session(h.bob)
	require.NoError(t, err)
	plain, err := h.client.Decrypt(h.ctx, pub.BlobID, cred, policy.AllowlistPolicy{AllowlistID: ref.ID})
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", string(plain))
}

func TestAllowlistNonMemberDenied(t *testing.T) {
	h := newHarness(t, 3, 0)

	ref, err := h.client.CreateAllowlist(h.ctx, h.alice, "readers")
	require.NoError(t, err)
	pub, err := h.client.Encrypt(h.ctx, []byte("private"), ref.ID)
	require.NoError(t, err)

	cred, err := h.client.Session(h.bob)
	require.NoError(t, err)
	_, err = h.client.Decrypt(h.ctx, pub.BlobID, cred, policy.AllowlistPolicy{AllowlistID: ref.ID})
	require.ErrorIs(t, err, sealerr.ErrNoAccess)
}

func TestRemovedMemberLosesAccess(t *testing.T) {
	h := newHarness(t, 2, 0)

	ref, err := h.client.CreateAllowlist(h.ctx, h.alice, "readers")
	require.NoError(t, err)
	require.NoError(t, h.client.AddMember(h.ctx, h.alice, ref, h.bob.Address()))
	pub, err := h.client.Encrypt(h.ctx, []byte("draft"), ref.ID)
	require.NoError(t, err)

	p := policy.AllowlistPolicy{AllowlistID: ref.ID}
	cred, err := h.client.Session(h.bob)
	require.NoError(t, err)
	_, err = h.client.Decrypt(h.ctx, pub.BlobID, cred, p)
	require.NoError(t, err)

	require.NoError(t, h.client.RemoveMember(h.ctx, h.alice, ref, h.bob.Address()))
	_, err = h.client.Decrypt(h.ctx, pub.BlobID, cred, p)
	require.ErrorIs(t, err, sealerr.ErrNoAccess)
}

func TestNonOwnerCannotAddMembers(t *testing.T) {
	h := newHarness(t, 1, 0)

	ref, err := h.client.CreateAllowlist(h.ctx, h.alice, "readers")
	require.NoError(t, err)
	err = h.client.AddMember(h.ctx, h.bob, ref, h.bob.Address())
	require.Error(t, err)
}

func TestCreateAllowlistWaitsForIndex(t *testing.T) {
	h := newHarness(t, 1, 3)

	ref, err := h.client.CreateAllowlist(h.ctx, h.alice, "lagging")
	require.NoError(t, err)
	assert.False(t, ref.ID.IsZero())
	assert.False(t, ref.CapID.IsZero())
}

func TestCreateAllowlistIndexingTimeoutKeepsIDs(t *testing.T) {
	h := newHarness(t, 1, 100)

	ref, err := h.client.CreateAllowlist(h.ctx, h.alice, "stuck")
	require.ErrorIs(t, err, sealerr.ErrIndexingTimeout)
	assert.False(t, ref.ID.IsZero(), "the allowlist exists even though it is not indexed")
}

func TestSubscriptionPurchaseAndDecrypt(t *testing.T) {
	h := newHarness(t, 3, 2)

	serviceID, err := h.client.CreateService(h.ctx, h.alice, 25, time.Hour, "newsletter")
	require.NoError(t, err)
	pub, err := h.client.Encrypt(h.ctx, []byte("issue 1"), serviceID)
	require.NoError(t, err)

	h.ledger.Mint(h.bob.Address(), 100)
	sub, err := h.client.Subscribe(h.ctx, h.bob, serviceID)
	require.NoError(t, err)
	assert.Equal(t, serviceID, sub.ServiceID)
	assert.Equal(t, h.bob.Address(), sub.Owner)
	assert.Equal(t, uint64(75), h.ledger.Balance(h.bob.Address()))
	assert.Equal(t, uint64(25), h.ledger.Balance(h.alice.Address()))

	unlocked, err := h.meta.HasUnlocked(serviceID.Hex(), h.bob.Address().Hex())
	require.NoError(t, err)
	assert.True(t, unlocked)

	p, err := h.client.SubscriptionFor(h.ctx, h.bob.Address(), serviceID)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, p.SubscriptionID)

	cred, err := h.client.Session(h.bob)
	require.NoError(t, err)
	plain, err := h.client.Decrypt(h.ctx, pub.BlobID, cred, p)
	require.NoError(t, err)
	assert.Equal(t, "issue 1", string(plain))
}

func TestSubscribeInsufficientBalance(t *testing.T) {
	h := newHarness(t, 1, 0)

	serviceID, err := h.client.CreateService(h.ctx, h.alice, 25, time.Hour, "newsletter")
	require.NoError(t, err)
	h.ledger.Mint(h.bob.Address(), 10)
	_, err = h.client.Subscribe(h.ctx, h.bob, serviceID)
	require.Error(t, err)

	subs, err := h.client.Subscriptions(h.ctx, h.bob.Address())
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestExpiredSubscriptionMakesNoNetworkCalls(t *testing.T) {
	h := newHarness(t, 3, 0)

	serviceID, err := h.client.CreateService(h.ctx, h.alice, 1, time.Minute, "daily")
	require.NoError(t, err)
	_, err = h.client.Encrypt(h.ctx, []byte("today"), serviceID)
	require.NoError(t, err)
	h.ledger.Mint(h.bob.Address(), 1)
	_, err = h.client.Subscribe(h.ctx, h.bob, serviceID)
	require.NoError(t, err)

	h.clk.Advance(2 * time.Minute)
	gets := h.blobs.gets.Load()

	_, err = h.client.SubscriptionFor(h.ctx, h.bob.Address(), serviceID)
	require.ErrorIs(t, err, sealerr.ErrNoAccess)
	assert.Zero(t, h.custodianCalls())
	assert.Equal(t, gets, h.blobs.gets.Load())
}

func TestSubscriptionForWithoutPurchase(t *testing.T) {
	h := newHarness(t, 1, 0)

	serviceID, err := h.client.CreateService(h.ctx, h.alice, 1, 0, "forever")
	require.NoError(t, err)
	_, err = h.client.SubscriptionFor(h.ctx, h.bob.Address(), serviceID)
	require.ErrorIs(t, err, ErrNoSubscription)
}

func TestPerpetualSubscriptionNeverLapses(t *testing.T) {
	h := newHarness(t, 1, 0)

	serviceID, err := h.client.CreateService(h.ctx, h.alice, 0, 0, "free")
	require.NoError(t, err)
	_, err = h.client.Subscribe(h.ctx, h.bob, serviceID)
	require.NoError(t, err)

	h.clk.Advance(24 * 365 * time.Hour)
	_, err = h.client.SubscriptionFor(h.ctx, h.bob.Address(), serviceID)
	require.NoError(t, err)
}

func TestAliceAllowlistScenario(t *testing.T) {
	type person struct {
		Name string `json:"name"`
	}
	h := newHarness(t, 3, 0)

	ref, err := h.client.CreateAllowlist(h.ctx, h.alice, "A")
	require.NoError(t, err)
	require.NoError(t, h.client.AddMember(h.ctx, h.alice, ref, h.alice.Address()))
	pub, err := h.client.EncryptJSON(h.ctx, person{Name: "Alice"}, ref.ID)
	require.NoError(t, err)
	p := policy.AllowlistPolicy{AllowlistID: ref.ID}

	var got person
	stale, err := h.client.Session(h.bob)
	require.NoError(t, err)
	require.ErrorIs(t, h.client.DecryptJSON(h.ctx, pub.BlobID, stale, p, &got), sealerr.ErrNoAccess)

	require.NoError(t, h.client.AddMember(h.ctx, h.alice, ref, h.bob.Address()))
	h.clk.Advance(stale.TTL())
	fresh, err := h.client.Session(h.bob)
	require.NoError(t, err)
	require.NotSame(t, stale, fresh)

	require.NoError(t, h.client.DecryptJSON(h.ctx, pub.BlobID, fresh, p, &got))
	assert.Equal(t, "Alice", got.Name)
}

func TestPerpetualSubscriptionPurchaseWithIndexLag(t *testing.T) {
	h := newHarness(t, 3, 4)

	serviceID, err := h.client.CreateService(h.ctx, h.alice, 5_000_000, 0, "archive")
	require.NoError(t, err)
	pub, err := h.client.Encrypt(h.ctx, []byte("back issues"), serviceID)
	require.NoError(t, err)

	h.ledger.Mint(h.bob.Address(), 5_000_000)
	_, err = h.client.Subscribe(h.ctx, h.bob, serviceID)
	require.NoError(t, err)
	assert.Zero(t, h.ledger.Balance(h.bob.Address()))

	p, err := h.client.SubscriptionFor(h.ctx, h.bob.Address(), serviceID)
	require.NoError(t, err)
	cred, err := h.client.Session(h.bob)
	require.NoError(t, err)
	plain, err := h.client.Decrypt(h.ctx, pub.BlobID, cred, p)
	require.NoError(t, err)
	assert.Equal(t, "back issues", string(plain))
}
