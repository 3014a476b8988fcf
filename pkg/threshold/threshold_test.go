package threshold

import (
	"errors"
	"testing"

	"github.com/i5heu/ouroboros-seal/pkg/envelope"
	"github.com/i5heu/ouroboros-seal/pkg/identifier"
	"github.com/i5heu/ouroboros-seal/pkg/sealerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testCommittee struct {
	keys       []*KeyPair
	custodians []Custodian
}

func newCommittee(t require.TestingT, n int) *testCommittee {
	c := &testCommittee{}
	for i := 0; i < n; i++ {
		kp, err := GenerateKeyPair()
		require.NoError(t, err)
		var id identifier.ObjectID
		id[0] = byte(i + 1)
		c.keys = append(c.keys, kp)
		c.custodians = append(c.custodians, Custodian{ID: id, PublicKey: kp.Public})
	}
	return c
}

// openShares plays every custodian in idx and returns
// the shares as the session would see them.
func (c *testCommittee) openShares(t require.TestingT, env *envelope.Envelope, idx ...int) []Share {
	session, err := GenerateKeyPair()
	require.NoError(t, err)
	var out []Share
	for _, i := range idx {
		sealed, ok := env.ShareFor(c.custodians[i].ID)
		require.True(t, ok)
		box, err := Reseal(c.keys[i], env.ID, sealed.Sealed, session.Public)
		require.NoError(t, err)
		s, err := OpenShare(session, env.ID, box)
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func testID(t require.TestingT) identifier.ID {
	id, err := identifier.New(identifier.ObjectID{0xAB})
	require.NoError(t, err)
	return id
}

func TestTwoOfThree(t *testing.T) {
	committee := newCommittee(t, 3)
	enc, err := NewEncrypter(2, committee.custodians)
	require.NoError(t, err)

	msg := []byte("resume of alice")
	env, err := enc.Encrypt(testID(t), msg)
	require.NoError(t, err)
	assert.Len(t, env.Commitments, 2)
	assert.Len(t, env.Shares, 3)

	for _, pair := range [][]int{{0, 1}, {1, 2}, {0, 2}, {0, 1, 2}} {
		plain, err := Decrypt(env, committee.openShares(t, env, pair...))
		require.NoError(t, err)
		assert.Equal(t, msg, plain)
	}

	_, err = Decrypt(env, committee.openShares(t, env, 2))
	assert.True(t, errors.Is(err, sealerr.ErrThresholdNotMet))
}

func TestTamperedShareIsDiscarded(t *testing.T) {
	committee := newCommittee(t, 3)
	enc, err := NewEncrypter(2, committee.custodians)
	require.NoError(t, err)
	env, err := enc.Encrypt(testID(t), []byte("payload"))
	require.NoError(t, err)

	shares := committee.openShares(t, env, 0, 1, 2)
	shares[0].Value[5] ^= 0xFF
	assert.ErrorIs(t, Verify(&env.Header, shares[0]), ErrInconsistentShare)
	assert.NoError(t, Verify(&env.Header, shares[1]))

	plain, err := Decrypt(env, shares)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)

	_, err = Decrypt(env, shares[:2])
	assert.True(t, errors.Is(err, sealerr.ErrThresholdNotMet))
}

func TestDuplicateSharesCountOnce(t *testing.T) {
	committee := newCommittee(t, 3)
	enc, err := NewEncrypter(2, committee.custodians)
	require.NoError(t, err)
	env, err := enc.Encrypt(testID(t), []byte("x"))
	require.NoError(t, err)

	s := committee.openShares(t, env, 1)
	_, err = Decrypt(env, []Share{s[0], s[0]})
	assert.True(t, errors.Is(err, sealerr.ErrThresholdNotMet))
}

func TestTamperedCiphertextIsDecodeError(t *testing.T) {
	committee := newCommittee(t, 2)
	enc, err := NewEncrypter(2, committee.custodians)
	require.NoError(t, err)
	env, err := enc.Encrypt(testID(t), []byte("sensitive"))
	require.NoError(t, err)

	env.Ciphertext[0] ^= 1
	_, err = Decrypt(env, committee.openShares(t, env, 0, 1))
	assert.True(t, errors.Is(err, sealerr.ErrDecodeError))
}

func TestSharesAreBoundToID(t *testing.T) {
	committee := newCommittee(t, 1)
	enc, err := NewEncrypter(1, committee.custodians)
	require.NoError(t, err)
	env, err := enc.Encrypt(testID(t), []byte("x"))
	require.NoError(t, err)

	session, err := GenerateKeyPair()
	require.NoError(t, err)
	_, err = Reseal(committee.keys[0], testID(t), env.Shares[0].Sealed, session.Public)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestRoundTripThroughWireFormat(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(rt, "n")
		th := rapid.IntRange(1, n).Draw(rt, "threshold")
		msg := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(rt, "msg")

		committee := newCommittee(rt, n)
		enc, err := NewEncrypter(th, committee.custodians)
		require.NoError(rt, err)
		env, err := enc.Encrypt(testID(rt), msg)
		require.NoError(rt, err)

		data, err := envelope.Marshal(env)
		require.NoError(rt, err)
		parsed, err := envelope.Parse(data)
		require.NoError(rt, err)

		idx := rapid.Permutation(seq(n)).Draw(rt, "order")[:th]
		plain, err := Decrypt(parsed, committee.openShares(rt, parsed, idx...))
		require.NoError(rt, err)
		if string(plain) != string(msg) {
			rt.Fatalf("plaintext mismatch")
		}
	})
}

func TestNewEncrypterValidation(t *testing.T) {
	committee := newCommittee(t, 2)
	_, err := NewEncrypter(0, committee.custodians)
	assert.Error(t, err)
	_, err = NewEncrypter(3, committee.custodians)
	assert.Error(t, err)
	_, err = NewEncrypter(1, nil)
	assert.Error(t, err)
	dup := []Custodian{committee.custodians[0], committee.custodians[0]}
	_, err = NewEncrypter(1, dup)
	assert.Error(t, err)
}

func TestKeyPairFromPrivate(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	again, err := KeyPairFromPrivate(kp.Private[:])
	require.NoError(t, err)
	assert.Equal(t, kp.Public, again.Public)

	parsed, err := ParsePublicKey(kp.Public.Hex())
	require.NoError(t, err)
	assert.Equal(t, kp.Public, parsed)
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
