package wallet

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifies(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)

	sig, err := w.SignPersonalMessage([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(w.PublicKey(), []byte("hello"), sig))
	assert.False(t, w.Address().IsZero())
}

func TestKeyFileRoundTrip(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.yaml")
	require.NoError(t, w.SaveFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	back, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), back.Address())
}

func TestLoadFileRejectsMismatchedAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"seed: \"0000000000000000000000000000000000000000000000000000000000000000\"\n"+
			"address: \"0x01\"\n"), 0o600))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestFromSeedLength(t *testing.T) {
	_, err := FromSeed([]byte{1, 2, 3})
	assert.Error(t, err)
}
