package identity

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPair_SignVerify(t *testing.T) {
	kp, err := NewKeyPair()
	require.NoError(t, err)
	other, err := NewKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Hash(), other.Hash())

	ring := NewKeyring()
	require.NoError(t, ring.Add(kp))
	assert.Equal(t, 1, ring.Len())

	sig, err := kp.Sign([]byte("core"))
	require.NoError(t, err)
	assert.NoError(t, ring.Verify(kp.Hash(), []byte("core"), sig))
	assert.ErrorIs(t, ring.Verify(kp.Hash(), []byte("corf"), sig), ErrInvalidSignature)
	assert.ErrorIs(t, ring.Verify(other.Hash(), []byte("core"), sig), ErrInvalidSignature)
}

func TestParseHash(t *testing.T) {
	kp, err := NewKeyPair()
	require.NoError(t, err)
	h := kp.Hash()

	s := Short(h)
	assert.Len(t, s, 16)

	full := Hex(h)
	assert.Equal(t, hex.EncodeToString(h[:]), full)
	got, err := ParseHash(full)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, strings.HasPrefix(full, s))

	_, err = ParseHash("zz")
	assert.Error(t, err)
	_, err = ParseHash("abcd")
	assert.Error(t, err)
}

func TestKeyPair_MarshalRoundTrip(t *testing.T) {
	kp, err := NewKeyPair()
	require.NoError(t, err)
	b, err := kp.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, b, PrivateKeySize)

	restored, err := UnmarshalKeyPair(b)
	require.NoError(t, err)
	assert.Equal(t, kp.Hash(), restored.Hash())

	ring := NewKeyring()
	require.NoError(t, ring.Add(kp))
	sig, err := restored.Sign([]byte("core"))
	require.NoError(t, err)
	assert.NoError(t, ring.Verify(kp.Hash(), []byte("core"), sig))

	_, err = UnmarshalKeyPair(b[:10])
	assert.Error(t, err)
}
