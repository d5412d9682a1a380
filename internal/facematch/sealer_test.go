package facematch

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer(testKey())
	require.NoError(t, err)

	v := []float32{0.25, -1.5, 3.125, 0}
	frame, err := s.Seal(v)
	require.NoError(t, err)

	got, err := s.Open(frame)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestSealFrameLayout(t *testing.T) {
	s, err := NewSealer(testKey())
	require.NoError(t, err)

	v := []float32{1, 2, 3}
	frame, err := s.Seal(v)
	require.NoError(t, err)
	// IV(12) + tag(16) + 4 bytes per element.
	assert.Len(t, frame, 12+16+4*len(v))
}

func TestSealUsesFreshIV(t *testing.T) {
	s, err := NewSealer(testKey())
	require.NoError(t, err)

	v := []float32{1, 2}
	a, err := s.Seal(v)
	require.NoError(t, err)
	b, err := s.Seal(v)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a[:12], b[:12]), "IV must be unique per seal")
	assert.False(t, bytes.Equal(a, b))
}

func TestOpenRejectsTampering(t *testing.T) {
	s, err := NewSealer(testKey())
	require.NoError(t, err)

	frame, err := s.Seal([]float32{1, 2, 3})
	require.NoError(t, err)

	for _, offset := range []int{0, 12, 12 + 16} { // IV, tag, ciphertext
		mutated := append([]byte(nil), frame...)
		mutated[offset] ^= 0x01
		_, err := s.Open(mutated)
		assert.ErrorIs(t, err, ErrBadSeal, "tamper at offset %d", offset)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	a, err := NewSealer(testKey())
	require.NoError(t, err)
	otherKey := testKey()
	otherKey[0] ^= 0xFF
	b, err := NewSealer(otherKey)
	require.NoError(t, err)

	frame, err := a.Seal([]float32{7})
	require.NoError(t, err)
	_, err = b.Open(frame)
	assert.ErrorIs(t, err, ErrBadSeal)
}

func TestOpenRejectsShortFrame(t *testing.T) {
	s, err := NewSealer(testKey())
	require.NoError(t, err)
	_, err = s.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadSeal)
}

func TestNewSealerRejectsBadKeySize(t *testing.T) {
	_, err := NewSealer([]byte("short"))
	assert.Error(t, err)
}
