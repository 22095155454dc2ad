package transcoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToModifiedNull(t *testing.T) {
	b, err := ToModified("\x00")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC0, 0x80}, b)
}

func TestFromModifiedNull(t *testing.T) {
	s, err := FromModified([]byte{0xC0, 0x80})
	require.NoError(t, err)
	assert.Equal(t, "\x00", s)
}

func TestSupplementaryPlaneRoundTrip(t *testing.T) {
	// U+1F600 GRINNING FACE
	s := string(rune(0x1F600))
	encoded, err := ToModified(s)
	require.NoError(t, err)
	assert.Len(t, encoded, 6, "supplementary codepoint must encode to a 6-byte surrogate pair")

	decoded, err := FromModified(encoded)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestRoundTripASCII(t *testing.T) {
	cases := []string{"", "hello", "java/lang/Object", "a b\tc\n"}
	for _, c := range cases {
		encoded, err := ToModified(c)
		require.NoError(t, err)
		decoded, err := FromModified(encoded)
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestRoundTripBMP(t *testing.T) {
	s := "héllo wörld 中文"
	encoded, err := ToModified(s)
	require.NoError(t, err)
	decoded, err := FromModified(encoded)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}

func TestFromModifiedMalformedLeadByte(t *testing.T) {
	_, err := FromModified([]byte{0xFF})
	assert.Error(t, err)
}

func TestFromModifiedTruncated(t *testing.T) {
	_, err := FromModified([]byte{0xE0, 0x80})
	assert.Error(t, err)
}

func TestToModifiedMalformedUTF8(t *testing.T) {
	_, err := ToModified(string([]byte{0xFF, 0xFE}))
	assert.Error(t, err)
}

func TestRoundTripManySupplementary(t *testing.T) {
	var s string
	for r := rune(0x10000); r < 0x10000+64; r++ {
		s += string(r)
	}
	encoded, err := ToModified(s)
	require.NoError(t, err)
	decoded, err := FromModified(encoded)
	require.NoError(t, err)
	assert.Equal(t, s, decoded)
}
