package qrtoken

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueParseRoundTrip(t *testing.T) {
	c := New("test-secret")
	issued := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	token, err := c.Issue("mtg-42", issued)
	require.NoError(t, err)

	p, err := c.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "mtg-42", p.MeetingID)
	assert.True(t, p.IssuedAt.Equal(issued))
	assert.Len(t, p.Nonce, 32, "nonce is 16 random bytes hex-encoded")
}

func TestParseRejectsTamperedToken(t *testing.T) {
	c := New("test-secret")
	token, err := c.Issue("mtg-1", time.Now())
	require.NoError(t, err)

	raw, err := base64.URLEncoding.DecodeString(token)
	require.NoError(t, err)

	// Flipping any single character in payload or signature must fail.
	for i := 0; i < len(raw); i++ {
		mutated := []byte(string(raw))
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		if string(mutated) == string(raw) {
			continue
		}
		_, perr := c.Parse(base64.URLEncoding.EncodeToString(mutated))
		assert.ErrorIs(t, perr, ErrInvalidToken, "flip at offset %d", i)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := New("secret-a").Issue("mtg-1", time.Now())
	require.NoError(t, err)

	_, err = New("secret-b").Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsMalformedStructure(t *testing.T) {
	c := New("test-secret")

	cases := map[string]string{
		"not base64":        "%%%not-base64%%%",
		"too few fields":    base64.URLEncoding.EncodeToString([]byte("a:b:c")),
		"too many fields":   base64.URLEncoding.EncodeToString([]byte("a:b:c:d:e")),
		"empty":             "",
		"bad issued millis": base64.URLEncoding.EncodeToString([]byte("m:notanumber:ff:sig")),
	}
	for name, token := range cases {
		_, err := c.Parse(token)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}

func TestTokensAreUniquePerIssue(t *testing.T) {
	c := New("test-secret")
	now := time.Now()
	a, err := c.Issue("mtg-1", now)
	require.NoError(t, err)
	b, err := c.Issue("mtg-1", now)
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "random nonce must differ between issues")
}

func TestTokenWireFormat(t *testing.T) {
	c := New("test-secret")
	token, err := c.Issue("mtg-9", time.UnixMilli(1700000000000))
	require.NoError(t, err)

	raw, err := base64.URLEncoding.DecodeString(token)
	require.NoError(t, err)
	parts := strings.Split(string(raw), ":")
	require.Len(t, parts, 4)
	assert.Equal(t, "mtg-9", parts[0])
	assert.Equal(t, "1700000000000", parts[1])
	assert.Len(t, parts[3], 64, "hex-encoded HMAC-SHA256")
}
