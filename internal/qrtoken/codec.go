// Package qrtoken signs and verifies the opaque tokens embedded in meeting
// QR codes. The codec is deliberately stateless: it proves a token was minted
// by this server and nothing else. Whether the underlying QR code is still
// active, expired, or over its scan limit is the lifecycle manager's call.
package qrtoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidToken covers every validation failure: bad encoding, wrong field
// count, bad signature. Callers must not distinguish these to the client, so
// the codec doesn't either.
var ErrInvalidToken = errors.New("invalid or expired QR token")

// Payload is the decoded, signature-verified content of a token.
type Payload struct {
	MeetingID string
	IssuedAt  time.Time
	Nonce     string
}

// Codec signs token payloads with HMAC-SHA256 over a shared server secret.
type Codec struct {
	secret []byte
}

// New creates a codec from the configured signing secret.
func New(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Issue mints a fresh token for a meeting: meetingID, issue time in unix
// millis, and a random 16-byte hex nonce, HMAC-signed and base64url-encoded.
func (c *Codec) Issue(meetingID string, issuedAt time.Time) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	payload := meetingID + ":" + strconv.FormatInt(issuedAt.UnixMilli(), 10) + ":" + hex.EncodeToString(nonce)
	sig := c.sign(payload)
	return base64.URLEncoding.EncodeToString([]byte(payload + ":" + sig)), nil
}

// Parse decodes and verifies a token. Any structural defect or signature
// mismatch fails closed with ErrInvalidToken.
func (c *Codec) Parse(token string) (Payload, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}
	parts := strings.Split(string(raw), ":")
	if len(parts) != 4 {
		return Payload{}, ErrInvalidToken
	}
	payload := parts[0] + ":" + parts[1] + ":" + parts[2]
	want := c.sign(payload)
	if !hmac.Equal([]byte(want), []byte(parts[3])) {
		return Payload{}, ErrInvalidToken
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}
	return Payload{
		MeetingID: parts[0],
		IssuedAt:  time.UnixMilli(millis).UTC(),
		Nonce:     parts[2],
	}, nil
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
