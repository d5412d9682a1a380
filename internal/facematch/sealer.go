package facematch

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	sealIVSize  = 12
	sealTagSize = 16
)

// ErrBadSeal means a stored embedding failed to decrypt or authenticate.
var ErrBadSeal = errors.New("sealed embedding is corrupt or was encrypted with a different key")

// Sealer encrypts facial embeddings at rest with AES-256-GCM. The stored
// frame is IV(12) ‖ tag(16) ‖ ciphertext with a fresh random IV per seal;
// plaintext embeddings exist only in memory during comparison.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("embedding key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts an embedding vector for storage.
func (s *Sealer) Seal(embedding []float32) ([]byte, error) {
	iv := make([]byte, sealIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	sealed := s.aead.Seal(nil, iv, encodeVector(embedding), nil)
	// Go's GCM appends the tag after the ciphertext; the stored frame puts
	// the tag first, so rearrange.
	ct, tag := sealed[:len(sealed)-sealTagSize], sealed[len(sealed)-sealTagSize:]
	out := make([]byte, 0, sealIVSize+sealTagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts a stored embedding frame.
func (s *Sealer) Open(frame []byte) ([]float32, error) {
	if len(frame) < sealIVSize+sealTagSize {
		return nil, ErrBadSeal
	}
	iv := frame[:sealIVSize]
	tag := frame[sealIVSize : sealIVSize+sealTagSize]
	ct := frame[sealIVSize+sealTagSize:]

	sealed := make([]byte, 0, len(ct)+sealTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := s.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrBadSeal
	}
	return decodeVector(plain)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, ErrBadSeal
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return v, nil
}
