package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	sealSaltSize  = 16
	sealNonceSize = 12
	sealKeySize   = 32
)

var sealInfo = []byte("faceid/reference/v1")

// Sealer encrypts stored face references with AES-256-GCM under a
// per-record key derived from the master key via HKDF-SHA256 and a random
// per-record salt. Output layout: salt || nonce || ciphertext.
type Sealer struct {
	master []byte
}

// NewSealer expects a hex-encoded 32-byte master key.
func NewSealer(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode seal key: %w", err)
	}
	if len(key) != sealKeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", sealKeySize, len(key))
	}
	return &Sealer{master: key}, nil
}

func (s *Sealer) recordCipher(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, sealKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, salt, sealInfo), key); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plain under a fresh per-record key.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	aead, err := s.recordCipher(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, sealNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, sealSaltSize+sealNonceSize+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

// Open decrypts a sealed record. Fails on any tampering.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < sealSaltSize+sealNonceSize {
		return nil, fmt.Errorf("sealed record too short: %d bytes", len(sealed))
	}

	salt := sealed[:sealSaltSize]
	nonce := sealed[sealSaltSize : sealSaltSize+sealNonceSize]
	ciphertext := sealed[sealSaltSize+sealNonceSize:]

	aead, err := s.recordCipher(salt)
	if err != nil {
		return nil, err
	}

	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed record: %w", err)
	}
	return plain, nil
}
