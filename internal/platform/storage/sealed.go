package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// Sealed encrypts every value with AES-256-GCM before handing it to the
// wrapped Storage. The nonce is prepended to the ciphertext and the key name
// is bound as additional data, so a value copied to another key fails to open.
//
// Previous keys may be added for rotation: values that only open under an
// old key are re-sealed with the current key on read.
type Sealed struct {
	inner    Storage
	aead     cipher.AEAD
	previous []cipher.AEAD
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealed storage: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("sealed storage: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("sealed storage: create GCM: %w", err)
	}
	return aead, nil
}

// NewSealed wraps inner with the given 32-byte key.
func NewSealed(inner Storage, key []byte) (*Sealed, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Sealed{inner: inner, aead: aead}, nil
}

// AddPreviousKey registers a retired key that may still open stored values.
// It must be called before the store is shared.
func (s *Sealed) AddPreviousKey(key []byte) error {
	aead, err := newAEAD(key)
	if err != nil {
		return fmt.Errorf("previous key: %w", err)
	}
	s.previous = append(s.previous, aead)
	return nil
}

func openSealed(aead cipher.AEAD, data []byte, key string) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return aead.Open(nil, nonce, ciphertext, []byte(key))
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	plaintext, err := openSealed(s.aead, data, key)
	if err == nil {
		return plaintext, nil
	}
	for _, prev := range s.previous {
		if p, perr := openSealed(prev, data, key); perr == nil {
			// Best effort: a failed re-seal leaves the old ciphertext readable.
			_ = s.Set(ctx, key, p)
			return p, nil
		}
	}
	return nil, fmt.Errorf("sealed storage: open %q: %w", key, err)
}

func (s *Sealed) Set(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("sealed storage: generate nonce: %w", err)
	}
	return s.inner.Set(ctx, key, s.aead.Seal(nonce, nonce, value, []byte(key)))
}

func (s *Sealed) Remove(ctx context.Context, key string) error {
	return s.inner.Remove(ctx, key)
}

func (s *Sealed) Close() error {
	return Close(s.inner)
}
