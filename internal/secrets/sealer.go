// Package secrets seals snapshot archives at rest with AES-256-GCM. The
// master key lives in a file next to the registry and is generated on first
// use.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const masterKeyLen = 32 // AES-256

// ErrOpen is returned when sealed data fails authentication: wrong key,
// wrong label, or modified bytes.
var ErrOpen = errors.New("sealed data failed authentication")

// Sealer encrypts and decrypts archives under one master key.
type Sealer struct {
	aead    cipher.AEAD
	keyPath string
}

// Load reads the master key at keyPath. It fails if the file is missing.
func Load(keyPath string) (*Sealer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read master key: %w", err)
	}
	if len(key) != masterKeyLen {
		return nil, fmt.Errorf("master key at %s has invalid length %d (expected %d)", keyPath, len(key), masterKeyLen)
	}
	return newSealer(key, keyPath)
}

// LoadOrCreate is Load, generating and persisting a new key (mode 0600) if
// none exists at keyPath.
func LoadOrCreate(keyPath string) (*Sealer, error) {
	s, err := Load(keyPath)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return s, err
	}

	key := make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	// If another process created the key first, use theirs.
	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if errors.Is(err, os.ErrExist) {
		return Load(keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	if _, err := f.Write(key); err != nil {
		f.Close()
		return nil, fmt.Errorf("write master key: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return newSealer(key, keyPath)
}

func newSealer(key []byte, keyPath string) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead, keyPath: keyPath}, nil
}

// KeyPath returns the file the master key was read from.
func (s *Sealer) KeyPath() string { return s.keyPath }

// Seal encrypts data and binds it to label, typically the archive digest.
// The result is nonce || ciphertext.
func (s *Sealer) Seal(data []byte, label string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, data, []byte(label)), nil
}

// Open reverses Seal. label must match the one data was sealed with.
func (s *Sealer) Open(sealed []byte, label string) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("open: %w", ErrOpen)
	}
	data, err := s.aead.Open(nil, sealed[:n], sealed[n:], []byte(label))
	if err != nil {
		return nil, fmt.Errorf("open: %w", ErrOpen)
	}
	return data, nil
}
