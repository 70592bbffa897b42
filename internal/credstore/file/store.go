// Package file provides a file-backed credential store. Values are
// sealed with ChaCha20-Poly1305 before they touch disk, so tokens are
// never stored in cleartext.
package file

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pagewatch/pagewatch/internal/credstore"
)

// Config holds file store configuration.
type Config struct {
	// Path is the location of the store file. The file is created on
	// first write with mode 0600.
	Path string
	// Key is the 32-byte sealing key.
	Key []byte
}

// Store implements credstore.Store on top of a JSON file of sealed
// values.
type Store struct {
	path string
	aead cipher.AEAD

	mu     sync.RWMutex
	sealed map[string]string
}

// New creates a file store, loading existing entries if the file is
// present. Returns an error if the key has the wrong size or the file
// is unreadable.
func New(config Config) (*Store, error) {
	if len(config.Key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("file store: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(config.Key))
	}
	if config.Path == "" {
		return nil, fmt.Errorf("file store: path is required")
	}

	aead, err := chacha20poly1305.NewX(config.Key)
	if err != nil {
		return nil, fmt.Errorf("file store: init cipher: %w", err)
	}

	s := &Store{
		path:   config.Path,
		aead:   aead,
		sealed: make(map[string]string),
	}

	data, err := os.ReadFile(config.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("file store: read %s: %w", config.Path, err)
	}

	if err := json.Unmarshal(data, &s.sealed); err != nil {
		return nil, fmt.Errorf("file store: parse %s: %w", config.Path, err)
	}

	return s, nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sealed, ok := s.sealed[key]
	if !ok {
		return "", credstore.ErrNotFound
	}
	return s.open(sealed)
}

func (s *Store) Set(_ context.Context, key, value string) error {
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrev := s.sealed[key]
	s.sealed[key] = sealed

	if err := s.flush(); err != nil {
		// Keep memory consistent with disk on failure.
		if hadPrev {
			s.sealed[key] = prev
		} else {
			delete(s.sealed, key)
		}
		return err
	}
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.sealed[key]
	if !ok {
		return nil
	}
	delete(s.sealed, key)

	if err := s.flush(); err != nil {
		s.sealed[key] = prev
		return err
	}
	return nil
}

// flush writes the sealed map atomically: temp file in the same
// directory, then rename. Caller must hold the write lock.
func (s *Store) flush() error {
	data, err := json.MarshalIndent(s.sealed, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".credstore-*")
	if err != nil {
		return fmt.Errorf("file store: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("file store: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file store: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file store: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file store: rename: %w", err)
	}
	return nil
}

// seal encrypts a value as base64(nonce || ciphertext).
func (s *Store) seal(value string) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("file store: nonce: %w", err)
	}

	out := s.aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Store) open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("file store: decode: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("file store: sealed value too short")
	}

	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("file store: unseal: %w", err)
	}
	return string(plain), nil
}
