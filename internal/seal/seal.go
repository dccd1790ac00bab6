// Package seal encrypts entry payloads at rest with XChaCha20-Poly1305.
//
// Sealing is orthogonal to the hash chain: chain hashes cover the digest
// of the canonical plaintext, so a chain can be verified without opening
// any payload. A payload that fails to open is reported separately.
package seal

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const blobVersion byte = 1

var (
	// ErrUnknownKey means a blob names a key the sealer does not hold.
	ErrUnknownKey = errors.New("seal: unknown key")

	// ErrOpen means authentication failed: wrong key, wrong entry or a
	// modified ciphertext.
	ErrOpen = errors.New("seal: cannot open payload")

	errMalformed = errors.New("seal: malformed blob")
)

// DeriveKey derives a 32-byte key for purpose from a master secret with
// HKDF-SHA256.
func DeriveKey(master []byte, purpose string) ([]byte, error) {
	if len(master) < 16 {
		return nil, errors.New("seal: master secret must be at least 16 bytes")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte("auditledger/"+purpose))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Sealer encrypts and decrypts payload blobs. It holds every key it may
// need to open old blobs and seals new ones with the current key.
type Sealer struct {
	mu      sync.RWMutex
	current string
	aeads   map[string]cipher.AEAD
}

// NewSealer returns a Sealer that seals with keyID.
func NewSealer(keyID string, key []byte) (*Sealer, error) {
	s := &Sealer{aeads: make(map[string]cipher.AEAD)}
	if err := s.AddKey(keyID, key); err != nil {
		return nil, err
	}
	s.current = keyID
	return s, nil
}

// AddKey registers a key for opening blobs.
func (s *Sealer) AddKey(keyID string, key []byte) error {
	if keyID == "" || len(keyID) > 255 {
		return errors.New("seal: key id must be 1-255 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	s.mu.Lock()
	s.aeads[keyID] = aead
	s.mu.Unlock()
	return nil
}

// Rotate makes keyID, which must already be registered, the sealing key.
func (s *Sealer) Rotate(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.aeads[keyID]; !ok {
		return ErrUnknownKey
	}
	s.current = keyID
	return nil
}

// Seal encrypts plaintext bound to entryID.
// Layout: version | len(keyID) | keyID | nonce | ciphertext.
func (s *Sealer) Seal(entryID uuid.UUID, plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	keyID := s.current
	aead := s.aeads[keyID]
	s.mu.RUnlock()

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("seal nonce: %w", err)
	}
	out := make([]byte, 0, 2+len(keyID)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, blobVersion, byte(len(keyID)))
	out = append(out, keyID...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, entryID[:]), nil
}

// Open decrypts a blob produced by Seal for the same entryID.
func (s *Sealer) Open(entryID uuid.UUID, blob []byte) ([]byte, error) {
	if len(blob) < 2 || blob[0] != blobVersion {
		return nil, errMalformed
	}
	n := int(blob[1])
	if len(blob) < 2+n {
		return nil, errMalformed
	}
	keyID := string(blob[2 : 2+n])
	s.mu.RLock()
	aead, ok := s.aeads[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, keyID)
	}
	rest := blob[2+n:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, errMalformed
	}
	nonce, ct := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, entryID[:])
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// KeyID returns the current sealing key id.
func (s *Sealer) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
