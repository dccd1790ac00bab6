package signing

import (
	"crypto/ed25519"
	"sync"

	"github.com/google/uuid"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

// KeyRing verifies signatures from any registered key. It is safe for
// concurrent use; keys can be added while verification runs.
type KeyRing struct {
	mu   sync.RWMutex
	keys map[string]Verifier
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]Verifier)}
}

// AddEd25519 registers a public key under its fingerprint id.
func (r *KeyRing) AddEd25519(pub ed25519.PublicKey) string {
	v := NewEd25519Verifier(pub)
	r.add(v.keyID, v)
	return v.keyID
}

// AddHMAC registers a shared-secret signer as a verifier.
func (r *KeyRing) AddHMAC(s *HMACSigner) {
	r.add(s.keyID, s)
}

func (r *KeyRing) add(id string, v Verifier) {
	r.mu.Lock()
	r.keys[id] = v
	r.mu.Unlock()
}

// KeyIDs returns the ids of all registered keys.
func (r *KeyRing) KeyIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.keys))
	for id := range r.keys {
		ids = append(ids, id)
	}
	return ids
}

func (r *KeyRing) Verify(entryID uuid.UUID, chainHash string, sig ledger.Signature) error {
	r.mu.RLock()
	v, ok := r.keys[sig.KeyID]
	r.mu.RUnlock()
	if !ok {
		return ErrUnknownKey
	}
	return v.Verify(entryID, chainHash, sig)
}
