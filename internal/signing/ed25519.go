package signing

import (
	"crypto/ed25519"
	"encoding/base64"

	"github.com/google/uuid"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	keyID string
	key   ed25519.PrivateKey
}

// NewEd25519Signer wraps key. The key id is the public key fingerprint.
func NewEd25519Signer(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{keyID: Ed25519KeyID(key.Public().(ed25519.PublicKey)), key: key}
}

// Ed25519KeyID returns the key id used for pub in signatures.
func Ed25519KeyID(pub ed25519.PublicKey) string { return "ed25519-" + fingerprint(pub) }

func (s *Ed25519Signer) KeyID() string { return s.keyID }

// PublicKey returns the verification half of the signing key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.key.Public().(ed25519.PublicKey) }

func (s *Ed25519Signer) Sign(entryID uuid.UUID, chainHash string) (ledger.Signature, error) {
	return ledger.Signature{
		KeyID:     s.keyID,
		Algorithm: AlgEd25519,
		Value:     base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, message(entryID, chainHash))),
	}, nil
}

// Ed25519Verifier checks signatures from a single public key.
type Ed25519Verifier struct {
	keyID string
	pub   ed25519.PublicKey
}

func NewEd25519Verifier(pub ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{keyID: Ed25519KeyID(pub), pub: pub}
}

func (v *Ed25519Verifier) Verify(entryID uuid.UUID, chainHash string, sig ledger.Signature) error {
	if sig.KeyID != v.keyID {
		return ErrUnknownKey
	}
	if sig.Algorithm != AlgEd25519 {
		return errAlgMismatch
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil || !ed25519.Verify(v.pub, message(entryID, chainHash), raw) {
		return ErrBadSignature
	}
	return nil
}
