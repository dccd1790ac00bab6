package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"github.com/google/uuid"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

// HMACSigner signs with HMAC-SHA256. Anyone holding the secret can also
// verify, and forge, so prefer Ed25519 when auditors are external.
type HMACSigner struct {
	keyID  string
	secret []byte
}

// NewHMACSigner returns a signer for secret. The key id is derived from the
// secret when keyID is empty.
func NewHMACSigner(keyID string, secret []byte) (*HMACSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("hmac secret must be at least 32 bytes")
	}
	if keyID == "" {
		keyID = "hmac-" + fingerprint(secret)
	}
	return &HMACSigner{keyID: keyID, secret: secret}, nil
}

func (s *HMACSigner) KeyID() string { return s.keyID }

func (s *HMACSigner) Sign(entryID uuid.UUID, chainHash string) (ledger.Signature, error) {
	return ledger.Signature{
		KeyID:     s.keyID,
		Algorithm: AlgHMACSHA256,
		Value:     base64.StdEncoding.EncodeToString(s.mac(entryID, chainHash)),
	}, nil
}

func (s *HMACSigner) Verify(entryID uuid.UUID, chainHash string, sig ledger.Signature) error {
	if sig.KeyID != s.keyID {
		return ErrUnknownKey
	}
	if sig.Algorithm != AlgHMACSHA256 {
		return errAlgMismatch
	}
	got, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil || !hmac.Equal(got, s.mac(entryID, chainHash)) {
		return ErrBadSignature
	}
	return nil
}

func (s *HMACSigner) mac(entryID uuid.UUID, chainHash string) []byte {
	m := hmac.New(sha256.New, s.secret)
	m.Write(message(entryID, chainHash))
	return m.Sum(nil)
}
