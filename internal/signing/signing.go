// Package signing produces and checks non-repudiation signatures over
// (entry_id, chain_hash).
//
// Two schemes are provided:
//
//   - HMACSigner: HMAC-SHA256 with a shared secret
//   - Ed25519Signer: asymmetric, verifiers only need the public key
//
// A KeyRing verifies signatures from any key it holds, so entries signed
// before a key rotation stay verifiable.
package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jmerrifield20/AuditLedger/internal/ledger"
)

const (
	AlgHMACSHA256 = "HMAC-SHA256"
	AlgEd25519    = "Ed25519"
)

var (
	// ErrUnknownKey is returned when a signature names a key the verifier
	// does not hold. It wraps ledger.ErrSignatureInvalid.
	ErrUnknownKey = fmt.Errorf("%w: unknown key", ledger.ErrSignatureInvalid)

	// ErrBadSignature is returned when the signature bytes do not verify.
	ErrBadSignature = fmt.Errorf("%w: signature does not match", ledger.ErrSignatureInvalid)

	errAlgMismatch = fmt.Errorf("%w: algorithm mismatch", ledger.ErrSignatureInvalid)
)

// Signer signs ledger entries. The ledger writer is its only caller.
type Signer interface {
	Sign(entryID uuid.UUID, chainHash string) (ledger.Signature, error)
	KeyID() string
}

// Verifier checks entry signatures without access to signing material
// (for asymmetric keys).
type Verifier interface {
	Verify(entryID uuid.UUID, chainHash string, sig ledger.Signature) error
}

// message is the exact byte string every scheme signs.
func message(entryID uuid.UUID, chainHash string) []byte {
	return []byte(entryID.String() + "|" + chainHash)
}

// fingerprint derives a short stable key id from key material.
func fingerprint(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// IsSignatureInvalid reports whether err is a signature failure.
func IsSignatureInvalid(err error) bool {
	return errors.Is(err, ledger.ErrSignatureInvalid)
}
