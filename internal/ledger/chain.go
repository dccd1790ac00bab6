package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// PayloadDigest returns the hex SHA-256 of the canonical payload encoding.
func PayloadDigest(p Payload) (string, error) {
	if p == nil {
		return "", &ValidationError{Msg: "payload is required"}
	}
	b, err := Encode(canonicalPayload(p))
	if err != nil {
		return "", err
	}
	return sha256Hex(b), nil
}

// ComputeChainHash returns the chain hash of e linked to previousHash.
// When e carries its payload the digest is recomputed from it; otherwise
// the stored PayloadDigest is used.
func ComputeChainHash(e *Entry, previousHash string) (string, error) {
	digest := e.PayloadDigest
	if e.Payload != nil {
		d, err := PayloadDigest(e.Payload)
		if err != nil {
			return "", err
		}
		digest = d
	}
	return chainHash(e, digest, previousHash)
}

// VerifyLink reports whether e claims previousHash as its predecessor and
// its stored chain hash matches a fresh computation.
func VerifyLink(e *Entry, previousHash string) bool {
	if e.PreviousHash != previousHash {
		return false
	}
	h, err := ComputeChainHash(e, previousHash)
	return err == nil && h == e.ChainHash
}

// Link fills in the digest, previous hash and chain hash of a sequenced entry.
func Link(e *Entry, previousHash string) error {
	digest, err := PayloadDigest(e.Payload)
	if err != nil {
		return fmt.Errorf("payload digest: %w", err)
	}
	e.PayloadDigest = digest
	e.PreviousHash = previousHash
	h, err := chainHash(e, digest, previousHash)
	if err != nil {
		return fmt.Errorf("chain hash: %w", err)
	}
	e.ChainHash = h
	return nil
}

// DigestMatches reports whether the stored payload digest of e agrees with
// its payload. Entries without a readable payload report true.
func DigestMatches(e *Entry) (string, bool) {
	if e.Payload == nil {
		return e.PayloadDigest, true
	}
	d, err := PayloadDigest(e.Payload)
	if err != nil {
		return "", false
	}
	return d, d == e.PayloadDigest
}

func chainHash(e *Entry, digest, previousHash string) (string, error) {
	b, err := Encode(hashFields(e, digest))
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(b)
	h.Write([]byte{'|'})
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFields lists every hashed field of e. chain_hash, signature and
// storage metadata are deliberately absent; previous_hash is appended
// after the encoding.
func hashFields(e *Entry, digest string) map[string]any {
	return map[string]any{
		"sequence_number": e.SequenceNumber,
		"entry_id":        e.EntryID.String(),
		"timestamp":       e.Timestamp,
		"actor": map[string]any{
			"id":         e.Actor.ID,
			"session_id": e.Actor.SessionID,
			"ip":         e.Actor.IP,
		},
		"action":          string(e.Action),
		"entity_type":     e.Entity.Type,
		"entity_id":       e.Entity.ID,
		"payload_digest":  digest,
		"retention_until": e.RetentionUntil,
	}
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
