// Package ledger defines the audit entry model, its canonical encoding and
// the hash chain that links every entry to its predecessor.
//
// Entries are created by producers as a Candidate, then sequenced, hashed
// and signed by the single ingest writer. Everything in this package is
// pure: no I/O, no shared state.
//
// The chain hash of an entry is
//
//	SHA-256( Encode(hashFields(entry)) | "|" | previous_hash )
//
// where hashFields covers every logical field of the entry except
// chain_hash and signature. The payload enters through its digest so that
// a chain can be re-linked from stored digests while payloads stay sealed.
package ledger
