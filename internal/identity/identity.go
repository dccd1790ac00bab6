// Package identity authenticates callers of the ledger API.
//
// It provides:
//   - TokenIssuer  issues and verifies HS256 JWT ledger tokens
//   - RequireScope Gin middleware enforcing Bearer token scopes
package identity

// Scopes carried by ledger tokens.
const (
	ScopeWrite = "ledger:write"
	ScopeRead  = "ledger:read"
	ScopeAudit = "ledger:audit"
)

// AllScopes lists every scope a token may carry.
var AllScopes = []string{ScopeWrite, ScopeRead, ScopeAudit}
