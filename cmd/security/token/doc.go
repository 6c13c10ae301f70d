// Package token creates opaque bearer tokens and hashes them for storage.
//
// Only hashes are persisted. A Hasher built with a key produces
// HMAC-SHA256 digests; without a key it falls back to plain SHA-256, which
// is acceptable for local development only. Both forms are 64 hex chars.
//
// Environment:
//   - FINLEARN_TOKEN_HMAC_KEY: HMAC secret, at least MinKeyBytes when required.
package token
