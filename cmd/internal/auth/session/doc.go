// Package session implements FinLearn's login sessions.
//
// A login starts a chain of sessions linked by refresh-token rotation. Every
// session in the chain shares a login id, which is what the learner profile
// records as the active session. Reuse of a rotated refresh token revokes
// every session of the user.
//
// Access tokens are issued as PASETO v4.public and are short-lived.
// Refresh tokens are opaque random strings and are stored hashed
// (HMAC-SHA256 when FINLEARN_TOKEN_HMAC_KEY is set; otherwise SHA-256).
package session
