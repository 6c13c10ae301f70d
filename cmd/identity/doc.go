// Package identity stores FinLearn learner accounts and their password
// credentials. Passwords arrive already hashed; hashing lives in
// cmd/security/password.
package identity
