// Package password hashes and verifies learner passwords with Argon2id.
//
// Hashes use the PHC string form
//
//	$argon2id$v=19$m=<KiB>,t=<iterations>,p=<lanes>$<salt>$<key>
//
// and are treated as untrusted on Verify: parameters far above the
// configured cost are rejected before any work is done.
package password
