// Package fingerprint derives content-addressed idempotency keys.
//
// Values are serialized to canonical JSON (sorted keys, NFC-normalized
// strings, no HTML escaping, RFC 8785 number form) and hashed with SHA-256
// under a versioned domain prefix, so structurally identical inputs produce
// the same key across processes and restarts.
package fingerprint
