// Package config loads, normalizes and validates the cliprun TOML
// configuration.
//
// Settings that the daemon components need (database credentials, the
// webhook endpoint, retry policy, worker counts) live in an explicit Config
// value handed to each component at construction. Environment variables are
// only consulted as fallbacks during normalization.
package config
