package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes. The version suffix allows the algorithm to change without
// colliding with keys already persisted.
const (
	DomainRunInput   = "cliprun/run-input/v1"
	DomainStageInput = "cliprun/stage-input/v1"
)

// Hash computes SHA-256(domain || 0x00 || data) as lowercase hex.
func Hash(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Of canonicalizes v and hashes it under domain.
func Of(domain string, v any) (string, error) {
	canonical, err := Canonical(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", domain, err)
	}
	return Hash(domain, canonical), nil
}

// RunInput fingerprints the top-level input of a pipeline run.
func RunInput(v any) (string, error) {
	return Of(DomainRunInput, v)
}

// StageInput fingerprints the input handed to a single stage.
func StageInput(v any) (string, error) {
	return Of(DomainStageInput, v)
}
