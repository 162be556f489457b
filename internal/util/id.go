package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns an opaque random identifier, optionally prefixed.
// Token identifiers use prefixes so their kind is visible in logs.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewEntityID returns a random UUID for persisted rows.
func NewEntityID() string {
	return uuid.NewString()
}
