package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// NewID returns a random identifier carrying a type prefix, e.g. "obj_9f2c...".
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// IDPrefix returns the type prefix of an identifier, or "" when the
// identifier carries none.
func IDPrefix(id string) string {
	idx := strings.IndexByte(id, '_')
	if idx <= 0 {
		return ""
	}
	return id[:idx]
}
