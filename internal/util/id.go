package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 24-char hex identifier. Used for entity primary
// keys; not guessable, safe in URLs and log lines.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
