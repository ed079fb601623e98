package util

import (
	"crypto/rand"
	"encoding/hex"
	"os"
)

// NewID returns a URL-safe hex string ID.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WorkerID derives the identity written into lease rows: hostname plus a
// random suffix so two processes on one host stay distinguishable.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return NewID()
	}
	return host + "-" + NewID()[:6]
}
