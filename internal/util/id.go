package util

import (
	"crypto/rand"
	"encoding/hex"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewDocumentID returns a short, URL-friendly document id.
func NewDocumentID() string {
	return "doc-" + NewID("")[:10]
}

// NewConnectionID identifies a single realtime connection for presence tracking.
// Two tabs of the same user get two distinct connection ids.
func NewConnectionID() string {
	return "conn_" + NewID("")[:16]
}
