package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// NormalizeResource trims and NFC-normalizes a resource name so that
// visually identical names share one queue.
func NormalizeResource(name string) (string, error) {
	n := norm.NFC.String(strings.TrimSpace(name))
	if n == "" {
		return "", fmt.Errorf("resource name must not be empty")
	}
	if strings.ContainsAny(n, "/?#") {
		return "", fmt.Errorf("resource name %q contains a reserved character", n)
	}
	return n, nil
}

// IDGenerator produces unique ids for mutations and id-less CREATE payloads.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7. Panics if generation fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
