// Package uuid provides UUID v4 generation and validation for record and
// conflict identifiers.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kimhsiao/litany/internal/models"
)

// xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx where y is one of [8, 9, a, b]
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Generator produces fresh identifiers. Stores and engines accept one so
// tests can supply deterministic ids.
type Generator func() models.UUID

// New generates a new UUID v4.
func New() models.UUID {
	return models.UUID(uuid.New().String())
}

// Sequence returns a Generator yielding v4-shaped ids with a fixed prefix
// and an increasing counter. Intended for tests.
func Sequence() Generator {
	var n uint64
	return func() models.UUID {
		n++
		return models.UUID(fmt.Sprintf("00000000-0000-4000-8000-%012x", n))
	}
}

// Parse normalises s to lowercase and checks it is a valid UUID v4.
func Parse(s string) (models.UUID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	if id.Version() != 4 {
		return "", fmt.Errorf("expected UUID v4, got v%d", id.Version())
	}
	if !IsValid(s) {
		return "", fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return models.UUID(s), nil
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
