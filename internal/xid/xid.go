package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random row id. It falls back to a time-based UUID when the
// random source fails.
func New() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Must(uuid.NewUUID()).String()
	}
	return id.String()
}

// Valid reports whether s is a well-formed row id.
func Valid(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
