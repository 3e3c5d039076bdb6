package wire

import "github.com/google/uuid"

// NewID returns a fresh stanza id.
func NewID() string {
	return uuid.NewString()
}
