package core

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier encoded as 32 lowercase hex characters.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
