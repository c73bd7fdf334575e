package protocol

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// GenerateEventID returns a random version 4 UUID rendered as 32 lowercase hex
// characters, the form used for envelope event IDs.
func GenerateEventID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
