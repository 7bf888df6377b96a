package protocol

import (
	"time"

	"github.com/google/uuid"
)

// GenerateID returns a random UUID string. Used for correlation IDs, local
// subscription IDs and server subscription IDs.
func GenerateID() string {
	return uuid.NewString()
}

// TimeNow is a wrapper for time.Now so tests can pin timestamps.
var TimeNow = time.Now
