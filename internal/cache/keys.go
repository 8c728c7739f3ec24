package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

// RateLimitKey names the request counter of one client for the rate window
// starting at window.
func RateLimitKey(clientID uuid.UUID, window time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%d", clientID, window.Unix())
}
