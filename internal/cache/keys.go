package cache

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

// RunnerTokenKey never embeds the raw token; a verified token is cached
// under its BLAKE3 fingerprint.
func RunnerTokenKey(token string) string {
	sum := blake3.Sum256([]byte(token))
	return "runner:token:" + hex.EncodeToString(sum[:])
}

func JobLogChannel(jobID uuid.UUID) string {
	return fmt.Sprintf("joblog:%s", jobID)
}
