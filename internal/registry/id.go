package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewJobID mints a job_id of the form YYYYMMDDhhmmss-<8 hex>. The
// timestamp prefix gives creation-order sort, the random suffix breaks
// ties between jobs started in the same second.
func NewJobID(now time.Time) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: new job id: %w", err)
	}
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102150405"), hex.EncodeToString(buf)), nil
}
