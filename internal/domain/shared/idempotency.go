package shared

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// keySeparator cannot appear in user or entity ids.
const keySeparator = "\x1f"

// IdempotencyKey derives a stable key for a side effect from its scope and
// identifying parts. The same inputs always yield the same 64-char hex key.
func IdempotencyKey(scope string, parts ...string) string {
	payload := scope + keySeparator + strings.Join(parts, keySeparator)
	sum := blake2b.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// UnlockKey identifies the unlock of one achievement by one user.
func UnlockKey(userID, achievementID string) string {
	return IdempotencyKey("achievement", userID, achievementID)
}

// ChallengeCompletionKey identifies the completion of one daily challenge
// instance by one user on one day (YYYY-MM-DD).
func ChallengeCompletionKey(userID, challengeID, day string) string {
	return IdempotencyKey("challenge", userID, challengeID, day)
}
